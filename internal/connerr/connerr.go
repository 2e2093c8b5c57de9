// Package connerr defines the failure classes reported while establishing a
// stream.
//
// Every error returned by the connect path is an *Error carrying a Kind, so
// callers can tell proxy misconfiguration apart from network failures and TLS
// trust failures without matching on message text.
package connerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"strings"
)

// Kind is the failure class of an Error.
type Kind int

const (
	Unknown Kind = iota
	// InvalidConfiguration covers bad or unsupported proxy settings.
	InvalidConfiguration
	// InvalidInput covers bad caller input such as an over-long host name.
	InvalidInput
	DNSFailure
	ConnectFailure
	// ProtocolViolation covers unexpected SOCKS5 or CONNECT reply bytes and
	// peers that close the stream mid-handshake.
	ProtocolViolation
	TLSFailure
	IO
	Timeout
)

func (k Kind) String() string {
	switch k {
	case InvalidConfiguration:
		return "invalid configuration"
	case InvalidInput:
		return "invalid input"
	case DNSFailure:
		return "dns failure"
	case ConnectFailure:
		return "connect failure"
	case ProtocolViolation:
		return "protocol violation"
	case TLSFailure:
		return "tls failure"
	case IO:
		return "i/o error"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified connect failure.
type Error struct {
	Kind Kind
	// Op names the stage that failed, e.g. "proxy", "socks5", "tls".
	Op string
	// Host is the destination (or proxy) the stage was working on.
	Host string
	// Detail holds raw protocol context such as a status byte or line.
	Detail string
	Err    error
}

// New returns an Error without an underlying cause.
func New(kind Kind, op, host, detail string) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Detail: detail}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, op, host string, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Host != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.Host)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error is a deadline expiry. It lets *Error
// satisfy the Timeout half of net.Error.
func (e *Error) Timeout() bool {
	return e.Kind == Timeout
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify wraps a raw net, context or TLS error in an *Error. Errors that
// are already classified are returned unchanged, except that a deadline
// expiry always wins so an end-to-end timeout is reported as such.
func Classify(op, host string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Kind != Timeout && isTimeout(err) {
			return Wrap(Timeout, op, host, err)
		}
		return err
	}

	return Wrap(classify(err), op, host, err)
}

func classify(err error) Kind {
	if isTimeout(err) {
		return Timeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNSFailure
	}

	if isTLS(err) {
		return TLSFailure
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ConnectFailure
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ProtocolViolation
	}

	return IO
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTLS(err error) bool {
	var (
		recErr     tls.RecordHeaderError
		alertErr   tls.AlertError
		verifyErr  *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	return errors.As(err, &recErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownCA) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}
