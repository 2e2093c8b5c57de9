// Package stream provides Stream, a byte stream that is either a plain TCP
// connection or a TLS session layered over one.
package stream

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Kind names the transport variant behind a Stream.
type Kind int

const (
	Plain Kind = iota
	TLS
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case TLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Proto is the application protocol to speak over a Stream.
type Proto int

const (
	HTTP11 Proto = iota
	HTTP2
)

func (p Proto) String() string {
	switch p {
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2"
	default:
		return "unknown"
	}
}

// variant is implemented only by plainConn and tlsConn.
type variant interface {
	net.Conn
	kind() Kind
	closeWrite() error
}

type plainConn struct {
	net.Conn
}

func (plainConn) kind() Kind { return Plain }

func (c plainConn) closeWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

type tlsConn struct {
	*tls.Conn
}

func (tlsConn) kind() Kind { return TLS }

func (c tlsConn) closeWrite() error { return c.Conn.CloseWrite() }

// Stream is an established connection returned by a successful connect.
// Reads and writes go to the underlying variant unchanged. Use NewPlain or
// NewTLS to construct one; the zero value is not usable.
type Stream struct {
	v variant

	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*Stream)(nil)

// NewPlain wraps an established connection with no TLS layer.
func NewPlain(conn net.Conn) *Stream {
	return &Stream{v: plainConn{Conn: conn}}
}

// NewTLS wraps a TLS session. The handshake must already be complete.
func NewTLS(conn *tls.Conn) (*Stream, error) {
	if !conn.ConnectionState().HandshakeComplete {
		return nil, errors.New("stream: TLS handshake not complete")
	}
	return &Stream{v: tlsConn{Conn: conn}}, nil
}

func (s *Stream) Read(p []byte) (int, error)  { return s.v.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.v.Write(p) }

// Flush is a no-op: writes are passed straight to the socket or TLS record
// layer. It exists so callers can treat Stream like a buffered writer.
func (s *Stream) Flush() error { return nil }

// Close closes the stream. A TLS stream sends close_notify first. Calls
// after the first return the first result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.v.Close()
	})
	return s.closeErr
}

// CloseWrite shuts down the sending side. Returns errors.ErrUnsupported if the
// underlying connection cannot half-close.
func (s *Stream) CloseWrite() error { return s.v.closeWrite() }

func (s *Stream) LocalAddr() net.Addr                { return s.v.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr               { return s.v.RemoteAddr() }
func (s *Stream) SetDeadline(t time.Time) error      { return s.v.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.v.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.v.SetWriteDeadline(t) }

// Kind reports whether the stream is plain or TLS.
func (s *Stream) Kind() Kind { return s.v.kind() }

// IsTLS reports whether the stream carries a completed TLS session.
func (s *Stream) IsTLS() bool { return s.v.kind() == TLS }

// NegotiatedProtocol returns the ALPN protocol, or "" for plain streams and
// TLS sessions that negotiated none.
func (s *Stream) NegotiatedProtocol() string {
	switch c := s.v.(type) {
	case tlsConn:
		return c.ConnectionState().NegotiatedProtocol
	case plainConn:
		return ""
	default:
		panic("stream: unknown variant")
	}
}

// Proto returns HTTP2 exactly when the stream is TLS and ALPN selected h2.
func (s *Stream) Proto() Proto {
	if s.NegotiatedProtocol() == http2.NextProtoTLS {
		return HTTP2
	}
	return HTTP11
}

// ConnectionState returns the TLS state and true for TLS streams.
func (s *Stream) ConnectionState() (tls.ConnectionState, bool) {
	if c, ok := s.v.(tlsConn); ok {
		return c.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// NetConn returns the underlying TCP-level connection.
func (s *Stream) NetConn() net.Conn {
	switch c := s.v.(type) {
	case tlsConn:
		return c.NetConn()
	case plainConn:
		return c.Conn
	default:
		panic("stream: unknown variant")
	}
}
