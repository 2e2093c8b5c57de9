package socks5

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/tunnelstream/internal/connerr"
	"github.com/die-net/tunnelstream/internal/resolve"
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// Options controls how the CONNECT destination is encoded.
type Options struct {
	// ResolveRemotely sends the destination as a domain name and lets the
	// proxy resolve it (socks5h).
	ResolveRemotely bool
	// Resolver is used for local resolution. Nil means the system resolver.
	Resolver *resolve.Resolver
	Auth     Auth
}

// ClientDial negotiates with the proxy on conn and asks it to CONNECT to
// host:port. On success conn is a tunnel to the destination and is left
// open; on failure the caller owns closing it.
func ClientDial(ctx context.Context, conn io.ReadWriter, host string, port uint16, opts Options) error {
	if err := ClientNegotiate(conn, opts.Auth); err != nil {
		return withHost(err, host)
	}
	if err := ClientConnect(ctx, conn, host, port, opts); err != nil {
		return withHost(err, host)
	}
	return nil
}

// ClientNegotiate sends the method greeting and handles the server's
// choice. Without credentials the greeting is exactly 05 01 00 and the only
// acceptable answer is 05 00.
func ClientNegotiate(conn io.ReadWriter, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if err := writeAll(conn, txsocks5.NewNegotiationRequest(methods)); err != nil {
		return connerr.Wrap(connerr.IO, "socks5", "", fmt.Errorf("write negotiation: %w", err))
	}

	var rep [2]byte
	if _, err := io.ReadFull(conn, rep[:]); err != nil {
		return readError(err)
	}
	if rep[0] != txsocks5.Ver {
		return connerr.New(connerr.ProtocolViolation, "socks5", "", fmt.Sprintf("unexpected negotiation reply % x", rep[:]))
	}

	switch {
	case rep[1] == txsocks5.MethodNone:
		return nil
	case rep[1] == txsocks5.MethodUsernamePassword && auth.Username != "":
		return clientUserPass(conn, auth)
	default:
		return connerr.New(connerr.ProtocolViolation, "socks5", "", fmt.Sprintf("unexpected negotiation reply % x", rep[:]))
	}
}

func clientUserPass(conn io.ReadWriter, auth Auth) error {
	if len(auth.Username) > 255 || len(auth.Password) > 255 {
		return connerr.New(connerr.InvalidConfiguration, "socks5", "", "username/password too long")
	}

	req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
	if err := writeAll(conn, req); err != nil {
		return connerr.Wrap(connerr.IO, "socks5", "", fmt.Errorf("write userpass: %w", err))
	}

	var rep [2]byte
	if _, err := io.ReadFull(conn, rep[:]); err != nil {
		return readError(err)
	}
	if rep[1] != txsocks5.UserPassStatusSuccess {
		return connerr.New(connerr.ProtocolViolation, "socks5", "", fmt.Sprintf("authentication failed (status 0x%02x)", rep[1]))
	}
	return nil
}

// ClientConnect sends the CONNECT request for host:port and validates the
// reply.
func ClientConnect(ctx context.Context, conn io.ReadWriter, host string, port uint16, opts Options) error {
	req, err := NewConnectRequest(ctx, host, port, opts)
	if err != nil {
		return err
	}

	if err := writeAll(conn, req); err != nil {
		return connerr.Wrap(connerr.IO, "socks5", host, fmt.Errorf("write request: %w", err))
	}

	if _, err := ReadReply(conn); err != nil {
		return withHost(err, host)
	}
	return nil
}

// NewConnectRequest encodes a CONNECT request for host:port.
//
// With ResolveRemotely the host is always sent as a length-prefixed domain
// name. Otherwise IP literals are sent as-is and names are resolved first,
// using the address family of the first result.
func NewConnectRequest(ctx context.Context, host string, port uint16, opts Options) (*txsocks5.Request, error) {
	var (
		atyp byte
		addr []byte
	)

	if opts.ResolveRemotely {
		if host == "" || len(host) > 255 {
			return nil, connerr.New(connerr.InvalidInput, "socks5", host, fmt.Sprintf("host name length %d out of range", len(host)))
		}
		atyp, addr = txsocks5.ATYPDomain, []byte(host)
	} else {
		r := opts.Resolver
		if r == nil {
			r = resolve.New(nil, 0)
		}
		ip, err := r.LookupIP(ctx, host)
		if err != nil {
			return nil, err
		}
		if ip4 := ip.To4(); ip4 != nil {
			atyp, addr = txsocks5.ATYPIPv4, ip4
		} else {
			atyp, addr = txsocks5.ATYPIPv6, ip.To16()
		}
	}

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)

	return txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, portBytes), nil
}

// writeAll serializes m and sends it with a single Write.
func writeAll(w io.Writer, m io.WriterTo) error {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func withHost(err error, host string) error {
	var e *connerr.Error
	if errors.As(err, &e) && e.Host == "" {
		e.Host = host
	}
	return err
}
