// Package tlsconn wraps an established connection in a client TLS session.
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"golang.org/x/net/http2"
	"golang.org/x/net/idna"

	"github.com/die-net/tunnelstream/internal/connerr"
)

// ProtoHTTP11 is the ALPN identifier for HTTP/1.1.
const ProtoHTTP11 = "http/1.1"

// Options configures Upgrade.
type Options struct {
	// RootCAs replaces the system root set when non-nil.
	RootCAs *x509.CertPool
	// HTTP2 advertises h2 ahead of http/1.1.
	HTTP2 bool
	// SessionCache overrides the shared client session cache.
	SessionCache tls.ClientSessionCache
}

var (
	sessionCache = tls.NewLRUClientSessionCache(0)

	serverNames = idna.New(idna.MapForLookup(), idna.VerifyDNSLength(true))
)

// NextProtos returns the ALPN list in preference order.
func NextProtos(h2 bool) []string {
	if h2 {
		return []string{http2.NextProtoTLS, ProtoHTTP11}
	}
	return []string{ProtoHTTP11}
}

// ServerName validates host as a TLS server identity and returns it in
// ASCII form. IP literals are accepted unchanged.
func ServerName(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	name, err := serverNames.ToASCII(host)
	if err != nil {
		return "", connerr.Wrap(connerr.TLSFailure, "tls", host, fmt.Errorf("invalid DNS name: %w", err))
	}
	if name == "" {
		return "", connerr.New(connerr.TLSFailure, "tls", host, "invalid DNS name")
	}
	return name, nil
}

// ClientConfig returns the client configuration used for serverName.
func (o Options) ClientConfig(serverName string) *tls.Config {
	cache := o.SessionCache
	if cache == nil {
		cache = sessionCache
	}
	return &tls.Config{
		ServerName:         serverName,
		RootCAs:            o.RootCAs,
		NextProtos:         NextProtos(o.HTTP2),
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: cache,
	}
}

// Upgrade performs a client handshake on conn, verifying the peer as host.
// The host is validated before any handshake bytes are written.
//
// On error, conn is closed.
func Upgrade(ctx context.Context, conn net.Conn, host string, opts Options) (*tls.Conn, error) {
	name, err := ServerName(host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	tc := tls.Client(conn, opts.ClientConfig(name))
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, connerr.Wrap(connerr.TLSFailure, "tls", host, fmt.Errorf("handshake: %w", err))
	}
	return tc, nil
}

// NegotiatedProtocol returns the ALPN protocol agreed on tc, or "" if none.
func NegotiatedProtocol(tc *tls.Conn) string {
	return tc.ConnectionState().NegotiatedProtocol
}
