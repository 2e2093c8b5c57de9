package dialer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/die-net/tunnelstream/internal/connerr"
)

const (
	// statusPrefixLen covers "HTTP/1.x 200".
	statusPrefixLen = 12
	// maxResponseHeader bounds the CONNECT response header.
	maxResponseHeader = 64 << 10
)

var headerEnd = []byte("\r\n\r\n")

// HTTPProxyDialer dials outbound TCP connections through an HTTP proxy
// using the CONNECT method.
type HTTPProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      string
	direct    Dialer
}

// NewHTTPProxyDialer constructs a CONNECT dialer for the proxy at proxyAddr.
//
// If user is non-nil, Proxy-Authorization is sent using HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, proxyAddr string, user *url.Userinfo) *HTTPProxyDialer {
	auth := ""
	if user != nil {
		pass, _ := user.Password()
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(user.Username()+":"+pass))
	}

	return &HTTPProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      auth,
		direct:    NewDirectDialer(cfg),
	}
}

// ProxyAddr returns the proxy host:port.
func (f *HTTPProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext connects to the proxy and asks it to CONNECT to address. The
// returned connection is a tunnel to address.
//
// Negotiation is bounded by ctx; any deadline set for it is cleared before
// returning.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, connerr.New(connerr.InvalidInput, "http proxy", address, fmt.Sprintf("unsupported network %q", network))
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyAddr)
	if err != nil {
		return nil, err
	}

	var tunnel net.Conn
	err = negotiate(ctx, c, "http proxy", address, func() error {
		var err error
		tunnel, err = httpConnect(c, address, f.auth)
		return err
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return tunnel, nil
}

// httpConnect writes a CONNECT request for address and reads the proxy's
// response header. The tunnel is open once the status line is a 200 and the
// header's blank line has arrived. Bytes received after the header belong
// to the tunnel and are handed back through the returned conn.
func httpConnect(c net.Conn, address, auth string) (net.Conn, error) {
	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", address, address)
	if auth != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if _, err := io.WriteString(c, req.String()); err != nil {
		return nil, connerr.Wrap(connerr.IO, "http proxy", address, fmt.Errorf("write CONNECT: %w", err))
	}

	buf := make([]byte, 0, 512)
	for {
		if len(buf) == cap(buf) {
			if len(buf) >= maxResponseHeader {
				return nil, connerr.New(connerr.ProtocolViolation, "http proxy", address, "response header too large")
			}
			buf = slices.Grow(buf, len(buf))
		}

		n, err := c.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]

		if len(buf) >= statusPrefixLen && !connectOK(buf) {
			return nil, connerr.New(connerr.ProtocolViolation, "http proxy", address, "unexpected response "+statusLine(buf))
		}
		if i := bytes.Index(buf, headerEnd); i >= 0 {
			if len(buf) < statusPrefixLen {
				return nil, connerr.New(connerr.ProtocolViolation, "http proxy", address, "unexpected response "+statusLine(buf))
			}
			if rest := buf[i+len(headerEnd):]; len(rest) > 0 {
				return &bufferedConn{Conn: c, buf: rest}, nil
			}
			return c, nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				detail := "proxy closed connection before end of response header"
				if len(buf) > 0 {
					detail += " after " + statusLine(buf)
				}
				return nil, connerr.New(connerr.ProtocolViolation, "http proxy", address, detail)
			}
			return nil, connerr.Wrap(connerr.IO, "http proxy", address, fmt.Errorf("read CONNECT response: %w", err))
		}
	}
}

func connectOK(b []byte) bool {
	return bytes.HasPrefix(b, []byte("HTTP/1.1 200")) || bytes.HasPrefix(b, []byte("HTTP/1.0 200"))
}

// statusLine returns the first line of b, quoted and truncated for logs.
func statusLine(b []byte) string {
	if i := bytes.Index(b, []byte("\r\n")); i >= 0 {
		b = b[:i]
	}
	if len(b) > 128 {
		b = b[:128]
	}
	return fmt.Sprintf("%q", b)
}

// bufferedConn replays bytes read past the CONNECT response header.
type bufferedConn struct {
	net.Conn
	buf []byte
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}
