package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/tunnelstream/internal/socks5"
)

// Proxy is a loopback proxy double that records the targets it was asked
// to reach.
type Proxy struct {
	Addr string

	mu      sync.Mutex
	targets []string
	auths   []string
}

// URL returns scheme://Addr.
func (p *Proxy) URL(scheme string) string {
	return scheme + "://" + p.Addr
}

// Targets returns the host:port targets requested so far.
func (p *Proxy) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

// Auths returns the Proxy-Authorization values seen so far.
func (p *Proxy) Auths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.auths...)
}

func (p *Proxy) record(target, auth string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, target)
	if auth != "" {
		p.auths = append(p.auths, auth)
	}
}

// StartHTTPConnectProxy serves HTTP CONNECT tunnels on a loopback listener
// until the test ends.
func StartHTTPConnectProxy(t *testing.T, ctx context.Context) *Proxy {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	p := &Proxy{Addr: ln.Addr().String()}
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.handleConnect(w, r)
		}),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	t.Cleanup(func() { _ = srv.Close() })

	go func() { _ = srv.Serve(ln) }()
	return p
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "CONNECT only", http.StatusMethodNotAllowed)
		return
	}
	p.record(r.Host, r.Header.Get("Proxy-Authorization"))

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	var d net.Dialer
	serverConn, err := d.DialContext(r.Context(), "tcp", r.Host)
	if err != nil {
		_, _ = fmt.Fprintf(brw, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n%s\r\n", err)
		_ = brw.Flush()
		_ = clientConn.Close()
		return
	}

	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = brw.Flush()

	_ = CopyBidirectional(r.Context(), clientConn, serverConn)
}

// StartSOCKS5Proxy serves SOCKS5 CONNECT on a loopback listener until the
// test ends. A non-empty auth.Username requires username/password
// authentication.
func StartSOCKS5Proxy(t *testing.T, ctx context.Context, auth socks5.Auth) *Proxy {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	p := &Proxy{Addr: ln.Addr().String()}
	go serveLoop(ctx, ln, func(c net.Conn) {
		p.handleSOCKS5(ctx, c, auth)
	})
	return p
}

func (p *Proxy) handleSOCKS5(ctx context.Context, conn net.Conn, auth socks5.Auth) {
	if err := socks5.ServerNegotiate(conn, auth); err != nil {
		return
	}
	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		return
	}
	if req.Cmd != txsocks5.CmdConnect {
		socks5.WriteFailureReply(conn, txsocks5.RepCommandNotSupported)
		return
	}

	target := req.Address()
	p.record(target, "")

	var d net.Dialer
	up, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		socks5.WriteFailureReply(conn, txsocks5.RepConnectionRefused)
		return
	}

	if err := socks5.WriteSuccessReply(conn, up.LocalAddr()); err != nil {
		_ = up.Close()
		return
	}

	_ = CopyBidirectional(ctx, conn, up)
}
