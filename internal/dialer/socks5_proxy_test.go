package dialer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/tunnelstream/internal/connerr"
	"github.com/die-net/tunnelstream/internal/resolve"
	"github.com/die-net/tunnelstream/internal/socks5"
	"github.com/die-net/tunnelstream/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		user *url.Userinfo
	}{
		{name: "no_auth"},
		{name: "user_pass", user: url.UserPassword("user", "pass")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)

			var auth socks5.Auth
			if tt.user != nil {
				auth.Username = tt.user.Username()
				auth.Password, _ = tt.user.Password()
			}
			up := testutil.StartSOCKS5Proxy(t, ctx, auth)

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, up.Addr, false, tt.user, nil)

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()

			testutil.AssertEcho(t, conn, conn, []byte("hello"))
		})
	}
}

func TestSOCKS5ProxyDialerResolution(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	_, port, err := net.SplitHostPort(echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		remote     bool
		host       string
		wantTarget string
	}{
		{name: "socks5 sends literal address", host: "127.0.0.1", wantTarget: "127.0.0.1:" + port},
		{name: "socks5h sends name", remote: true, host: "localhost", wantTarget: "localhost:" + port},
		{name: "socks5h sends ip literal as name", remote: true, host: "127.0.0.1", wantTarget: "127.0.0.1:" + port},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := testutil.StartSOCKS5Proxy(t, ctx, socks5.Auth{})

			f := NewSOCKS5ProxyDialer(Config{}, up.Addr, tt.remote, nil, resolve.New(nil, time.Minute))
			conn, err := f.DialContext(ctx, "tcp", net.JoinHostPort(tt.host, port))
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()

			testutil.AssertEcho(t, conn, conn, []byte("ping"))

			if got := up.Targets(); len(got) != 1 || got[0] != tt.wantTarget {
				t.Fatalf("targets %q want %q", got, tt.wantTarget)
			}
		})
	}
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if err := socks5.ServerNegotiate(c, socks5.Auth{}); err != nil {
			return
		}
		if _, err := socks5.ServerReadRequest(c); err != nil {
			return
		}
		socks5.WriteFailureReply(c, txsocks5.RepConnectionRefused)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), true, nil, nil)

	_, err := f.DialContext(ctx, "tcp", "target.example:80")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := connerr.KindOf(err); kind != connerr.ProtocolViolation {
		t.Fatalf("kind %v: %v", kind, err)
	}
	if !strings.Contains(err.Error(), "connection refused") || !strings.Contains(err.Error(), "target.example") {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUp()
}

func TestSOCKS5ProxyDialerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The proxy accepts and then says nothing; the handler returns once the
	// client side is closed.
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), true, nil, nil)

	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := f.DialContext(ctx, "tcp", "target.example:80")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}

	waitUp()
}

func TestSOCKS5ProxyDialerDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})

	f := NewSOCKS5ProxyDialer(Config{}, upLn.Addr().String(), true, nil, nil)

	_, err := f.DialContext(ctx, "tcp", "target.example:80")
	if !connerr.IsKind(err, connerr.Timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var te interface{ Timeout() bool }
	if !errors.As(err, &te) || !te.Timeout() {
		t.Fatalf("expected timeout error, got %v", err)
	}

	waitUp()
}

func TestSOCKS5ProxyDialerBadAddress(t *testing.T) {
	t.Parallel()

	f := NewSOCKS5ProxyDialer(Config{}, "127.0.0.1:1", true, nil, nil)

	for _, address := range []string{"no-port", "host:99999", "host:http"} {
		_, err := f.DialContext(context.Background(), "tcp", address)
		if !connerr.IsKind(err, connerr.InvalidInput) {
			t.Fatalf("%s: unexpected error: %v", address, err)
		}
	}

	_, err := f.DialContext(context.Background(), "udp", "host:"+strconv.Itoa(53))
	if !connerr.IsKind(err, connerr.InvalidInput) {
		t.Fatalf("unexpected error: %v", err)
	}
}
