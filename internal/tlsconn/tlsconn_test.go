package tlsconn

import (
	"context"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/tunnelstream/internal/connerr"
)

func TestNextProtos(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"h2", "http/1.1"}, NextProtos(true))
	require.Equal(t, []string{"http/1.1"}, NextProtos(false))
}

func TestServerName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host    string
		want    string
		wantErr bool
	}{
		{host: "example.com", want: "example.com"},
		{host: "Example.COM", want: "example.com"},
		{host: "bücher.example", want: "xn--bcher-kva.example"},
		{host: "127.0.0.1", want: "127.0.0.1"},
		{host: "::1", want: "::1"},
		{host: "", wantErr: true},
		{host: "bad host!", wantErr: true},
		{host: "a..b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()

			got, err := ServerName(tt.host)
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, connerr.TLSFailure, connerr.KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestUpgradeALPN(t *testing.T) {
	srv := startTLSServer(t)

	tests := []struct {
		name  string
		http2 bool
		want  string
	}{
		{name: "h2 preferred", http2: true, want: "h2"},
		{name: "http1 only", http2: false, want: "http/1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := net.Dial("tcp", srv.Listener.Addr().String())
			require.NoError(t, err)

			tc, err := Upgrade(ctx, conn, "example.com", Options{RootCAs: serverPool(srv), HTTP2: tt.http2})
			require.NoError(t, err)
			defer tc.Close()

			require.True(t, tc.ConnectionState().HandshakeComplete)
			require.Equal(t, tt.want, NegotiatedProtocol(tc))
		})
	}
}

func TestUpgradeUntrusted(t *testing.T) {
	srv := startTLSServer(t)

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)

	_, err = Upgrade(context.Background(), conn, "example.com", Options{RootCAs: x509.NewCertPool()})
	require.Error(t, err)
	require.Equal(t, connerr.TLSFailure, connerr.KindOf(err))
}

func TestUpgradeInvalidNameSendsNothing(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer server.Close()
	rc := &recordingConn{Conn: client}

	_, err := Upgrade(context.Background(), rc, "bad host!", Options{})
	require.Error(t, err)
	require.Equal(t, connerr.TLSFailure, connerr.KindOf(err))
	require.Zero(t, rc.writes.Load())
	require.True(t, rc.closed.Load())
}

type recordingConn struct {
	net.Conn
	writes atomic.Int64
	closed atomic.Bool
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.writes.Add(1)
	return c.Conn.Write(p)
}

func (c *recordingConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func startTLSServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func serverPool(srv *httptest.Server) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return pool
}
