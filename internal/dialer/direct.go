package dialer

import (
	"context"
	"net"

	"github.com/die-net/tunnelstream/internal/connerr"
	"github.com/die-net/tunnelstream/internal/sockopt"
)

// DirectDialer opens TCP connections without a proxy.
type DirectDialer struct {
	cfg Config
}

func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{cfg: cfg}
}

func (f *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: f.cfg.DialTimeout, Resolver: f.cfg.Resolver}
	if f.cfg.BindDevice != "" {
		dd.Control = sockopt.BindToDevice(f.cfg.BindDevice)
	}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, connerr.Classify("dial", address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(f.cfg.KeepAlive)
	}

	return conn, nil
}
