package dialer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/die-net/tunnelstream/internal/connerr"
	"github.com/die-net/tunnelstream/internal/resolve"
	"github.com/die-net/tunnelstream/internal/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	opts      socks5.Options
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a SOCKS5 dialer for the proxy at
// proxyAddr. With remote set the destination name is passed to the proxy
// unresolved (socks5h); otherwise it is resolved locally with r. If user is
// non-nil, username/password authentication is offered.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr string, remote bool, user *url.Userinfo, r *resolve.Resolver) *SOCKS5ProxyDialer {
	var auth socks5.Auth
	if user != nil {
		auth.Username = user.Username()
		auth.Password, _ = user.Password()
	}

	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		opts: socks5.Options{
			ResolveRemotely: remote,
			Resolver:        r,
			Auth:            auth,
		},
		direct: NewDirectDialer(cfg),
	}
}

// ProxyAddr returns the proxy host:port.
func (f *SOCKS5ProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext connects to the proxy and asks it to CONNECT to address.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, connerr.New(connerr.InvalidInput, "socks5", address, fmt.Sprintf("unsupported network %q", network))
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, connerr.Wrap(connerr.InvalidInput, "socks5", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, connerr.Wrap(connerr.InvalidInput, "socks5", address, fmt.Errorf("invalid port: %w", err))
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, err
	}

	err = negotiate(ctx, c, "socks5", host, func() error {
		return socks5.ClientDial(ctx, c, host, uint16(port), f.opts)
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
