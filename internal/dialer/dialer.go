package dialer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/die-net/tunnelstream/internal/connerr"
	"github.com/die-net/tunnelstream/internal/proxy"
	"github.com/die-net/tunnelstream/internal/resolve"
	"github.com/die-net/tunnelstream/internal/sockopt"
	"github.com/die-net/tunnelstream/internal/stream"
	"github.com/die-net/tunnelstream/internal/tlsconn"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connector establishes streams to destinations, choosing a direct path or
// a proxy for each one. It is safe for concurrent use.
type Connector struct {
	cfg      Config
	proxies  proxy.Config
	direct   Dialer
	resolver *resolve.Resolver
	tlsOpts  tlsconn.Options
	log      logrus.FieldLogger
}

var _ Dialer = (*Connector)(nil)

// New returns a Connector for cfg.
func New(cfg Config) (*Connector, error) {
	if cfg.BindDevice != "" && !sockopt.IsSupported {
		return nil, connerr.New(connerr.InvalidConfiguration, "config", "", "binding to a device is not supported on this platform")
	}
	if cfg.Timeout < 0 || cfg.DialTimeout < 0 {
		return nil, connerr.New(connerr.InvalidConfiguration, "config", "", "timeouts must not be negative")
	}

	proxies := proxy.Environment()
	if cfg.Proxy != nil {
		proxies = *cfg.Proxy
	}

	return &Connector{
		cfg:      cfg,
		proxies:  proxies,
		direct:   NewDirectDialer(cfg),
		resolver: resolve.New(cfg.Resolver, cfg.DNSCacheTTL),
		tlsOpts:  tlsconn.Options{RootCAs: cfg.RootCAs, HTTP2: cfg.HTTP2},
		log:      cfg.logger(),
	}, nil
}

// Connect opens a stream to host:port, through a proxy if the proxy
// configuration selects one for host, and completes a TLS handshake with
// host when useTLS is set.
//
// A returned stream reporting TLS has finished its handshake. On error no
// socket is left open, and the error is a *connerr.Error.
func (c *Connector) Connect(ctx context.Context, host string, port uint16, useTLS bool) (*stream.Stream, error) {
	if host == "" {
		return nil, connerr.New(connerr.InvalidInput, "connect", host, "empty host")
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	d, err := c.proxies.Select(host, useTLS)
	if err != nil {
		return nil, err
	}

	log := c.log.WithFields(logrus.Fields{"conn": uuid.NewString(), "host": host, "port": port, "tls": useTLS})
	switch {
	case d.Kind != proxy.None:
		log.WithField("proxy", d.String()).Infof("using proxy %s", d.Addr())
	case c.proxies.Bypass(host):
		log.Debug("using no proxy due to NO_PROXY")
	default:
		log.Debug("connecting directly")
	}

	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := c.DialerFor(d).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, c.fail(ctx, log, host, err)
	}

	if !useTLS {
		log.Debug("connected")
		return stream.NewPlain(conn), nil
	}

	tc, err := tlsconn.Upgrade(ctx, conn, host, c.tlsOpts)
	if err != nil {
		log.WithError(err).Error("tls handshake failed")
		return nil, c.fail(ctx, log, host, err)
	}

	s, err := stream.NewTLS(tc)
	if err != nil {
		_ = tc.Close()
		return nil, connerr.Wrap(connerr.TLSFailure, "tls", host, err)
	}
	log.WithField("alpn", s.NegotiatedProtocol()).Debugf("connected, speaking %s", s.Proto())
	return s, nil
}

// ConnectURL connects to the host and port named by an http or https URL.
// The scheme decides TLS; a missing port defaults to 80 or 443.
func (c *Connector) ConnectURL(ctx context.Context, rawURL string) (*stream.Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, connerr.Wrap(connerr.InvalidInput, "connect", "", fmt.Errorf("invalid url: %w", err))
	}

	var useTLS bool
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		useTLS = true
	default:
		return nil, connerr.New(connerr.InvalidInput, "connect", u.Host, fmt.Sprintf("unsupported url scheme %q", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return nil, connerr.New(connerr.InvalidInput, "connect", "", "missing host in url")
	}

	port := uint16(80)
	if useTLS {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return nil, connerr.New(connerr.InvalidInput, "connect", host, fmt.Sprintf("invalid port %q", p))
		}
		port = uint16(n)
	}

	return c.Connect(ctx, host, port, useTLS)
}

// DialContext connects to address without TLS, so a Connector can stand in
// for a net.Dialer.
func (c *Connector) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, connerr.New(connerr.InvalidInput, "connect", address, fmt.Sprintf("unsupported network %q", network))
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, connerr.Wrap(connerr.InvalidInput, "connect", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, connerr.Wrap(connerr.InvalidInput, "connect", address, fmt.Errorf("invalid port: %w", err))
	}

	s, err := c.Connect(ctx, host, uint16(port), false)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DialerFor returns the raw dialer for a proxy decision.
func (c *Connector) DialerFor(d proxy.Decision) Dialer {
	switch d.Kind {
	case proxy.HTTP:
		return NewHTTPProxyDialer(c.cfg, d.Addr(), d.User)
	case proxy.SOCKS5:
		return NewSOCKS5ProxyDialer(c.cfg, d.Addr(), d.ResolveRemotely, d.User, c.resolver)
	default:
		return c.direct
	}
}

// fail classifies err. Once ctx has ended, the context error decides the
// kind: expiry is a Timeout and cancellation an IO error wrapping
// context.Canceled, whatever the interrupted stage reported.
func (c *Connector) fail(ctx context.Context, log logrus.FieldLogger, host string, err error) error {
	if ctx.Err() != nil && !connerr.IsKind(err, connerr.Timeout) {
		err = contextError(ctx, "connect", host, err)
	}
	err = connerr.Classify("connect", host, err)
	log.WithError(err).Debug("connect failed")
	return err
}
