package dialer

import (
	"crypto/x509"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/tunnelstream/internal/proxy"
)

// Config controls how connections are established.
type Config struct {
	// Proxy decides per destination whether and how to tunnel. Nil means
	// the process environment, read once.
	Proxy *proxy.Config

	// Timeout bounds a whole connect, from proxy dial through TLS
	// handshake. Zero means no limit beyond the caller's context.
	Timeout time.Duration
	// DialTimeout bounds each DNS lookup and TCP connect.
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig
	// BindDevice, when set, binds outbound sockets to a network interface.
	BindDevice string

	// Resolver is used for all lookups. Nil means net.DefaultResolver.
	Resolver *net.Resolver
	// DNSCacheTTL caches names resolved locally for socks5:// proxies.
	DNSCacheTTL time.Duration

	// HTTP2 advertises h2 ahead of http/1.1 on TLS streams.
	HTTP2 bool
	// RootCAs replaces the system roots when verifying TLS peers.
	RootCAs *x509.CertPool

	// Logger receives connection diagnostics. Nil means the logrus
	// standard logger.
	Logger logrus.FieldLogger
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}
