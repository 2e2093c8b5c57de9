package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/die-net/tunnelstream/internal/dialer"
	"github.com/die-net/tunnelstream/internal/proxy"
	"github.com/die-net/tunnelstream/internal/sockopt"
	"github.com/die-net/tunnelstream/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		useTLS   = pflag.Bool("tls", false, "Wrap the connection in TLS, verifying the destination host")
		useHTTP2 = pflag.Bool("http2", false, "Offer h2 ahead of http/1.1 during TLS ALPN")
		caFile   = pflag.String("ca-file", "", "PEM file of trusted root certificates. Empty uses the system roots.")

		proxyURL = pflag.String("proxy", "", "Proxy for every destination, overriding ALL_PROXY, HTTP_PROXY and HTTPS_PROXY: http://[user:pass@]host:port | socks5://[user:pass@]host:port | socks5h://[user:pass@]host:port")
		noProxy  = pflag.String("no-proxy", "", "Comma-separated hosts to reach directly, overriding NO_PROXY. '*' bypasses every proxy.")

		timeout      = pflag.Duration("timeout", 30*time.Second, "Timeout for the whole connect, including proxy and TLS negotiation. 0 disables.")
		dialTimeout  = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for each outbound DNS lookup and TCP connect")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		bindDevice   = pflag.String("bind-device", "", "Network interface to bind outbound sockets to. Empty disables.")
		dnsCacheTTL  = pflag.Duration("dns-cache-ttl", time.Minute, "How long names resolved locally for socks5:// proxies are cached. 0 disables.")
		logLevel     = pflag.String("log-level", "info", "Log level: panic|fatal|error|warn|info|debug|trace")
	)

	if !sockopt.IsSupported {
		_ = pflag.CommandLine.MarkHidden("bind-device")
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] host:port | http[s]://host[:port]\n\nRelays stdin and stdout over a connection made through the configured proxy.\n\nFlags:\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		return errors.New("expected exactly one destination")
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	proxies := proxy.FromEnvironment()
	if *proxyURL != "" {
		proxies.AllProxy = *proxyURL
	}
	if pflag.CommandLine.Changed("no-proxy") {
		proxies.NoProxy = *noProxy
	}

	var roots *x509.CertPool
	if *caFile != "" {
		roots, err = loadRoots(*caFile)
		if err != nil {
			return fmt.Errorf("invalid --ca-file: %w", err)
		}
	}

	c, err := dialer.New(dialer.Config{
		Proxy:       &proxies,
		Timeout:     *timeout,
		DialTimeout: *dialTimeout,
		KeepAlive:   ka,
		BindDevice:  *bindDevice,
		DNSCacheTTL: *dnsCacheTTL,
		HTTP2:       *useHTTP2,
		RootCAs:     roots,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connectTarget(ctx, c, pflag.Arg(0), *useTLS)
	if err != nil {
		return err
	}
	defer s.Close()

	logger.WithFields(logrus.Fields{
		"remote": s.RemoteAddr().String(),
		"tls":    s.IsTLS(),
		"alpn":   s.NegotiatedProtocol(),
	}).Infof("connected to %s, speaking %s", pflag.Arg(0), s.Proto())

	return relay(ctx, s, os.Stdin, os.Stdout)
}

// connectTarget accepts either host:port, using useTLS, or an http or https
// URL whose scheme decides TLS.
func connectTarget(ctx context.Context, c *dialer.Connector, target string, useTLS bool) (*stream.Stream, error) {
	if strings.Contains(target, "://") {
		return c.ConnectURL(ctx, target)
	}

	host, p, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", target, err)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("invalid destination port %q", p)
	}
	return c.Connect(ctx, host, uint16(port), useTLS)
}

// relay copies in to s and s to out. It returns once the peer has finished
// sending, after half-closing s when in reaches EOF first.
func relay(ctx context.Context, s *stream.Stream, in io.Reader, out io.Writer) error {
	// Close s on cancellation to unblock Copy.
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- send(s, in)
	}()

	if _, err := io.Copy(out, s); err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}

	// The peer is done. A send still blocked on in is abandoned.
	select {
	case err := <-sendErr:
		return err
	default:
		return nil
	}
}

func send(s *stream.Stream, in io.Reader) error {
	if _, err := io.Copy(s, in); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := s.Flush(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := s.CloseWrite(); err != nil && !errors.Is(err, errors.ErrUnsupported) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close write: %w", err)
	}
	return nil
}

func loadRoots(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
