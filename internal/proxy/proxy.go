package proxy

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/die-net/tunnelstream/internal/connerr"
)

// Kind identifies which path a connection takes.
type Kind int

const (
	// None means connect directly.
	None Kind = iota
	// HTTP means tunnel through an HTTP proxy using CONNECT.
	HTTP
	// SOCKS5 means tunnel through a SOCKS5 proxy.
	SOCKS5
)

func (k Kind) String() string {
	switch k {
	case None:
		return "direct"
	case HTTP:
		return "http"
	case SOCKS5:
		return "socks5"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Decision is the proxy choice for a single destination.
type Decision struct {
	Kind Kind
	Host string
	Port uint16
	// ResolveRemotely is set for socks5h:// proxies, which receive the
	// destination name instead of a locally resolved address.
	ResolveRemotely bool
	// User holds credentials from the proxy URL, if any.
	User *url.Userinfo
}

// Addr returns the proxy host:port, or "" for a direct decision.
func (d Decision) Addr() string {
	if d.Kind == None {
		return ""
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

func (d Decision) String() string {
	switch d.Kind {
	case None:
		return "direct"
	case SOCKS5:
		if d.ResolveRemotely {
			return "socks5h://" + d.Addr()
		}
		return "socks5://" + d.Addr()
	default:
		return d.Kind.String() + "://" + d.Addr()
	}
}

// Config holds the proxy settings Select decides from. The zero value
// connects everything directly.
type Config struct {
	AllProxy   string
	HTTPProxy  string
	HTTPSProxy string
	// NoProxy is a comma-separated list of host names that bypass the proxy.
	// A "*" entry matches every host.
	NoProxy string
}

// FromEnvironment reads Config from ALL_PROXY, HTTPS_PROXY, HTTP_PROXY and
// NO_PROXY. For each, the upper-case name is checked before the lower-case
// one and the first non-empty value wins.
func FromEnvironment() Config {
	return Config{
		AllProxy:   getEnvAny("ALL_PROXY", "all_proxy"),
		HTTPProxy:  getEnvAny("HTTP_PROXY", "http_proxy"),
		HTTPSProxy: getEnvAny("HTTPS_PROXY", "https_proxy"),
		NoProxy:    getEnvAny("NO_PROXY", "no_proxy"),
	}
}

var (
	envOnce   sync.Once
	envConfig Config
)

// Environment returns the process-wide Config, read from the environment on
// first use and never re-read.
func Environment() Config {
	envOnce.Do(func() {
		envConfig = FromEnvironment()
	})
	return envConfig
}

func getEnvAny(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// Select decides how to reach host. tls selects HTTPS_PROXY over HTTP_PROXY
// when ALL_PROXY is unset.
//
// A malformed or unsupported proxy URL is an error; it never falls back to
// a direct connection.
func (c Config) Select(host string, tls bool) (Decision, error) {
	raw := c.AllProxy
	if raw == "" {
		if tls {
			raw = c.HTTPSProxy
		} else {
			raw = c.HTTPProxy
		}
	}

	if raw == "" || c.Bypass(host) {
		return Decision{Kind: None}, nil
	}

	return Parse(raw)
}

// Bypass reports whether host is listed in NoProxy. Entries are trimmed and
// compared exactly; "*" matches everything.
func (c Config) Bypass(host string) bool {
	if c.NoProxy == "" {
		return false
	}
	for _, h := range strings.Split(c.NoProxy, ",") {
		h = strings.TrimSpace(h)
		if h == "*" || h == host {
			return true
		}
	}
	return false
}

// Parse turns a proxy URL into a Decision.
//
// Supported schemes:
//   - http://[user:pass@]host[:port]
//   - socks5://host[:port]
//   - socks5h://host[:port]
//
// A missing port is defaulted by scheme.
func Parse(raw string) (Decision, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Decision{}, connerr.Wrap(connerr.InvalidConfiguration, "proxy", "", fmt.Errorf("invalid url: %w", err))
	}

	scheme := strings.ToLower(u.Scheme)

	host := u.Hostname()
	if host == "" {
		return Decision{}, connerr.New(connerr.InvalidConfiguration, "proxy", "", fmt.Sprintf("missing proxy host in %q", u.Redacted()))
	}

	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return Decision{}, connerr.New(connerr.InvalidConfiguration, "proxy", host, fmt.Sprintf("invalid proxy port %q", p))
		}
		port = uint16(n)
	} else {
		port = defaultPortForScheme(scheme)
		if port == 0 {
			return Decision{}, connerr.New(connerr.InvalidConfiguration, "proxy", host, "missing proxy port")
		}
	}

	switch scheme {
	case "http":
		return Decision{Kind: HTTP, Host: host, Port: port, User: u.User}, nil
	case "socks5", "socks5h":
		return Decision{Kind: SOCKS5, Host: host, Port: port, ResolveRemotely: scheme == "socks5h", User: u.User}, nil
	default:
		return Decision{}, connerr.New(connerr.InvalidConfiguration, "proxy", host, fmt.Sprintf("unsupported proxy scheme %q", scheme))
	}
}

func defaultPortForScheme(scheme string) uint16 {
	switch scheme {
	case "https":
		return 443
	case "http":
		return 80
	case "socks5", "socks5h":
		return 1080
	default:
		return 0
	}
}
