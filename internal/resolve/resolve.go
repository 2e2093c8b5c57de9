// Package resolve looks up destination addresses for proxies that expect
// the client to do its own DNS (socks5:// as opposed to socks5h://).
package resolve

import (
	"context"
	"net"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/die-net/tunnelstream/internal/connerr"
)

// Resolver wraps the system resolver with an optional positive-result cache.
type Resolver struct {
	r     *net.Resolver
	cache *cache.Cache
}

// New returns a Resolver using r, or net.DefaultResolver if r is nil.
// Successful lookups are cached for ttl; a zero ttl disables caching.
func New(r *net.Resolver, ttl time.Duration) *Resolver {
	if r == nil {
		r = net.DefaultResolver
	}
	res := &Resolver{r: r}
	if ttl > 0 {
		res.cache = cache.New(ttl, 2*ttl)
	}
	return res
}

// LookupIP returns the first address the resolver reports for host. IP
// literals are returned without a lookup.
func (r *Resolver) LookupIP(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(host); ok {
			return v.(net.IP), nil
		}
	}

	addrs, err := r.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, connerr.Wrap(connerr.DNSFailure, "resolve", host, err)
	}
	if len(addrs) == 0 {
		return nil, connerr.New(connerr.DNSFailure, "resolve", host, "could not resolve the host")
	}

	ip := addrs[0].IP
	if r.cache != nil {
		r.cache.SetDefault(host, ip)
	}
	return ip, nil
}

// Flush drops all cached results.
func (r *Resolver) Flush() {
	if r.cache != nil {
		r.cache.Flush()
	}
}
