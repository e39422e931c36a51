package wisp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// cacheEntry is a single DNS cache row: either a resolved address or a
// remembered failure, stamped with its insertion time for TTL eviction.
type cacheEntry struct {
	addr       net.IP
	err        error
	insertedAt time.Time
}

// DNSCache is the process-wide hostname->address cache described in spec.md
// §4.3/§5. It is shared across all connections and guarded by a mutex since
// connections may be serviced on different goroutines concurrently.
type DNSCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewDNSCache creates an empty DNS cache.
func NewDNSCache() *DNSCache {
	return &DNSCache{entries: make(map[string]cacheEntry)}
}

// evictExpired removes every entry older than ttl as of now, in one bulk pass,
// matching spec.md §4.3's "evict all cache entries" call-time sweep.
func (c *DNSCache) evictExpired(ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, e := range c.entries {
		if now.Sub(e.insertedAt) > ttl {
			delete(c.entries, host)
		}
	}
}

func (c *DNSCache) get(hostname string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hostname]
	return e, ok
}

func (c *DNSCache) put(hostname string, addr net.IP, err error, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hostname] = cacheEntry{addr: addr, err: err, insertedAt: now}
}

// Clock returns the current time; it is overridable in tests so TTL eviction
// (I6) can be verified without sleeping.
type Clock func() time.Time

// Resolver is the DNS resolver façade of spec.md §4.3: a small cache in front
// of system lookup, authoritative queries, or an injected function.
type Resolver struct {
	opts  *Options
	cache *DNSCache
	clock Clock
}

// NewResolver creates a Resolver bound to a single Options snapshot (so its
// behavior is fixed for the lifetime of the connection that owns it) and a
// shared, process-wide DNSCache.
func NewResolver(opts *Options, cache *DNSCache) *Resolver {
	return &Resolver{opts: opts, cache: cache, clock: time.Now}
}

// LookupIP resolves hostname to an address per spec.md §4.3: literal
// addresses pass through unchanged, cache hits (success or failure) are
// replayed, and misses resolve per opts.DNSMethod before being cached.
func (r *Resolver) LookupIP(ctx context.Context, hostname string) (net.IP, error) {
	if literal := net.ParseIP(hostname); literal != nil {
		return literal, nil
	}

	now := r.clock()
	r.cache.evictExpired(r.opts.DNSTTL, now)

	if entry, ok := r.cache.get(hostname); ok {
		return entry.addr, entry.err
	}

	var addr net.IP
	var err error
	switch {
	case r.opts.CustomResolve != nil:
		addr, err = r.opts.CustomResolve(hostname)
	case r.opts.DNSMethod == DNSMethodResolve:
		addr, err = r.resolveAuthoritative(ctx, hostname)
	default:
		addr, err = r.systemLookup(ctx, hostname)
	}

	r.cache.put(hostname, addr, err, now)
	return addr, err
}

func (r *Resolver) familyOrder() []string {
	if r.opts.DNSResultOrder == DNSOrderIPv4First {
		return []string{"ip4", "ip6"}
	}
	return []string{"ip6", "ip4"}
}

// systemLookup performs system-level name resolution and returns the address
// from the preferred family, falling back to the other family if needed.
func (r *Resolver) systemLookup(ctx context.Context, hostname string) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, err
	}
	var v4, v6 net.IP
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			if v4 == nil {
				v4 = ip4
			}
		} else if v6 == nil {
			v6 = a.IP
		}
	}
	for _, family := range r.familyOrder() {
		if family == "ip4" && v4 != nil {
			return v4, nil
		}
		if family == "ip6" && v6 != nil {
			return v6, nil
		}
	}
	return nil, NewEngineErrorf(ErrKindNetwork, "no addresses found for %s", hostname)
}

// resolveAuthoritative issues direct queries against opts.DNSServers, trying
// each configured server in turn with a jpillora/backoff delay between
// attempts, and the preferred address family first per spec.md §4.3.
func (r *Resolver) resolveAuthoritative(ctx context.Context, hostname string) (net.IP, error) {
	if len(r.opts.DNSServers) == 0 {
		return nil, NewEngineErrorf(ErrKindNetwork, "resolve: no dns_servers configured")
	}
	order := r.familyOrder()
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

	var lastErr error
	for i, server := range r.opts.DNSServers {
		res := &net.Resolver{PreferGo: true, Dial: dialDNSServer(server)}
		for _, network := range order {
			addrs, err := res.LookupIP(ctx, network, hostname)
			if err == nil && len(addrs) > 0 {
				return addrs[0], nil
			}
			if err != nil {
				lastErr = err
			}
		}
		if i < len(r.opts.DNSServers)-1 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if lastErr == nil {
		lastErr = NewEngineErrorf(ErrKindNetwork, "resolve: no address found for %s", hostname)
	}
	return nil, lastErr
}

func dialDNSServer(server string) func(ctx context.Context, network, address string) (net.Conn, error) {
	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, "53")
	}
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
}
