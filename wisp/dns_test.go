package wisp

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestResolverCustomResolveIsCached(t *testing.T) {
	opts := DefaultOptions()
	opts.DNSTTL = time.Minute
	calls := 0
	opts.CustomResolve = func(hostname string) (net.IP, error) {
		calls++
		return net.ParseIP("203.0.113.7"), nil
	}

	now := time.Unix(1000, 0)
	r := NewResolver(opts, NewDNSCache())
	r.clock = func() time.Time { return now }

	ip1, err := r.LookupIP(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupIP: %v", err)
	}
	ip2, err := r.LookupIP(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupIP: %v", err)
	}
	if !ip1.Equal(ip2) || calls != 1 {
		t.Fatalf("expected a single resolve call to be cached, got %d calls", calls)
	}
}

func TestResolverCacheExpiresAfterTTL(t *testing.T) {
	opts := DefaultOptions()
	opts.DNSTTL = time.Minute
	calls := 0
	opts.CustomResolve = func(hostname string) (net.IP, error) {
		calls++
		return net.ParseIP("203.0.113.7"), nil
	}

	now := time.Unix(1000, 0)
	r := NewResolver(opts, NewDNSCache())
	r.clock = func() time.Time { return now }

	if _, err := r.LookupIP(context.Background(), "example.com"); err != nil {
		t.Fatalf("LookupIP: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := r.LookupIP(context.Background(), "example.com"); err != nil {
		t.Fatalf("LookupIP: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected cache entry to expire and be re-resolved, got %d calls", calls)
	}
}

func TestResolverLiteralBypassesCache(t *testing.T) {
	opts := DefaultOptions()
	opts.CustomResolve = func(hostname string) (net.IP, error) {
		t.Fatalf("CustomResolve should not be called for a literal address")
		return nil, nil
	}
	r := NewResolver(opts, NewDNSCache())
	ip, err := r.LookupIP(context.Background(), "198.51.100.9")
	if err != nil {
		t.Fatalf("LookupIP: %v", err)
	}
	if ip.String() != "198.51.100.9" {
		t.Fatalf("expected literal passthrough, got %v", ip)
	}
}

func TestResolverCachesFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.DNSTTL = time.Minute
	calls := 0
	opts.CustomResolve = func(hostname string) (net.IP, error) {
		calls++
		return nil, errNotFound
	}
	r := NewResolver(opts, NewDNSCache())

	if _, err := r.LookupIP(context.Background(), "nope.example.com"); err == nil {
		t.Fatalf("expected lookup error")
	}
	if _, err := r.LookupIP(context.Background(), "nope.example.com"); err == nil {
		t.Fatalf("expected cached lookup error")
	}
	if calls != 1 {
		t.Fatalf("expected the failure to be cached, got %d calls", calls)
	}
}

var errNotFound = &net.DNSError{Err: "not found", Name: "nope.example.com"}
