package wisp

import (
	"context"
	"regexp"
	"testing"
)

type fakeAccounting struct {
	total    int
	perHost  map[string]int
}

func (a *fakeAccounting) StreamCount() int { return a.total }
func (a *fakeAccounting) StreamCountForHost(hostname string) int {
	return a.perHost[hostname]
}

func TestIsStreamAllowedKindGate(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowUDPStreams = false
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindUDP, "example.com", 80); r != CloseHostBlocked {
		t.Fatalf("expected CloseHostBlocked for disabled UDP, got %v", r)
	}
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "example.com", 80); r != CloseNone {
		t.Fatalf("expected allowed TCP stream, got %v", r)
	}
}

func TestIsStreamAllowedHostnameWhitelist(t *testing.T) {
	opts := DefaultOptions()
	opts.HostnameWhitelist = []*regexp.Regexp{regexp.MustCompile(`^good\.example\.com$`)}

	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "good.example.com", 80); r != CloseNone {
		t.Fatalf("expected whitelisted hostname to be allowed, got %v", r)
	}
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "evil.example.com", 80); r != CloseHostBlocked {
		t.Fatalf("expected non-whitelisted hostname to be blocked, got %v", r)
	}
}

func TestIsStreamAllowedHostnameBlacklist(t *testing.T) {
	opts := DefaultOptions()
	opts.HostnameBlacklist = []*regexp.Regexp{regexp.MustCompile(`\.internal$`)}

	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "db.internal", 80); r != CloseHostBlocked {
		t.Fatalf("expected blacklisted hostname to be blocked, got %v", r)
	}
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "example.com", 80); r != CloseNone {
		t.Fatalf("expected non-blacklisted hostname to be allowed, got %v", r)
	}
}

func TestIsStreamAllowedPortRanges(t *testing.T) {
	opts := DefaultOptions()
	opts.PortWhitelist = []PortRange{{Lo: 80, Hi: 80}, {Lo: 8000, Hi: 9000}}

	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "example.com", 80); r != CloseNone {
		t.Fatalf("expected port 80 allowed, got %v", r)
	}
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "example.com", 8500); r != CloseNone {
		t.Fatalf("expected port 8500 allowed, got %v", r)
	}
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "example.com", 22); r != CloseHostBlocked {
		t.Fatalf("expected port 22 blocked, got %v", r)
	}
}

func TestIsStreamAllowedDirectIP(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowDirectIP = false
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "93.184.216.34", 80); r != CloseHostBlocked {
		t.Fatalf("expected direct IP to be blocked, got %v", r)
	}
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "example.com", 80); r != CloseNone {
		t.Fatalf("expected hostname CONNECT to still be allowed, got %v", r)
	}
}

func TestIsStreamAllowedLoopbackAndPrivate(t *testing.T) {
	opts := DefaultOptions()
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "127.0.0.1", 80); r != CloseHostBlocked {
		t.Fatalf("expected loopback IP to be blocked by default, got %v", r)
	}
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "10.0.0.5", 80); r != CloseHostBlocked {
		t.Fatalf("expected private IP to be blocked by default, got %v", r)
	}

	opts.AllowLoopbackIPs = true
	opts.AllowPrivateIPs = true
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "127.0.0.1", 80); r != CloseNone {
		t.Fatalf("expected loopback IP to be allowed once enabled, got %v", r)
	}
	if r := IsStreamAllowed(context.Background(), opts, nil, nil, StreamKindTCP, "10.0.0.5", 80); r != CloseNone {
		t.Fatalf("expected private IP to be allowed once enabled, got %v", r)
	}
}

func TestIsStreamAllowedQuotas(t *testing.T) {
	opts := DefaultOptions()
	opts.StreamLimitTotal = 2
	opts.StreamLimitPerHost = 1

	acct := &fakeAccounting{total: 2, perHost: map[string]int{"example.com": 0}}
	if r := IsStreamAllowed(context.Background(), opts, nil, acct, StreamKindTCP, "example.com", 80); r != CloseConnThrottled {
		t.Fatalf("expected total quota to block, got %v", r)
	}

	acct = &fakeAccounting{total: 0, perHost: map[string]int{"example.com": 1}}
	if r := IsStreamAllowed(context.Background(), opts, nil, acct, StreamKindTCP, "example.com", 80); r != CloseConnThrottled {
		t.Fatalf("expected per-host quota to block, got %v", r)
	}

	acct = &fakeAccounting{total: 0, perHost: map[string]int{"example.com": 0}}
	if r := IsStreamAllowed(context.Background(), opts, nil, acct, StreamKindTCP, "example.com", 80); r != CloseNone {
		t.Fatalf("expected stream under quota to be allowed, got %v", r)
	}
}
