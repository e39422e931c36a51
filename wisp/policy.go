package wisp

import (
	"context"
	"net"
)

// StreamAccounting is the quota-relevant view of a connection's existing
// streams that IsStreamAllowed needs for the final policy check (spec.md
// §4.2 step 6). A nil StreamAccounting skips the quota check entirely, which
// is how the policy tests exercise the earlier gates without a live
// connection.
type StreamAccounting interface {
	// StreamCount returns the number of currently open streams on the connection.
	StreamCount() int
	// StreamCountForHost returns the number of currently open streams whose
	// CONNECT hostname equals hostname exactly.
	StreamCountForHost(hostname string) int
}

var cgnatBlock = mustParseCIDR("100.64.0.0/10")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// classifyIP reports whether ip is loopback/unspecified, or broadcast/
// link-local/carrier-grade-NAT/private/reserved, per spec.md §4.2 step 5.
func classifyIP(ip net.IP) (isLoopbackOrUnspecified, isPrivateOrReserved bool) {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true, false
	}
	if ip4 := ip.To4(); ip4 != nil && ip4.Equal(net.IPv4bcast) {
		return false, true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false, true
	}
	if ip.IsPrivate() {
		return false, true
	}
	if cgnatBlock.Contains(ip) {
		return false, true
	}
	for _, cidr := range []string{
		"192.0.0.0/24", "192.0.2.0/24", "192.88.99.0/24", "198.18.0.0/15",
		"198.51.100.0/24", "203.0.113.0/24", "240.0.0.0/4", "2001:db8::/32",
	} {
		if mustParseCIDR(cidr).Contains(ip) {
			return false, true
		}
	}
	return false, false
}

func hostnameAllowed(opts *Options, hostname string) bool {
	if len(opts.HostnameWhitelist) > 0 {
		for _, re := range opts.HostnameWhitelist {
			if re.MatchString(hostname) {
				return true
			}
		}
		return false
	}
	if len(opts.HostnameBlacklist) > 0 {
		for _, re := range opts.HostnameBlacklist {
			if re.MatchString(hostname) {
				return false
			}
		}
	}
	return true
}

func portAllowed(opts *Options, port uint16) bool {
	if len(opts.PortWhitelist) > 0 {
		for _, r := range opts.PortWhitelist {
			if r.Contains(port) {
				return true
			}
		}
		return false
	}
	if len(opts.PortBlacklist) > 0 {
		for _, r := range opts.PortBlacklist {
			if r.Contains(port) {
				return false
			}
		}
	}
	return true
}

// IsStreamAllowed evaluates the destination policy for a requested stream, per
// spec.md §4.2. It returns CloseNone when the stream is allowed, or the close
// reason to use when denying it. resolver may be nil, in which case an
// unresolvable literal IP is treated as already resolved and a non-literal
// hostname skips the resolved-IP gate (step 5) entirely.
func IsStreamAllowed(
	ctx context.Context,
	opts *Options,
	resolver *Resolver,
	accounting StreamAccounting,
	kind StreamKind,
	hostname string,
	port uint16,
) CloseReason {
	// 1. Kind gate.
	if kind == StreamKindTCP && !opts.AllowTCPStreams {
		return CloseHostBlocked
	}
	if kind == StreamKindUDP && !opts.AllowUDPStreams {
		return CloseHostBlocked
	}

	// 2. Hostname list.
	if !hostnameAllowed(opts, hostname) {
		return CloseHostBlocked
	}

	// 3. Port list.
	if !portAllowed(opts, port) {
		return CloseHostBlocked
	}

	// 4. Direct-IP gate.
	literal := net.ParseIP(hostname)
	if literal != nil && !opts.AllowDirectIP {
		return CloseHostBlocked
	}

	// 5. Resolved-IP gate.
	addr := literal
	if addr == nil && resolver != nil {
		if resolved, err := resolver.LookupIP(ctx, hostname); err == nil {
			addr = resolved
		}
	}
	if addr != nil {
		isLoopbackOrUnspec, isPrivateOrReserved := classifyIP(addr)
		if isLoopbackOrUnspec && !opts.AllowLoopbackIPs {
			return CloseHostBlocked
		}
		if isPrivateOrReserved && !opts.AllowPrivateIPs {
			return CloseHostBlocked
		}
	}

	// 6. Quotas.
	if accounting != nil {
		if opts.StreamLimitTotal >= 0 && accounting.StreamCount() >= opts.StreamLimitTotal {
			return CloseConnThrottled
		}
		if opts.StreamLimitPerHost >= 0 && accounting.StreamCountForHost(hostname) >= opts.StreamLimitPerHost {
			return CloseConnThrottled
		}
	}

	return CloseNone
}
