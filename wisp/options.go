package wisp

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DNSMethod selects how the DNS resolver façade resolves uncached hostnames.
type DNSMethod string

const (
	// DNSMethodLookup uses system-level name resolution.
	DNSMethodLookup DNSMethod = "lookup"
	// DNSMethodResolve issues authoritative queries against DNSServers.
	DNSMethodResolve DNSMethod = "resolve"
)

// DNSResultOrder selects address-family preference when more than one family
// is available.
type DNSResultOrder string

const (
	// DNSOrderVerbatim tries AAAA before A, same as DNSOrderIPv6First.
	DNSOrderVerbatim DNSResultOrder = "verbatim"
	// DNSOrderIPv4First tries A before AAAA.
	DNSOrderIPv4First DNSResultOrder = "ipv4first"
	// DNSOrderIPv6First tries AAAA before A.
	DNSOrderIPv6First DNSResultOrder = "ipv6first"
)

// PortRange is an inclusive [Lo, Hi] port range; Lo == Hi describes a single port.
type PortRange struct {
	Lo, Hi uint16
}

// Contains reports whether port falls within the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Lo && port <= r.Hi
}

// CustomResolveFunc is an injected DNS resolution function, used when a
// process wants full control over how a hostname becomes an IP address.
type CustomResolveFunc func(hostname string) (net.IP, error)

// Options is the process-wide, read-only-during-service configuration record
// described in spec.md §6. A running connection always uses the Options
// snapshot that was current when it was accepted; Loader swaps the pointer
// for new connections only.
type Options struct {
	HostnameBlacklist []*regexp.Regexp
	HostnameWhitelist []*regexp.Regexp
	PortBlacklist     []PortRange
	PortWhitelist     []PortRange

	AllowDirectIP    bool
	AllowPrivateIPs  bool
	AllowLoopbackIPs bool

	StreamLimitPerHost int
	StreamLimitTotal   int

	AllowTCPStreams bool
	AllowUDPStreams bool

	DNSTTL         time.Duration
	DNSMethod      DNSMethod
	DNSServers     []string
	DNSResultOrder DNSResultOrder
	CustomResolve  CustomResolveFunc

	WispVersion int
	MOTD        string // "" means no MOTD extension is advertised

	// PingInterval, when nonzero, enables a periodic carrier keepalive ping.
	// See DESIGN.md's resolution of the ping_task open question.
	PingInterval time.Duration
}

// DefaultOptions returns the spec.md §6 defaults.
func DefaultOptions() *Options {
	return &Options{
		AllowDirectIP:      true,
		AllowPrivateIPs:    false,
		AllowLoopbackIPs:   false,
		StreamLimitPerHost: -1,
		StreamLimitTotal:   -1,
		AllowTCPStreams:    true,
		AllowUDPStreams:    true,
		DNSTTL:             120 * time.Second,
		DNSMethod:          DNSMethodLookup,
		DNSResultOrder:     DNSOrderVerbatim,
		WispVersion:        2,
	}
}

// optionsFile is the JSON-serializable shape of Options (spec.md §6/AMBIENT STACK).
type optionsFile struct {
	HostnameBlacklist  []string `json:"hostname_blacklist,omitempty"`
	HostnameWhitelist  []string `json:"hostname_whitelist,omitempty"`
	PortBlacklist      []string `json:"port_blacklist,omitempty"`
	PortWhitelist      []string `json:"port_whitelist,omitempty"`
	AllowDirectIP      *bool    `json:"allow_direct_ip,omitempty"`
	AllowPrivateIPs    *bool    `json:"allow_private_ips,omitempty"`
	AllowLoopbackIPs   *bool    `json:"allow_loopback_ips,omitempty"`
	StreamLimitPerHost *int     `json:"stream_limit_per_host,omitempty"`
	StreamLimitTotal   *int     `json:"stream_limit_total,omitempty"`
	AllowTCPStreams    *bool    `json:"allow_tcp_streams,omitempty"`
	AllowUDPStreams    *bool    `json:"allow_udp_streams,omitempty"`
	DNSTTLSeconds      *int     `json:"dns_ttl,omitempty"`
	DNSMethod          string   `json:"dns_method,omitempty"`
	DNSServers         []string `json:"dns_servers,omitempty"`
	DNSResultOrder     string   `json:"dns_result_order,omitempty"`
	WispVersion        *int     `json:"wisp_version,omitempty"`
	MOTD               string   `json:"wisp_motd,omitempty"`
	PingIntervalSecond *int     `json:"ping_interval_seconds,omitempty"`
}

// ParseOptionsJSON decodes a JSON config file into an Options snapshot, applying
// spec.md §6 defaults for any field left unset.
func ParseOptionsJSON(data []byte) (*Options, error) {
	var f optionsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing options: %w", err)
	}
	o := DefaultOptions()

	var err error
	if o.HostnameBlacklist, err = compileRegexps(f.HostnameBlacklist); err != nil {
		return nil, fmt.Errorf("hostname_blacklist: %w", err)
	}
	if o.HostnameWhitelist, err = compileRegexps(f.HostnameWhitelist); err != nil {
		return nil, fmt.Errorf("hostname_whitelist: %w", err)
	}
	if o.PortBlacklist, err = parsePortRanges(f.PortBlacklist); err != nil {
		return nil, fmt.Errorf("port_blacklist: %w", err)
	}
	if o.PortWhitelist, err = parsePortRanges(f.PortWhitelist); err != nil {
		return nil, fmt.Errorf("port_whitelist: %w", err)
	}
	if f.AllowDirectIP != nil {
		o.AllowDirectIP = *f.AllowDirectIP
	}
	if f.AllowPrivateIPs != nil {
		o.AllowPrivateIPs = *f.AllowPrivateIPs
	}
	if f.AllowLoopbackIPs != nil {
		o.AllowLoopbackIPs = *f.AllowLoopbackIPs
	}
	if f.StreamLimitPerHost != nil {
		o.StreamLimitPerHost = *f.StreamLimitPerHost
	}
	if f.StreamLimitTotal != nil {
		o.StreamLimitTotal = *f.StreamLimitTotal
	}
	if f.AllowTCPStreams != nil {
		o.AllowTCPStreams = *f.AllowTCPStreams
	}
	if f.AllowUDPStreams != nil {
		o.AllowUDPStreams = *f.AllowUDPStreams
	}
	if f.DNSTTLSeconds != nil {
		o.DNSTTL = time.Duration(*f.DNSTTLSeconds) * time.Second
	}
	if f.DNSMethod != "" {
		o.DNSMethod = DNSMethod(f.DNSMethod)
	}
	o.DNSServers = f.DNSServers
	if f.DNSResultOrder != "" {
		o.DNSResultOrder = DNSResultOrder(f.DNSResultOrder)
	}
	if f.WispVersion != nil {
		o.WispVersion = *f.WispVersion
	}
	o.MOTD = f.MOTD
	if f.PingIntervalSecond != nil {
		o.PingInterval = time.Duration(*f.PingIntervalSecond) * time.Second
	}
	return o, nil
}

func compileRegexps(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out[i] = re
	}
	return out, nil
}

func parsePortRanges(entries []string) ([]PortRange, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]PortRange, len(entries))
	for i, e := range entries {
		var lo, hi int
		n, err := fmt.Sscanf(e, "%d-%d", &lo, &hi)
		if err != nil || n != 2 {
			n, err = fmt.Sscanf(e, "%d", &lo)
			if err != nil || n != 1 {
				return nil, fmt.Errorf("invalid port entry %q", e)
			}
			hi = lo
		}
		out[i] = PortRange{Lo: uint16(lo), Hi: uint16(hi)}
	}
	return out, nil
}

// Loader holds the process-wide Options and optionally hot-reloads them from
// a config file via fsnotify. Current() always returns the latest fully-loaded
// snapshot; a connection that captured a snapshot at accept time keeps using
// it for its lifetime, per spec.md §5's "read-only during connection service".
type Loader struct {
	logger  Logger
	path    string
	current atomic.Value // *Options
	watcher *fsnotify.Watcher
}

// NewLoader creates a Loader with an initial Options snapshot and, if path is
// non-empty, begins watching it for changes.
func NewLoader(logger Logger, path string, initial *Options) (*Loader, error) {
	l := &Loader{logger: logger, path: path}
	l.current.Store(initial)
	if path != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("creating config watcher: %w", err)
		}
		if err := w.Add(path); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching %s: %w", path, err)
		}
		l.watcher = w
		go l.watchLoop()
	}
	return l, nil
}

// Current returns the most recently loaded Options snapshot.
func (l *Loader) Current() *Options {
	return l.current.Load().(*Options)
}

// Close stops watching the config file.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Loader) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.WLogf("options watcher error: %s", err)
		}
	}
}

func (l *Loader) reload() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.WLogf("options reload: reading %s failed, keeping previous snapshot: %s", l.path, err)
		return
	}
	o, err := ParseOptionsJSON(data)
	if err != nil {
		l.logger.WLogf("options reload: parsing %s failed, keeping previous snapshot: %s", l.path, err)
		return
	}
	l.current.Store(o)
	l.logger.ILogf("options reloaded from %s; effective for new connections only", l.path)
}
