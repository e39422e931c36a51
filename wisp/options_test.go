package wisp

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseOptionsJSONAppliesDefaultsForUnsetFields(t *testing.T) {
	o, err := ParseOptionsJSON([]byte(`{}`))
	if err != nil {
		t.Fatalf("ParseOptionsJSON: %v", err)
	}
	def := DefaultOptions()
	if o.AllowDirectIP != def.AllowDirectIP || o.DNSTTL != def.DNSTTL || o.WispVersion != def.WispVersion {
		t.Fatalf("expected unset fields to fall back to defaults, got %+v", o)
	}
}

func TestParseOptionsJSONOverridesFields(t *testing.T) {
	doc := `{
		"hostname_blacklist": ["^blocked\\.example\\.com$"],
		"port_whitelist": ["80", "8000-9000"],
		"allow_private_ips": true,
		"allow_udp_streams": false,
		"dns_ttl": 30,
		"wisp_version": 1,
		"wisp_motd": "hello"
	}`
	o, err := ParseOptionsJSON([]byte(doc))
	if err != nil {
		t.Fatalf("ParseOptionsJSON: %v", err)
	}
	if len(o.HostnameBlacklist) != 1 || !o.HostnameBlacklist[0].MatchString("blocked.example.com") {
		t.Fatalf("expected hostname_blacklist to compile and match, got %+v", o.HostnameBlacklist)
	}
	if len(o.PortWhitelist) != 2 || o.PortWhitelist[0] != (PortRange{Lo: 80, Hi: 80}) || o.PortWhitelist[1] != (PortRange{Lo: 8000, Hi: 9000}) {
		t.Fatalf("expected parsed port ranges, got %+v", o.PortWhitelist)
	}
	if !o.AllowPrivateIPs || o.AllowUDPStreams || o.DNSTTL != 30*time.Second || o.WispVersion != 1 || o.MOTD != "hello" {
		t.Fatalf("expected overridden fields to stick, got %+v", o)
	}
}

func TestParseOptionsJSONRejectsBadRegexp(t *testing.T) {
	if _, err := ParseOptionsJSON([]byte(`{"hostname_whitelist": ["("]}`)); err == nil {
		t.Fatalf("expected an error for an invalid regexp")
	}
}

func TestLoaderReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "options.json")
	if err := os.WriteFile(path, []byte(`{"wisp_motd": "first"}`), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	logger := NewLogger("test", LogLevelDebug)
	initial, err := ParseOptionsJSON([]byte(`{"wisp_motd": "first"}`))
	if err != nil {
		t.Fatalf("ParseOptionsJSON: %v", err)
	}
	loader, err := NewLoader(logger, path, initial)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer loader.Close()

	if loader.Current().MOTD != "first" {
		t.Fatalf("expected initial snapshot, got %+v", loader.Current())
	}

	if err := os.WriteFile(path, []byte(`{"wisp_motd": "second"}`), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if loader.Current().MOTD == "second" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected loader to pick up the file change, got MOTD=%q", loader.Current().MOTD)
}

func TestLoaderWithoutPathNeverReloads(t *testing.T) {
	logger := NewLogger("test", LogLevelDebug)
	initial := DefaultOptions()
	loader, err := NewLoader(logger, "", initial)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer loader.Close()
	if loader.Current() != initial {
		t.Fatalf("expected the static snapshot to be returned unchanged")
	}
}
