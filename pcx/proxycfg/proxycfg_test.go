package proxycfg

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ap
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return p
}

func TestLoadStrict(t *testing.T) {
	p := writeTemp(t, `
mode = "Strict"
chain_len = 1

[[proxies]]
socket_addr = "127.0.0.1:1080"
auth = ["alice", "secret"]

[[proxies]]
socket_addr = "127.0.0.1:1081"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeStrict {
		t.Fatalf("mode = %s", cfg.Mode)
	}
	if len(cfg.Proxies) != 2 {
		t.Fatalf("proxies = %d", len(cfg.Proxies))
	}
	if cfg.Proxies[0].Auth == nil || cfg.Proxies[0].Auth.Username != "alice" {
		t.Fatalf("auth not parsed: %+v", cfg.Proxies[0].Auth)
	}
	if cfg.Proxies[1].Auth != nil {
		t.Fatalf("expected no-auth for second proxy")
	}
	if cfg.Control.Enabled {
		t.Fatalf("control should default disabled when table is absent")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Stage != "read" {
		t.Fatalf("expected read-stage ConfigError, got %v", err)
	}
}

func TestLoadEmptyProxies(t *testing.T) {
	p := writeTemp(t, `mode = "Strict"`)
	_, err := Load(p)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Stage != "validate" {
		t.Fatalf("expected validate-stage ConfigError, got %v", err)
	}
}

func TestLoadRandomBadChainLen(t *testing.T) {
	p := writeTemp(t, `
mode = "Random"
chain_len = 5

[[proxies]]
socket_addr = "127.0.0.1:1080"
`)
	_, err := Load(p)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Stage != "validate" {
		t.Fatalf("expected validate-stage ConfigError for out-of-range chain_len, got %v", err)
	}
}

func TestLoadControlTable(t *testing.T) {
	p := writeTemp(t, `
mode = "Strict"

[[proxies]]
socket_addr = "127.0.0.1:1080"

[control]
enabled = true
listen_addr = "127.0.0.1:9821"
admin_password_hash = "abc"
jwt_secret = "shh"

[control.influx]
url = "http://localhost:8086"
token = "tok"
org = "org"
bucket = "bucket"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Control.Enabled || cfg.Control.ListenAddr != "127.0.0.1:9821" {
		t.Fatalf("control table not parsed: %+v", cfg.Control)
	}
	if !cfg.Control.Influx.Enabled() {
		t.Fatalf("influx config should be enabled: %+v", cfg.Control.Influx)
	}
}

func TestLoadLimiterTable(t *testing.T) {
	p := writeTemp(t, `
mode = "Strict"

[[proxies]]
socket_addr = "127.0.0.1:1080"

[limiter]
global_bps = 1048576
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limiter.GlobalBps != 1048576 {
		t.Fatalf("limiter.global_bps = %d, want 1048576", cfg.Limiter.GlobalBps)
	}
}

func TestLoadLimiterDefaultsDisabled(t *testing.T) {
	p := writeTemp(t, `
mode = "Strict"

[[proxies]]
socket_addr = "127.0.0.1:1080"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limiter.GlobalBps != 0 {
		t.Fatalf("expected limiter disabled by default, got GlobalBps=%d", cfg.Limiter.GlobalBps)
	}
}

func TestSameEndpointIgnoresAuth(t *testing.T) {
	p := Proxy{Addr: mustAddrPort(t, "127.0.0.1:1080"), Auth: &Auth{Username: "a", Password: "b"}}
	if !p.SameEndpoint(mustAddrPort(t, "127.0.0.1:1080")) {
		t.Fatal("expected endpoint match regardless of auth")
	}
	if p.SameEndpoint(mustAddrPort(t, "127.0.0.1:1081")) {
		t.Fatal("expected no match for a different port")
	}
}
