// Package proxycfg loads the TOML config describing the proxy chain and
// the sibling control-plane settings. Loading happens once, at process
// start; nothing in this package watches the file for changes (that lives
// in pcx/app's hot-reload loop, which calls Load again on a timer).
package proxycfg

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type Mode string

const (
	ModeStrict  Mode = "Strict"
	ModeRandom  Mode = "Random"
	ModeDynamic Mode = "Dynamic"
)

type Auth struct {
	Username string
	Password string
}

// Proxy is one configured SOCKS5 hop.
type Proxy struct {
	Addr netip.AddrPort
	Auth *Auth // nil means no-auth
}

// SameEndpoint compares by address only, per the "is this address a
// configured proxy" check in pcx/shim — auth never enters into identity.
func (p Proxy) SameEndpoint(a netip.AddrPort) bool {
	return p.Addr == a
}

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func (c InfluxConfig) Enabled() bool { return c.URL != "" && c.Bucket != "" }

// ControlConfig configures the optional admin/introspection HTTP surface.
// An absent [control] table never fails Load and leaves Enabled false. The
// table is decoded together with the rest of the file, so a value of the
// wrong type inside it fails Load at the "parse" stage.
type ControlConfig struct {
	Enabled           bool
	ListenAddr        string
	AdminPasswordHash string
	JWTSecret         string
	Influx            InfluxConfig
}

// LimiterConfig caps the chain dialer's throughput. GlobalBps <= 0 means
// unlimited (the zero value), matching limiter.New's own "<=0 disables"
// convention so a config with no [limiter] table stays a no-op.
type LimiterConfig struct {
	GlobalBps int64
}

type Config struct {
	Mode     Mode
	ChainLen int
	Proxies  []Proxy
	Control  ControlConfig
	Limiter  LimiterConfig
}

// ConfigError wraps a load/parse/validate failure with the stage it
// happened at, so callers (and logs) can tell a missing file apart from a
// malformed one apart from a semantically invalid one.
type ConfigError struct {
	Stage  string // "read", "parse", "validate"
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxycfg: %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("proxycfg: %s: %s", e.Stage, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type rawProxy struct {
	SocketAddr string   `toml:"socket_addr"`
	Auth       []string `toml:"auth"`
}

type rawInflux struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	Org    string `toml:"org"`
	Bucket string `toml:"bucket"`
}

type rawControl struct {
	Enabled           bool      `toml:"enabled"`
	ListenAddr        string    `toml:"listen_addr"`
	AdminPasswordHash string    `toml:"admin_password_hash"`
	JWTSecret         string    `toml:"jwt_secret"`
	Influx            rawInflux `toml:"influx"`
}

type rawLimiter struct {
	GlobalBps int64 `toml:"global_bps"`
}

type rawConfig struct {
	Mode     string     `toml:"mode"`
	ChainLen int        `toml:"chain_len"`
	Proxies  []rawProxy `toml:"proxies"`
	Control  rawControl `toml:"control"`
	Limiter  rawLimiter `toml:"limiter"`
}

// Load reads and validates the TOML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Stage: "read", Err: err}
	}

	var raw rawConfig
	if err := toml.Unmarshal(b, &raw); err != nil {
		return nil, &ConfigError{Stage: "parse", Err: err}
	}

	cfg := &Config{
		Mode:     Mode(raw.Mode),
		ChainLen: raw.ChainLen,
		Limiter:  LimiterConfig{GlobalBps: raw.Limiter.GlobalBps},
		Control: ControlConfig{
			Enabled:           raw.Control.Enabled,
			ListenAddr:        raw.Control.ListenAddr,
			AdminPasswordHash: raw.Control.AdminPasswordHash,
			JWTSecret:         raw.Control.JWTSecret,
			Influx: InfluxConfig{
				URL:    raw.Control.Influx.URL,
				Token:  raw.Control.Influx.Token,
				Org:    raw.Control.Influx.Org,
				Bucket: raw.Control.Influx.Bucket,
			},
		},
	}

	for i, rp := range raw.Proxies {
		ap, err := netip.ParseAddrPort(rp.SocketAddr)
		if err != nil {
			return nil, &ConfigError{Stage: "parse", Err: fmt.Errorf("proxies[%d].socket_addr: %w", i, err)}
		}
		p := Proxy{Addr: ap}
		if len(rp.Auth) == 2 {
			p.Auth = &Auth{Username: rp.Auth[0], Password: rp.Auth[1]}
		} else if len(rp.Auth) != 0 {
			return nil, &ConfigError{Stage: "parse", Reason: fmt.Sprintf("proxies[%d].auth must have exactly 2 elements", i)}
		}
		cfg.Proxies = append(cfg.Proxies, p)
	}

	switch cfg.Mode {
	case ModeStrict, ModeRandom, ModeDynamic:
	default:
		return nil, &ConfigError{Stage: "validate", Reason: fmt.Sprintf("unknown mode %q", raw.Mode)}
	}

	if len(cfg.Proxies) == 0 {
		return nil, &ConfigError{Stage: "validate", Reason: "no proxies configured"}
	}

	if cfg.Mode == ModeRandom && (cfg.ChainLen < 1 || cfg.ChainLen > len(cfg.Proxies)) {
		return nil, &ConfigError{Stage: "validate", Reason: fmt.Sprintf("chain_len %d out of range [1, %d]", cfg.ChainLen, len(cfg.Proxies))}
	}

	return cfg, nil
}
