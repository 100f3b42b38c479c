// Package config loads the coordinator process's configuration from a
// TOML file with environment-variable overrides, grounded on the
// file+env+toml koanf provider composition used elsewhere in the
// retrieved pack.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the coordinator process's ambient configuration: where to
// dial the report bus, where TLS material for dialing backends lives,
// and the debug HTTP surface's bind address.
type Config struct {
	LogLevel string `koanf:"log.level"`

	NATSURL string `koanf:"reportbus.natsurl"`

	CertDir string `koanf:"security.certdir"`

	DebugListenAddr string        `koanf:"debug.listenaddr"`
	ReportPoll      time.Duration `koanf:"coordinator.reportpoll"`
}

// Default returns the configuration used when no file is supplied,
// matching a single-process local development setup.
func Default() Config {
	return Config{
		LogLevel:        "info",
		NATSURL:         "nats://127.0.0.1:4222",
		CertDir:         ".meridian/certs",
		DebugListenAddr: "127.0.0.1:8070",
		ReportPoll:      50 * time.Millisecond,
	}
}

// Load reads configPath (TOML) if non-empty, then applies any
// MERIDIAN_-prefixed environment variable as an override (e.g.
// MERIDIAN_REPORTBUS_NATSURL overrides reportbus.natsurl), and
// returns the merged Config.
func Load(configPath string) (Config, error) {
	cfg := Default()

	ko := koanf.New(".")
	if err := ko.Load(structProvider(cfg), nil); err != nil {
		return Config{}, fmt.Errorf("config: seed defaults: %w", err)
	}

	if configPath != "" {
		if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	if err := ko.Load(env.Provider("MERIDIAN_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MERIDIAN_")
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment overrides: %w", err)
	}

	var out Config
	if err := ko.Unmarshal("", &out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}

// structProvider seeds ko with cfg's values (Default()) so Unmarshal
// always has a complete set of keys even when configPath is empty.
func structProvider(cfg Config) koanf.Provider {
	return &staticProvider{values: map[string]any{
		"log.level":              cfg.LogLevel,
		"reportbus.natsurl":      cfg.NATSURL,
		"security.certdir":       cfg.CertDir,
		"debug.listenaddr":       cfg.DebugListenAddr,
		"coordinator.reportpoll": cfg.ReportPoll,
	}}
}

// staticProvider adapts an in-memory map to koanf.Provider, used only to
// seed defaults before the file/env layers load.
type staticProvider struct {
	values map[string]any
}

func (p *staticProvider) Read() (map[string]any, error) { return p.values, nil }

func (p *staticProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("config: staticProvider does not support ReadBytes")
}
