// Package config loads FlashKV configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, a
// YAML file, then FLASHKV_* environment variables. Command-line flags are
// applied by the binary on top of the result.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/flashkv/flashkv/internal/logger"
)

// EnvPrefix prefixes environment overrides. The first underscore after the
// prefix separates section and key: FLASHKV_SERVER_MAX_CLIENTS sets
// server.max_clients.
const EnvPrefix = "FLASHKV_"

// Config is the root configuration.
type Config struct {
	Server  ServerSection  `koanf:"server"`
	Store   StoreSection   `koanf:"store"`
	Log     LogSection     `koanf:"log"`
	Admin   AdminSection   `koanf:"admin"`
	HotKeys HotKeysSection `koanf:"hotkeys"`
	Events  EventsSection  `koanf:"events"`
}

// ServerSection configures the TCP server.
type ServerSection struct {
	Addr            string        `koanf:"addr"`
	MaxClients      int           `koanf:"max_clients"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RateLimit       float64       `koanf:"rate_limit"`
	ReadBufferSize  int           `koanf:"read_buffer_size"`
	MaxRequestBytes int           `koanf:"max_request_bytes"`
}

// StoreSection configures the key space.
type StoreSection struct {
	// SweepInterval is how often expired keys are sampled and removed.
	// 0 leaves expired keys to be removed when they are next read.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// LogSection configures logging.
type LogSection struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	AddSource bool   `koanf:"add_source"`
}

// AdminSection configures the admin HTTP API.
type AdminSection struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	Token   string `koanf:"token"`
}

// HotKeysSection configures hot key tracking.
type HotKeysSection struct {
	Enabled bool          `koanf:"enabled"`
	TopN    int           `koanf:"top_n"`
	Window  time.Duration `koanf:"window"`
}

// EventsSection configures the change event stream.
type EventsSection struct {
	Enabled  bool `koanf:"enabled"`
	Capacity int  `koanf:"capacity"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerSection{
			Addr:            "127.0.0.1:6380",
			MaxClients:      10000,
			IdleTimeout:     0,
			WriteTimeout:    10 * time.Second,
			RateLimit:       0,
			ReadBufferSize:  4096,
			MaxRequestBytes: 16 * 1024 * 1024,
		},
		Store: StoreSection{
			SweepInterval: 100 * time.Millisecond,
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
		Admin: AdminSection{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
		},
		HotKeys: HotKeysSection{
			Enabled: true,
			TopN:    100,
			Window:  time.Minute,
		},
		Events: EventsSection{
			Enabled:  true,
			Capacity: 10000,
		},
	}
}

// Load reads the configuration. An empty path skips the file; a path that
// does not exist is an error. The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps FLASHKV_SERVER_MAX_CLIENTS to server.max_clients.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr %q: %w", c.Server.Addr, err))
	}
	if c.Server.MaxClients < 0 {
		errs = append(errs, errors.New("server.max_clients must not be negative"))
	}
	if c.Server.IdleTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.ReadBufferSize < 64 {
		errs = append(errs, errors.New("server.read_buffer_size must be at least 64"))
	}
	if c.Server.MaxRequestBytes < c.Server.ReadBufferSize {
		errs = append(errs, errors.New("server.max_request_bytes must be at least server.read_buffer_size"))
	}

	if c.Store.SweepInterval < 0 {
		errs = append(errs, errors.New("store.sweep_interval must not be negative"))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			errs = append(errs, fmt.Errorf("admin.addr %q: %w", c.Admin.Addr, err))
		}
	}

	if c.HotKeys.Enabled && c.HotKeys.TopN <= 0 {
		errs = append(errs, errors.New("hotkeys.top_n must be positive"))
	}
	if c.HotKeys.Window < 0 {
		errs = append(errs, errors.New("hotkeys.window must not be negative"))
	}

	if c.Events.Enabled && c.Events.Capacity <= 0 {
		errs = append(errs, errors.New("events.capacity must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Sanitize returns a copy of the config that is safe to log.
func (c *Config) Sanitize() *Config {
	sanitized := *c
	if sanitized.Admin.Token != "" {
		sanitized.Admin.Token = maskSecret(sanitized.Admin.Token)
	}
	return &sanitized
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
