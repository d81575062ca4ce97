// Package config loads and validates the connsysd daemon configuration
// using koanf/v2.
//
// Supports YAML files, environment variables, and a set of built-in
// defaults, layered in that order (defaults, then file, then env).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete connsysd configuration.
type Config struct {
	Listen    ListenConfig    `koanf:"listen"`
	Control   ControlConfig   `koanf:"control"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Identity  IdentityConfig  `koanf:"identity"`
	KeepAlive KeepAliveConfig `koanf:"keepalive"`
	Peers     []PeerConfig    `koanf:"peers"`
}

// ListenConfig holds the UDP transport bind address.
type ListenConfig struct {
	// Addr is the local UDP address to bind, e.g. ":7780".
	Addr string `koanf:"addr"`
}

// ControlConfig holds the HTTP control-plane API listen address.
type ControlConfig struct {
	// Addr is the HTTP listen address for the control API (e.g., ":8780").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9780").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// IdentityConfig holds this process's own participant identity.
type IdentityConfig struct {
	// SelfIID is this process's own service instance id, must be nonzero.
	SelfIID uint64 `koanf:"self_iid"`
}

// KeepAliveConfig holds the keep-alive worker's period and receive timeout.
//
// Both fields zero is the "testing only" configuration permitted by spec
// §5: the worker becomes a no-op and nothing times out.
type KeepAliveConfig struct {
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

// PeerConfig describes one statically configured remote instance.
type PeerConfig struct {
	// IID is the remote instance's service instance id.
	IID uint64 `koanf:"iid"`
	// Addr is the remote instance's UDP address, e.g. "10.0.0.2:7780".
	Addr string `koanf:"addr"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The keep-alive interval/timeout defaults are the same shape the source's
// example wiring uses: a one-second period with a three-times-period
// detection timeout, giving one sender-side margin for a dropped packet.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: ":7780",
		},
		Control: ControlConfig{
			Addr: ":8780",
		},
		Metrics: MetricsConfig{
			Addr: ":9780",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		KeepAlive: KeepAliveConfig{
			Interval: 1 * time.Second,
			Timeout:  3 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for connsysd configuration.
// Variables are named CONNSYS_<section>_<key>, e.g., CONNSYS_LISTEN_ADDR.
const envPrefix = "CONNSYS_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (CONNSYS_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms CONNSYS_LISTEN_ADDR -> listen.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.addr":        defaults.Listen.Addr,
		"control.addr":       defaults.Control.Addr,
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"keepalive.interval": defaults.KeepAlive.Interval.String(),
		"keepalive.timeout":  defaults.KeepAlive.Timeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyListenAddr   = errors.New("listen.addr must not be empty")
	ErrEmptyControlAddr  = errors.New("control.addr must not be empty")
	ErrZeroSelfIID       = errors.New("identity.self_iid must not be zero")
	ErrKeepAliveMismatch = errors.New("keepalive.interval and keepalive.timeout must either both be zero or both be positive")
	ErrTimeoutNotGreater = errors.New("keepalive.timeout must be greater than keepalive.interval")
	ErrPeerZeroIID       = errors.New("peer iid must not be zero")
	ErrPeerEmptyAddr     = errors.New("peer addr must not be empty")
	ErrPeerSelfIID       = errors.New("peer iid must not equal identity.self_iid")
	ErrDuplicatePeerIID  = errors.New("duplicate peer iid")
)

// Validate checks the configuration for logical errors, including the
// keep-alive interval/timeout validity required by spec §5 before engine
// construction is attempted.
func Validate(cfg *Config) error {
	if cfg.Listen.Addr == "" {
		return ErrEmptyListenAddr
	}
	if cfg.Control.Addr == "" {
		return ErrEmptyControlAddr
	}
	if cfg.Identity.SelfIID == 0 {
		return ErrZeroSelfIID
	}

	if err := validateKeepAlive(cfg.KeepAlive); err != nil {
		return err
	}

	return validatePeers(cfg.Peers, cfg.Identity.SelfIID)
}

// validateKeepAlive enforces spec §5's "configuration validity": the
// keep-alive interval and timeout must either both be zero (testing-only,
// worker disabled) or both positive with timeout strictly greater than
// interval.
func validateKeepAlive(ka KeepAliveConfig) error {
	if ka.Interval == 0 && ka.Timeout == 0 {
		return nil
	}
	if ka.Interval <= 0 || ka.Timeout <= 0 {
		return ErrKeepAliveMismatch
	}
	if ka.Timeout <= ka.Interval {
		return ErrTimeoutNotGreater
	}
	return nil
}

func validatePeers(peers []PeerConfig, selfIID uint64) error {
	seen := make(map[uint64]struct{}, len(peers))
	for i, p := range peers {
		if p.IID == 0 {
			return fmt.Errorf("peers[%d]: %w", i, ErrPeerZeroIID)
		}
		if p.Addr == "" {
			return fmt.Errorf("peers[%d]: %w", i, ErrPeerEmptyAddr)
		}
		if p.IID == selfIID {
			return fmt.Errorf("peers[%d]: %w", i, ErrPeerSelfIID)
		}
		if _, dup := seen[p.IID]; dup {
			return fmt.Errorf("peers[%d] iid %d: %w", i, p.IID, ErrDuplicatePeerIID)
		}
		seen[p.IID] = struct{}{}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
