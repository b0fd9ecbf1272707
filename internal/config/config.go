// Package config loads the server configuration from modgate.toml and the
// environment. Every setting has a default, so the file is optional.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tangled.org/arabica.social/modgate/internal/moderation"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrUnknownStore          = errors.New("unknown store backend")
)

// CurrentVersion is the config file layout this build understands.
const CurrentVersion = 1

// FileName is the config file searched for in SearchPaths.
const FileName = "modgate.toml"

// Store backends.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Config struct {
	Version    int        `koanf:"version"`
	Server     Server     `koanf:"server"`
	Log        Log        `koanf:"log"`
	Store      Store      `koanf:"store"`
	Rollout    Rollout    `koanf:"rollout"`
	Authority  Authority  `koanf:"authority"`
	Thresholds Thresholds `koanf:"thresholds"`
	Legacy     Legacy     `koanf:"legacy"`
	Tracing    Tracing    `koanf:"tracing"`
}

type Server struct {
	Port string `koanf:"port"`
	// OperatorsFile is the JSON operator/role file. Empty disables the admin surface.
	OperatorsFile   string        `koanf:"operators_file"`
	MetricsInterval time.Duration `koanf:"metrics_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type Store struct {
	Backend     string `koanf:"backend"`
	Path        string `koanf:"path"`
	RedisURL    string `koanf:"redis_url"`
	RedisPrefix string `koanf:"redis_prefix"`
}

type Rollout struct {
	Deployment      string        `koanf:"deployment"`
	SettingsTimeout time.Duration `koanf:"settings_timeout"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CacheSize       int           `koanf:"cache_size"`
}

type Authority struct {
	// Primary is CURRENT or LEGACY.
	Primary string `koanf:"primary"`
}

type Thresholds struct {
	Restrict  float64       `koanf:"restrict"`
	Suspend   float64       `koanf:"suspend"`
	Probation time.Duration `koanf:"probation"`
}

type Legacy struct {
	DefaultDuration time.Duration `koanf:"default_duration"`
}

type Tracing struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	settings := moderation.DefaultSettingsOptions()
	thresholds := moderation.DefaultThresholds()
	return Config{
		Version: CurrentVersion,
		Server: Server{
			Port:            "18920",
			MetricsInterval: 30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:   Log{Level: "info", Format: "console"},
		Store: Store{Backend: StoreBolt},
		Rollout: Rollout{
			Deployment:      moderation.DefaultDeployment,
			SettingsTimeout: settings.Timeout,
			CacheTTL:        settings.CacheTTL,
			CacheSize:       settings.CacheSize,
		},
		Authority: Authority{Primary: string(moderation.SystemCurrent)},
		Thresholds: Thresholds{
			Restrict:  thresholds.Restrict,
			Suspend:   thresholds.Suspend,
			Probation: thresholds.Probation,
		},
		Legacy: Legacy{DefaultDuration: 24 * time.Hour},
	}
}

// SearchPaths lists the directories searched for FileName, in order.
func SearchPaths() []string {
	paths := []string{".", "config"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".modgate"))
	}
	return append(paths, "/etc/modgate")
}

// Load reads path, or the first FileName found in SearchPaths when path is
// empty, applies environment overrides and validates the result. It
// returns the file that was used, or "" when running on defaults.
func Load(path string) (*Config, string, error) {
	k := koanf.New(".")

	usedPath := ""
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, "", fmt.Errorf("failed to load config %s: %w", path, err)
		}
		usedPath = path
	} else {
		for _, dir := range SearchPaths() {
			candidate := filepath.Join(dir, FileName)
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if err := k.Load(file.Provider(candidate), toml.Parser()); err != nil {
				return nil, "", fmt.Errorf("failed to load config %s: %w", candidate, err)
			}
			usedPath = candidate
			break
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}
	if usedPath != "" && cfg.Version != CurrentVersion {
		return nil, "", fmt.Errorf("%w: %s has version %d, expected %d",
			ErrConfigVersionMismatch, usedPath, cfg.Version, CurrentVersion)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, usedPath, nil
}

// applyEnv overrides file values with the environment variables the
// deployment scripts set.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.OperatorsFile, "MODGATE_OPERATORS_FILE")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Store.Backend, "MODGATE_STORE")
	setString(&c.Store.Path, "MODGATE_DB_PATH")
	setString(&c.Store.RedisURL, "REDIS_URL")
	setString(&c.Rollout.Deployment, "MODGATE_DEPLOYMENT")
	setString(&c.Authority.Primary, "MODGATE_PRIMARY")
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}
}

// Validate checks the values that have no safe fallback.
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	switch c.Store.Backend {
	case StoreMemory, StoreBolt, StoreSQLite:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store backend redis requires redis_url")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Store.Backend)
	}

	switch moderation.System(strings.ToUpper(c.Authority.Primary)) {
	case moderation.SystemCurrent, moderation.SystemLegacy:
	default:
		return fmt.Errorf("authority primary must be CURRENT or LEGACY, got %q", c.Authority.Primary)
	}

	if c.Thresholds.Restrict <= 0 || c.Thresholds.Suspend <= c.Thresholds.Restrict {
		return fmt.Errorf("thresholds must satisfy 0 < restrict < suspend, got %v and %v",
			c.Thresholds.Restrict, c.Thresholds.Suspend)
	}
	return nil
}

// DBPath returns the configured database path, defaulting per backend.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "modgate.db"
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	name := "modgate.db"
	if c.Store.Backend == StoreSQLite {
		name = "modgate.sqlite"
	}
	return filepath.Join(dataDir, "modgate", name)
}

// EngineOptions maps the config onto the engine.
func (c *Config) EngineOptions() moderation.EngineOptions {
	opts := moderation.DefaultEngineOptions()
	opts.Deployment = c.Rollout.Deployment
	opts.Authority = moderation.NewAuthority(moderation.System(strings.ToUpper(c.Authority.Primary)))
	opts.Thresholds = moderation.Thresholds{
		Restrict:  c.Thresholds.Restrict,
		Suspend:   c.Thresholds.Suspend,
		Probation: c.Thresholds.Probation,
	}
	opts.Settings = moderation.SettingsOptions{
		Timeout:   c.Rollout.SettingsTimeout,
		CacheTTL:  c.Rollout.CacheTTL,
		CacheSize: c.Rollout.CacheSize,
	}
	return opts
}
