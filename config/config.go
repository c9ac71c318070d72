// Package config loads the toodle configuration from a TOML file and the
// environment. Environment variables use the TOODLE_ prefix and win over the
// file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/wbrown/janus-eav/eav/observer"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "TOODLE_"

// Duration is a time.Duration written as "5s" or "250ms"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Store   Store   `toml:"store" envPrefix:"STORE_"`
	Log     Log     `toml:"log" envPrefix:"LOG_"`
	Sync    Sync    `toml:"sync" envPrefix:"SYNC_"`
	Metrics Metrics `toml:"metrics" envPrefix:"METRICS_"`
}

type Store struct {
	URI             string   `toml:"uri" env:"URI"`
	SyncWrites      bool     `toml:"sync_writes" env:"SYNC_WRITES"`
	CacheSize       int      `toml:"cache_size" env:"CACHE_SIZE"`
	ObserverTimeout Duration `toml:"observer_timeout" env:"OBSERVER_TIMEOUT"`
}

type Log struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

type Sync struct {
	User          string   `toml:"user" env:"USER"`
	Remote        string   `toml:"remote" env:"REMOTE"`
	RetryAttempts uint     `toml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	Timeout       Duration `toml:"timeout" env:"TIMEOUT"`
}

type Metrics struct {
	Addr string `toml:"addr" env:"ADDR"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Store: Store{
			URI:             "file://toodle.db",
			CacheSize:       4096,
			ObserverTimeout: Duration{observer.DefaultDeliveryTimeout},
		},
		Log:  Log{Level: "info", Format: "text"},
		Sync: Sync{RetryAttempts: 5, Timeout: Duration{time.Minute}},
	}
}

// Load reads path over the defaults, then applies the environment. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would only fail later
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}
	if c.Store.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("store cache size must be positive, got %d", c.Store.CacheSize))
	}
	if c.Sync.Remote != "" && !strings.Contains(c.Sync.Remote, "://") {
		errs = append(errs, fmt.Errorf("sync remote %q has no scheme", c.Sync.Remote))
	}
	return errors.Join(errs...)
}

func (l Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return lvl, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

// Logger builds the configured logger writing to w
func (l Log) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
