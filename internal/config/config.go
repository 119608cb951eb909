package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/rangerun/internal/data/cache"
	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/exchange/binance"
	"github.com/sawpanic/rangerun/internal/execution"
	"github.com/sawpanic/rangerun/internal/gates"
	"github.com/sawpanic/rangerun/internal/interfaces/alerts"
	"github.com/sawpanic/rangerun/internal/persistence/sqldb"
	"github.com/sawpanic/rangerun/internal/regime"
	"github.com/sawpanic/rangerun/internal/scan"
	"github.com/sawpanic/rangerun/internal/scheduler"
	"github.com/sawpanic/rangerun/internal/score/composite"
	"github.com/sawpanic/rangerun/internal/sizing"
	"github.com/sawpanic/rangerun/internal/stream"
)

// Environment variables read on top of the YAML file.
const (
	EnvAPIKey        = "BINANCE_API_KEY"
	EnvAPISecret     = "BINANCE_API_SECRET"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvJournalDSN    = "RANGERUN_JOURNAL_DSN"
)

// Error is a configuration problem. It is fatal at startup.
type Error struct {
	Section string
	Err     error
}

func (e *Error) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Section, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err came from loading or validating config.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// ServerConfig configures the monitoring HTTP server.
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`          // Default: 127.0.0.1:8090
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 15s
	Timeout      time.Duration `yaml:"timeout"`       // Default: 10s per request
}

// Config is the complete runtime configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	DryRun   bool   `yaml:"dry_run"`

	Exchange   binance.Config        `yaml:"exchange"`
	Trade      sizing.Config         `yaml:"trade"`
	Indicators indicators.Config     `yaml:"indicators"`
	Regime     regime.DetectorConfig `yaml:"regime"`
	Volume     gates.VolumeConfig    `yaml:"volume"`
	Scoring    composite.Config      `yaml:"scoring"`
	Scan       scan.Config           `yaml:"scan"`
	Schedule   scheduler.Config      `yaml:"schedule"`
	Stream     stream.Config         `yaml:"stream"`
	Cache      cache.Config          `yaml:"cache"`
	Alarms     alerts.Config         `yaml:"alarms"`
	Journal    sqldb.Config          `yaml:"journal"`
	HTTP       ServerConfig          `yaml:"http"`
	Execution  execution.Config      `yaml:"execution"`
}

// Default returns a configuration that validates once symbols are set.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		Exchange:   binance.DefaultConfig(),
		Trade:      sizing.DefaultConfig(),
		Indicators: indicators.DefaultConfig(),
		Regime:     regime.DefaultDetectorConfig(),
		Volume:     gates.DefaultVolumeConfig(),
		Scoring:    composite.DefaultConfig(),
		Scan:       scan.DefaultConfig(),
		Schedule:   scheduler.DefaultConfig(),
		Stream:     stream.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Alarms:     alerts.DefaultConfig(),
		Journal:    sqldb.DefaultConfig(),
		HTTP: ServerConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			Timeout:      10 * time.Second,
		},
		Execution: execution.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies credentials from the
// environment and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply overrides first.
// A .env file in the working directory is loaded if present; variables
// already set in the process environment win.
func Read(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &Error{Section: "env", Err: err}
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("failed to read config: %w", err)}
		}
		if err := cfg.Decode(data); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Decode merges YAML into c. Unknown keys are rejected so typos surface.
func (c *Config) Decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Err: fmt.Errorf("failed to parse config: %w", err)}
	}
	return nil
}

// ApplyEnv fills secrets from getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		c.Exchange.APIKey = v
	}
	if v := getenv(EnvAPISecret); v != "" {
		c.Exchange.APISecret = v
	}
	if v := getenv(EnvRedisPassword); v != "" {
		c.Cache.Password = v
		c.Alarms.RedisPassword = v
	}
	if v := getenv(EnvJournalDSN); v != "" {
		c.Journal.DSN = v
	}
}

// Validate checks every section and returns the first failure as *Error.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return &Error{Section: "log_level", Err: err}
	}
	checks := []struct {
		section string
		fn      func() error
	}{
		{"exchange", c.validateExchange},
		{"trade", c.Trade.Validate},
		{"indicators", c.Indicators.Validate},
		{"regime", c.Regime.Validate},
		{"volume", c.Volume.Validate},
		{"scoring", c.Scoring.Validate},
		{"scan", c.Scan.Validate},
		{"schedule", c.Schedule.Validate},
		{"stream", c.Stream.Validate},
		{"cache", c.validateCache},
		{"alarms", c.Alarms.Validate},
		{"journal", c.Journal.Validate},
		{"http", c.validateHTTP},
		{"execution", c.Execution.Validate},
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return &Error{Section: ch.section, Err: err}
		}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Exchange.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Exchange.RecvWindow <= 0 || c.Exchange.RecvWindow > time.Minute {
		return fmt.Errorf("recv_window %s outside (0,1m]", c.Exchange.RecvWindow)
	}
	return nil
}

func (c *Config) validateCache() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if !c.Cache.Enabled {
		return nil
	}
	iv, err := market.IntervalDuration(c.Scan.Interval)
	if err != nil {
		return err
	}
	if c.Cache.TTL >= iv {
		return fmt.Errorf("ttl %s must be shorter than the %s bar interval", c.Cache.TTL, c.Scan.Interval)
	}
	return nil
}

func (c *Config) validateHTTP() error {
	if !c.HTTP.Enabled {
		return nil
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("addr is required when enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// RequireCredentials is checked by commands that sign requests.
func (c *Config) RequireCredentials() error {
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return &Error{Section: "exchange", Err: fmt.Errorf("%s and %s must be set", EnvAPIKey, EnvAPISecret)}
	}
	return nil
}
