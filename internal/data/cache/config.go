package cache

import (
	"fmt"
	"time"
)

type Config struct {
	Enabled    bool          `yaml:"enabled"`
	Backend    string        `yaml:"backend"` // memory or redis
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"-"`
	DB         int           `yaml:"db"`
	TTL        time.Duration `yaml:"ttl"`         // Default: 30s, keep below the bar interval
	MaxEntries int           `yaml:"max_entries"` // memory backend only
	Prefix     string        `yaml:"prefix"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Backend:    "memory",
		Addr:       "localhost:6379",
		TTL:        30 * time.Second,
		MaxEntries: 512,
		Prefix:     "rangerun:",
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Backend {
	case "memory":
	case "redis":
		if c.Addr == "" {
			return fmt.Errorf("cache addr required for redis backend")
		}
	default:
		return fmt.Errorf("cache backend must be memory or redis, got %q", c.Backend)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	return nil
}

// Open builds the configured store. The returned func releases it.
func Open(cfg Config) (Store, func() error, error) {
	switch cfg.Backend {
	case "redis":
		rc, err := NewRedisCache(cfg.Addr, cfg.Password, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	default:
		tc := NewTTLCache(cfg.MaxEntries)
		return tc, tc.Close, nil
	}
}
