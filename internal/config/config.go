package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Durable DurableConfig `yaml:"durable"`
	Session SessionConfig `yaml:"session"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// CacheConfig points at Redis. An empty Addr runs on the in-process cache
// alone, which is only correct for a single server.
type CacheConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type DurableConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

type HistoryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type LogConfig struct {
	Level    string        `yaml:"level"`
	Format   string        `yaml:"format"`
	Throttle time.Duration `yaml:"throttle"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Cache: CacheConfig{
			Addr:          "localhost:6379",
			OpTimeout:     1500 * time.Millisecond,
			DialTimeout:   time.Second,
			ProbeInterval: 5 * time.Second,
		},
		Durable: DurableConfig{
			Path:    "data/sessions.db",
			Timeout: 4 * time.Second,
		},
		Session: SessionConfig{
			TTL:          24 * time.Hour,
			LockTTL:      30 * time.Second,
			TickInterval: time.Second,
		},
		History: HistoryConfig{
			CacheTTL: 30 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "text",
			Throttle: 30 * time.Second,
		},
	}
}

// Load reads path over the defaults. Fields the file leaves out keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections must not be negative"))
	}
	positive("cache.op_timeout", c.Cache.OpTimeout)
	positive("cache.dial_timeout", c.Cache.DialTimeout)
	positive("cache.probe_interval", c.Cache.ProbeInterval)
	positive("durable.timeout", c.Durable.Timeout)
	positive("session.ttl", c.Session.TTL)
	positive("session.tick_interval", c.Session.TickInterval)
	positive("history.cache_ttl", c.History.CacheTTL)
	positive("log.throttle", c.Log.Throttle)
	if c.Session.LockTTL < time.Second {
		errs = append(errs, fmt.Errorf("session.lock_ttl must be at least 1s, got %s", c.Session.LockTTL))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
