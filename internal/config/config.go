// Package config loads lazypp CLI settings from YAML or TOML files and
// LAZYPP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the config file.
const (
	EnvCacheDir      = "LAZYPP_CACHE_DIR"
	EnvJobs          = "LAZYPP_JOBS"
	EnvLogLevel      = "LAZYPP_LOG_LEVEL"
	EnvLogFormat     = "LAZYPP_LOG_FORMAT"
	EnvLockBackend   = "LAZYPP_LOCK_BACKEND"
	EnvRedisAddr     = "LAZYPP_REDIS_ADDR"
	EnvRedisPassword = "LAZYPP_REDIS_PASSWORD"
	EnvRedisDB       = "LAZYPP_REDIS_DB"
	EnvMetricsAddr   = "LAZYPP_METRICS_ADDR"
)

// Lock backends.
const (
	LockFile  = "file"
	LockRedis = "redis"
	LockNone  = "none"
)

// ErrInvalid marks a config that loaded but failed validation.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	CacheDir string  `yaml:"cache_dir" toml:"cache_dir"`
	Jobs     int     `yaml:"jobs" toml:"jobs"`
	Log      Log     `yaml:"log" toml:"log"`
	Lock     Lock    `yaml:"lock" toml:"lock"`
	Metrics  Metrics `yaml:"metrics" toml:"metrics"`
}

type Log struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type Lock struct {
	Backend       string `yaml:"backend" toml:"backend"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	Prefix        string `yaml:"prefix" toml:"prefix"`

	// TTL is a Go duration string such as "10m".
	TTL string `yaml:"ttl" toml:"ttl"`
}

type Metrics struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		CacheDir: filepath.Join(".lazypp", "cache"),
		Jobs:     runtime.NumCPU(),
		Log:      Log{Level: "info", Format: "text"},
		Lock:     Lock{Backend: LockFile, Prefix: "lazypp:", TTL: "10m"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("load config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := lookup(EnvCacheDir); ok {
		cfg.CacheDir = v
	}
	if v, ok := lookup(EnvJobs); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvJobs, err)
		}
		cfg.Jobs = n
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok {
		cfg.Log.Format = v
	}
	if v, ok := lookup(EnvLockBackend); ok {
		cfg.Lock.Backend = v
	}
	if v, ok := lookup(EnvRedisAddr); ok {
		cfg.Lock.RedisAddr = v
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		cfg.Lock.RedisPassword = v
	}
	if v, ok := lookup(EnvRedisDB); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvRedisDB, err)
		}
		cfg.Lock.RedisDB = n
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		cfg.Metrics.Addr = v
	}
	return nil
}

func lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

// Validate checks field ranges and cross-field requirements.
func (c Config) Validate() error {
	if strings.TrimSpace(c.CacheDir) == "" {
		return fmt.Errorf("%w: cache_dir is required", ErrInvalid)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("%w: jobs must be >= 1, got %d", ErrInvalid, c.Jobs)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q (want text or json)", ErrInvalid, c.Log.Format)
	}
	switch c.Lock.Backend {
	case LockFile, LockNone:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("%w: lock.redis_addr is required for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: lock.backend %q (want file, redis or none)", ErrInvalid, c.Lock.Backend)
	}
	if _, err := c.Lock.TTLDuration(); err != nil {
		return fmt.Errorf("%w: lock.ttl: %v", ErrInvalid, err)
	}
	return nil
}

// TTLDuration parses TTL. An empty TTL yields zero.
func (l Lock) TTLDuration() (time.Duration, error) {
	if strings.TrimSpace(l.TTL) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(l.TTL))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}
