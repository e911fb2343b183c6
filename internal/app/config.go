package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds the complete application configuration, loadable from
// environment variables (PRICEBOOK_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage     string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (PRICEBOOK_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Cache       CacheConfig
	Redis       RedisConfig
	Confirm     ConfirmConfig
	Graceful    GracefulConfig
}

// CacheConfig controls the base-price cache.
type CacheConfig struct {
	Backend    string        `default:"memory" usage:"Base-price cache: none, memory or redis"`
	TTL        time.Duration `default:"30s" usage:"Upper bound on cached base-price lifetime"`
	TimeBucket time.Duration `default:"1m" usage:"Granularity of the pricing instant in cache keys" flag:"cache-time-bucket"`
	Sweep      time.Duration `default:"1m" usage:"Eviction interval of the memory cache"`
}

// RedisConfig locates the Redis cache.
type RedisConfig struct {
	URL    string `usage:"Redis URL (PRICEBOOK_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	Prefix string `default:"pricebook:" usage:"Key prefix for cache entries"`
}

// ConfirmConfig bounds rule usage commits.
type ConfirmConfig struct {
	Timeout time.Duration `default:"5s" usage:"Maximum duration of a confirm ledger transaction" flag:"confirm-timeout"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PRICEBOOK",
		Files:     []string{"config.yaml", "/etc/pricebook/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set PRICEBOOK_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage)
	}

	switch c.Cache.Backend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Redis.URL == "" {
			return errors.New("redis cache requires PRICEBOOK_REDIS_URL or REDIS_URL")
		}
	default:
		return errors.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Cache.TimeBucket < 0 || c.Cache.TTL < 0 || c.Confirm.Timeout < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL, REDIS_URL and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
