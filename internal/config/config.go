// Package config loads service configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"lendfolio/internal/domain"
	"lendfolio/internal/portfolio"
	"lendfolio/internal/protocol"
	"lendfolio/internal/snapshot"
)

// Environment variables that override file values.
const (
	EnvPostgresDSN   = "POSTGRES_DSN"
	EnvClickhouseDSN = "CLICKHOUSE_DSN"
	EnvRedisURL      = "REDIS_URL"
	EnvRPCEndpoint   = "PROTOCOL_RPC_ENDPOINT"
)

// ErrLiveSourcesMissing is returned by ValidateLive when a store or the RPC endpoint is unset.
var ErrLiveSourcesMissing = errors.New("live sources not configured")

// RPCConfig configures the protocol JSON-RPC client.
type RPCConfig struct {
	Endpoint   string        `yaml:"endpoint" validate:"omitempty,url"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gt=0"`
}

// CacheConfig configures the snapshot caches and the Redis price cache.
type CacheConfig struct {
	PoolTTL     time.Duration `yaml:"pool_ttl" validate:"gt=0"`
	MetadataTTL time.Duration `yaml:"metadata_ttl" validate:"gt=0"`
	PriceTTL    time.Duration `yaml:"price_ttl" validate:"gt=0"`
}

// Config is the full service configuration.
type Config struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	RedisURL      string `yaml:"redis_url" validate:"omitempty,url"`

	RPC   RPCConfig   `yaml:"rpc"`
	Cache CacheConfig `yaml:"cache"`

	TrackedPools       []string           `yaml:"tracked_pools" validate:"dive,required"`
	BackstopPriceToken string             `yaml:"backstop_price_token" validate:"required"`
	FallbackPrices     map[string]float64 `yaml:"fallback_prices" validate:"dive,keys,required,endkeys,gte=0"`
	Timezone           string             `yaml:"timezone" validate:"required"`
	HistoryDays        int                `yaml:"history_days" validate:"gte=1,lte=3650"`
	Concurrency        int                `yaml:"concurrency" validate:"gte=1,lte=64"`

	Log zap.Config `yaml:"log"`
}

// DefaultConfig returns the defaults every loaded file is decoded over.
func DefaultConfig() Config {
	return Config{
		RPC: RPCConfig{
			Timeout:    protocol.DefaultTimeout,
			MaxRetries: protocol.DefaultMaxRetries,
			RetryDelay: protocol.DefaultRetryDelay,
		},
		Cache: CacheConfig{
			PoolTTL:     snapshot.DefaultPoolTTL,
			MetadataTTL: snapshot.DefaultMetadataTTL,
			PriceTTL:    24 * time.Hour,
		},
		BackstopPriceToken: domain.BackstopAsset,
		FallbackPrices:     map[string]float64{},
		Timezone:           "UTC",
		HistoryDays:        portfolio.DefaultHistoryDays,
		Concurrency:        snapshot.DefaultConcurrency,
		Log:                zap.NewProductionConfig(),
	}
}

// Load reads path over DefaultConfig. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides connection settings from the environment. Empty values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.PostgresDSN, EnvPostgresDSN)
	set(&c.ClickhouseDSN, EnvClickhouseDSN)
	set(&c.RedisURL, EnvRedisURL)
	set(&c.RPC.Endpoint, EnvRPCEndpoint)
}

// Validate checks field constraints and that the timezone resolves.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ValidateLive checks the settings needed to run against real stores and the live protocol.
func (c *Config) ValidateLive() error {
	var missing []string
	if c.PostgresDSN == "" {
		missing = append(missing, EnvPostgresDSN)
	}
	if c.ClickhouseDSN == "" {
		missing = append(missing, EnvClickhouseDSN)
	}
	if c.RPC.Endpoint == "" {
		missing = append(missing, EnvRPCEndpoint)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrLiveSourcesMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// RPCOptions maps RPC settings onto client options.
func (c *Config) RPCOptions() []protocol.ClientOption {
	return []protocol.ClientOption{
		protocol.WithTimeout(c.RPC.Timeout),
		protocol.WithMaxRetries(c.RPC.MaxRetries),
		protocol.WithRetryDelay(c.RPC.RetryDelay),
	}
}
