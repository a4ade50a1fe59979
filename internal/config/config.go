// Package config defines all configuration for the paper trading venue.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via VENUE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Store      StoreConfig      `mapstructure:"store"`
	Server     ServerConfig     `mapstructure:"server"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// MarketDataConfig holds the upstream aggregator endpoints: the HTTP symbol /
// price service and the websocket pub/sub that publishes ticker channels.
type MarketDataConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
}

// StoreConfig sets where durable state is persisted (JSON collection files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ServerConfig holds the client-facing REST/push listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// EngineConfig tunes the matching engine.
//
//   - SymbolTTL:     symbol-info cache lifetime before a forced refresh.
//   - StaleTick:     ticks older than this are dropped and the cached price
//     for the symbol is invalidated.
//   - PriceCacheTTL: loaded and defaulted, but not read by any component;
//     the market-data client's latest-price cache lifetime is fixed at 60 s.
type EngineConfig struct {
	SymbolTTL     time.Duration `mapstructure:"symbol_ttl"`
	StaleTick     time.Duration `mapstructure:"stale_tick"`
	PriceCacheTTL time.Duration `mapstructure:"price_cache_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (VENUE_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VENUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.symbol_ttl", 3*time.Hour)
	v.SetDefault("engine.stale_tick", 30*time.Second)
	v.SetDefault("engine.price_cache_ttl", 60*time.Second)
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.MarketData.BaseURL == "" {
		return fmt.Errorf("market_data.base_url is required")
	}
	if c.MarketData.WSURL == "" {
		return fmt.Errorf("market_data.ws_url is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.SymbolTTL <= 0 {
		return fmt.Errorf("engine.symbol_ttl must be > 0")
	}
	if c.Engine.StaleTick <= 0 {
		return fmt.Errorf("engine.stale_tick must be > 0")
	}
	return nil
}
