package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the price logger.
type Config struct {
	// Asset is the symbol whose price is fetched and recorded.
	Asset string `mapstructure:"asset"`

	// DBPath is the SQLite database holding the append log.
	DBPath string `mapstructure:"db_path"`

	// Base URLs for the price APIs (configurable for testing)
	CoinGeckoBaseURL     string `mapstructure:"coingecko_base_url"`
	CryptoCompareBaseURL string `mapstructure:"cryptocompare_base_url"`

	// CryptoCompareAPIKey is only needed for backfill at volume; the free
	// endpoints accept keyless requests.
	CryptoCompareAPIKey string `mapstructure:"cryptocompare_api_key"`

	// Timeout bounds the whole invocation, not just the outbound request.
	Timeout time.Duration `mapstructure:"timeout"`

	// Retries is the number of re-attempts after a transient fetch failure.
	Retries int `mapstructure:"retries"`

	// Backoff is the fixed wait between fetch attempts.
	Backoff time.Duration `mapstructure:"backoff"`

	// CronSpec, when set, runs the job on a schedule inside the process
	// instead of exiting after one pass.
	CronSpec string `mapstructure:"cron"`
}

// Load reads configuration from environment variables and an optional config
// file. Environment variables take precedence over config file values, and
// CLI flags (applied by the caller) take precedence over both.
//
// Expected environment variables:
//   - PRICELOG_ASSET (default "ETH")
//   - PRICELOG_DB_PATH (default "data/prices.db")
//   - PRICELOG_TIMEOUT (default "30s")
//   - PRICELOG_RETRIES (default 3)
//   - PRICELOG_BACKOFF (default "2s")
//   - PRICELOG_CRON (optional, daemon mode)
//   - COINGECKO_BASE_URL (optional, defaults to production)
//   - CRYPTOCOMPARE_BASE_URL (optional, defaults to production)
//   - CRYPTOCOMPARE_API_KEY (optional, backfill only)
func Load(path string) (*Config, error) {
	v := viper.New()

	v.AutomaticEnv()

	v.SetDefault("asset", "ETH")
	v.SetDefault("db_path", "data/prices.db")
	v.SetDefault("coingecko_base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("cryptocompare_base_url", "https://min-api.cryptocompare.com")
	v.SetDefault("timeout", "30s")
	v.SetDefault("retries", 3)
	v.SetDefault("backoff", "2s")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pricelog")
		_ = v.ReadInConfig() // optional
	}

	v.BindEnv("asset", "PRICELOG_ASSET")
	v.BindEnv("db_path", "PRICELOG_DB_PATH")
	v.BindEnv("timeout", "PRICELOG_TIMEOUT")
	v.BindEnv("retries", "PRICELOG_RETRIES")
	v.BindEnv("backoff", "PRICELOG_BACKOFF")
	v.BindEnv("cron", "PRICELOG_CRON")
	v.BindEnv("coingecko_base_url", "COINGECKO_BASE_URL")
	v.BindEnv("cryptocompare_base_url", "CRYPTOCOMPARE_BASE_URL")
	v.BindEnv("cryptocompare_api_key", "CRYPTOCOMPARE_API_KEY")

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks invariants that the job cannot run without.
func (c *Config) Validate() error {
	if c.Asset == "" {
		return fmt.Errorf("asset must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if c.Backoff < 0 {
		return fmt.Errorf("backoff must not be negative, got %s", c.Backoff)
	}
	return nil
}
