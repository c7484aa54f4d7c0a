// Package config loads service settings from an optional config.yaml and
// HOUSECUP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "HOUSECUP"

// Config is the resolved configuration of a housecup process.
type Config struct {
	HTTP struct {
		Addr       string `mapstructure:"addr"`
		RatePerSec int    `mapstructure:"rate_per_sec"`
		RateBurst  int    `mapstructure:"rate_burst"`
	} `mapstructure:"http"`
	Store struct {
		Driver      string `mapstructure:"driver"`
		DSN         string `mapstructure:"dsn"`
		MaxAttempts int    `mapstructure:"max_attempts"`
	} `mapstructure:"store"`
	Ledger struct {
		GroupCollection string `mapstructure:"group_collection"`
		IDPrefix        string `mapstructure:"id_prefix"`
		IDWidth         int    `mapstructure:"id_width"`
		ClampNegative   bool   `mapstructure:"clamp_negative"`
	} `mapstructure:"ledger"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Auth struct {
		Secret string `mapstructure:"secret"`
		Issuer string `mapstructure:"issuer"`
	} `mapstructure:"auth"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_per_sec", 20)
	v.SetDefault("http.rate_burst", 40)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_attempts", 5)
	v.SetDefault("ledger.group_collection", "houses")
	v.SetDefault("ledger.id_prefix", "GOOGE")
	v.SetDefault("ledger.id_width", 3)
	v.SetDefault("ledger.clamp_negative", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "housecup")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads config.yaml from the given paths (default "." and
// /etc/housecup) and applies environment overrides such as
// HOUSECUP_STORE_DSN. A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "/etc/housecup"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config: store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Ledger.IDWidth < 1 {
		return fmt.Errorf("config: ledger.id_width must be at least 1")
	}
	if c.Store.MaxAttempts < 1 {
		return fmt.Errorf("config: store.max_attempts must be at least 1")
	}
	if c.HTTP.RatePerSec < 1 || c.HTTP.RateBurst < 1 {
		return fmt.Errorf("config: http rate limits must be positive")
	}
	return nil
}
