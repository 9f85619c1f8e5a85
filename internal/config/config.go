// Package config loads service configuration from file and environment.
package config

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/tixchange/escrow/pkg/errors"
)

// Config holds every runtime setting of the escrow service.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Fees    FeesConfig    `mapstructure:"fees"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig selects the ledger backend. Driver is one of "postgres",
// "sqlite" or "memory".
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type FeesConfig struct {
	Percent         string `mapstructure:"percent"`
	MinimumUSD      string `mapstructure:"minimum_usd"`
	PlatformAccount string `mapstructure:"platform_account"`
}

// RedisConfig configures the optional hold-event notifier. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path (optional) with ESCROW_* environment
// overrides and defaults suitable for local development.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("fees.percent", "2")
	v.SetDefault("fees.minimum_usd", "0.50")
	v.SetDefault("fees.platform_account", "platform")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "escrow.holds")
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Internal(err, "read config file %s", path)
		}
	} else {
		v.SetConfigName("escrow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/escrow")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Internal(err, "read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Internal(err, "unmarshal config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return errors.Invalid("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	case "memory":
	default:
		return errors.Invalid("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := decimal.NewFromString(c.Fees.Percent); err != nil {
		return errors.Invalid("fees.percent %q is not a number", c.Fees.Percent)
	}
	if _, err := decimal.NewFromString(c.Fees.MinimumUSD); err != nil {
		return errors.Invalid("fees.minimum_usd %q is not a number", c.Fees.MinimumUSD)
	}
	return nil
}

// FeePercent returns the configured fee percentage.
func (c *Config) FeePercent() decimal.Decimal {
	return decimal.RequireFromString(c.Fees.Percent)
}

// FeeMinimumUSD returns the configured USD fee floor.
func (c *Config) FeeMinimumUSD() decimal.Decimal {
	return decimal.RequireFromString(c.Fees.MinimumUSD)
}
