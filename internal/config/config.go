// Package config loads service configuration from an env-format file plus
// environment variable overrides.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the race engine needs at startup. The auth
// secret is intentionally absent: the auth package reads it from the
// environment directly so it never lands in config files.
type Config struct {
	ListenAddr    string        `mapstructure:"QUOTANA_LISTEN_ADDR"`
	PostgresDSN   string        `mapstructure:"QUOTANA_PG_DSN"`
	SweepInterval time.Duration `mapstructure:"QUOTANA_SWEEP_INTERVAL"`
	RateBurst     int           `mapstructure:"QUOTANA_RATE_BURST"`
	RatePerSec    int           `mapstructure:"QUOTANA_RATE_PER_SEC"`
}

// Load reads app.env from path (if present) and applies environment
// overrides. A missing file is not an error; missing env vars fall back
// to defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("QUOTANA_LISTEN_ADDR", ":8080")
	v.SetDefault("QUOTANA_PG_DSN", "")
	v.SetDefault("QUOTANA_SWEEP_INTERVAL", 15*time.Second)
	v.SetDefault("QUOTANA_RATE_BURST", 20)
	v.SetDefault("QUOTANA_RATE_PER_SEC", 10)

	if path != "" {
		v.AddConfigPath(path)
		v.SetConfigName("app")
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, err
			}
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
