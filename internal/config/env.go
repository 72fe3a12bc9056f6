package config

import (
	"errors"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "CADENCE_"

// envOverrides lists the settings operators commonly inject per deployment
// (secrets, addresses). Unset variables leave the file value untouched.
type envOverrides struct {
	LogLevel      *string `env:"LOG_LEVEL"`
	StoragePath   *string `env:"STORAGE_PATH"`
	MaxConcurrent *int    `env:"MAX_CONCURRENT"`
	LeaderDriver  *string `env:"LEADER_DRIVER"`
	LeaderKey     *string `env:"LEADER_KEY"`
	RedisAddr     *string `env:"REDIS_ADDR"`
	RedisPassword *string `env:"REDIS_PASSWORD"`
	RedisDB       *int    `env:"REDIS_DB"`
	PostgresDSN   *string `env:"POSTGRES_DSN"`
	AdminAddr     *string `env:"ADMIN_ADDR"`
	AdminToken    *string `env:"ADMIN_TOKEN"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv layers CADENCE_* environment variables over cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return err
	}
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setStr(&cfg.Logging.Level, o.LogLevel)
	setStr(&cfg.Storage.Path, o.StoragePath)
	setInt(&cfg.Scheduler.MaxConcurrent, o.MaxConcurrent)
	setStr(&cfg.Leader.Driver, o.LeaderDriver)
	setStr(&cfg.Leader.Key, o.LeaderKey)
	setStr(&cfg.Leader.Redis.Addr, o.RedisAddr)
	setStr(&cfg.Leader.Redis.Password, o.RedisPassword)
	setInt(&cfg.Leader.Redis.DB, o.RedisDB)
	setStr(&cfg.Leader.Postgres.DSN, o.PostgresDSN)
	setStr(&cfg.Admin.Addr, o.AdminAddr)
	setStr(&cfg.Admin.Token, o.AdminToken)
	return nil
}
