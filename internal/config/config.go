package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendRemote = "remote"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StoreBackend   string `env:"STORE_BACKEND" envDefault:"memory"`
	StoreShards    int    `env:"STORE_SHARDS" envDefault:"64"`
	StoreURL       string `env:"STORE_URL"`
	StoreKeyPrefix string `env:"STORE_KEY_PREFIX" envDefault:"dt"`

	PostgresDSN   string `env:"POSTGRES_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"internal/storage/migrations"`

	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LowWaterMark     int           `env:"LOW_WATER_MARK" envDefault:"100"`
	MaxCleanupPushes int           `env:"MAX_CLEANUP_PUSHES" envDefault:"2"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	ResendAfter      time.Duration `env:"RESEND_AFTER" envDefault:"10m"`
	ResendBackoff    time.Duration `env:"RESEND_BACKOFF" envDefault:"5s"`
	LeaderLockID     int64         `env:"LEADER_LOCK_ID" envDefault:"42"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	return c
}

// Parse reads the configuration from vars instead of the process
// environment.
func Parse(vars map[string]string) (Config, error) {
	c, err := env.ParseAsWithOptions[Config](env.Options{Environment: vars})
	if err != nil {
		return c, err
	}
	return c, c.Validate()
}
