package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config is the environment-driven server configuration. Every knob has a
// default that lets a bare `go run ./cmd/server` boot a fully degraded
// single instance with no external services.
type Config struct {
	Addr       string `env:"FIELD_ADDR" envDefault:":8080"`
	Dev        bool   `env:"FIELD_DEV" envDefault:"false"`
	InstanceID string `env:"FIELD_INSTANCE_ID"`

	PostgresURL  string        `env:"FIELD_POSTGRES_URL"`
	RedisURL     string        `env:"FIELD_REDIS_URL"`
	LocalTTL     time.Duration `env:"FIELD_LOCAL_CACHE_TTL" envDefault:"10s"`
	SharedTTL    time.Duration `env:"FIELD_SHARED_CACHE_TTL" envDefault:"30s"`
	StoreTimeout time.Duration `env:"FIELD_STORE_TIMEOUT" envDefault:"3s"`

	BatchSize     int           `env:"FIELD_BATCH_SIZE" envDefault:"50"`
	BatchInterval time.Duration `env:"FIELD_BATCH_INTERVAL" envDefault:"1s"`

	JWTSecret    string `env:"FIELD_JWT_SECRET"`
	AuthOptional bool   `env:"FIELD_AUTH_OPTIONAL" envDefault:"false"`

	FieldUpdatesPerMinute  int `env:"FIELD_RATE_FIELD_UPDATES" envDefault:"30"`
	SacredPhrasesPerMinute int `env:"FIELD_RATE_SACRED_PHRASES" envDefault:"5"`
	BatchSyncsPerMinute    int `env:"FIELD_RATE_BATCH_SYNCS" envDefault:"10"`
}

// LoadConfig reads the FIELD_* environment and fills in the derived
// defaults. A missing JWT secret forces token validation into optional
// mode; callers are expected to log that loudly.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.JWTSecret == "" {
		cfg.AuthOptional = true
	}
	return cfg, nil
}
