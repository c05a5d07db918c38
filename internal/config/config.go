package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration. Every value comes from the
// environment; secrets are never embedded in the binary or in tokens.
type Config struct {
	Addr        string `env:"IDENTITY_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"IDENTITY_PG_DSN"`
	RedisAddr   string `env:"IDENTITY_REDIS_ADDR" envDefault:"localhost:6379"`

	JWTSecret  string        `env:"IDENTITY_JWT_SECRET"`
	JWTIssuer  string        `env:"IDENTITY_JWT_ISSUER" envDefault:"paperwurks-identity"`
	AccessTTL  time.Duration `env:"IDENTITY_ACCESS_TTL" envDefault:"1h"`
	RefreshTTL time.Duration `env:"IDENTITY_REFRESH_TTL" envDefault:"168h"`

	LoginRateLimit   int           `env:"IDENTITY_LOGIN_RATE_LIMIT" envDefault:"5"`
	LoginRateWindow  time.Duration `env:"IDENTITY_LOGIN_RATE_WINDOW" envDefault:"15m"`
	ResendRateLimit  int           `env:"IDENTITY_RESEND_RATE_LIMIT" envDefault:"3"`
	ResendRateWindow time.Duration `env:"IDENTITY_RESEND_RATE_WINDOW" envDefault:"1h"`

	MigrationsDir string `env:"IDENTITY_MIGRATIONS_DIR" envDefault:"migrations"`
}

// Load parses configuration from the environment. Presence of the JWT
// secret is enforced where the codec is built, so auxiliary binaries like
// the migration runner can start without it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
