package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "super-secret-jwt-token-with-at-least-32-characters-long",
}

type Config struct {
	Port                        int      `env:"PORT" envDefault:"8080"`
	DatabaseURL                 string   `env:"DATABASE_URL,required"`
	RedisURL                    string   `env:"REDIS_URL"`
	AuthJWTSecret               string   `env:"AUTH_JWT_SECRET,required"`
	LogLevel                    string   `env:"LOG_LEVEL" envDefault:"info"`
	SessionTTLHours             int      `env:"SESSION_TTL_HOURS" envDefault:"24"`
	ParticipantFreshnessSeconds int      `env:"PARTICIPANT_FRESHNESS_SECONDS" envDefault:"300"`
	MessageLogCap               int      `env:"MESSAGE_LOG_CAP" envDefault:"100"`
	StoreTimeoutSeconds         int      `env:"STORE_TIMEOUT_SECONDS" envDefault:"5"`
	CORSAllowedOrigins          []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	RunMigrations               bool     `env:"RUN_MIGRATIONS" envDefault:"true"`
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) ParticipantFreshness() time.Duration {
	return time.Duration(c.ParticipantFreshnessSeconds) * time.Second
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// UsesRedis reports whether fan-out and rate limiting should be shared
// across instances through Redis.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

func (c *Config) Validate(isProduction bool) error {
	if c.SessionTTLHours <= 0 {
		return fmt.Errorf("SESSION_TTL_HOURS must be positive")
	}
	if c.ParticipantFreshnessSeconds <= 0 {
		return fmt.Errorf("PARTICIPANT_FRESHNESS_SECONDS must be positive")
	}
	if c.MessageLogCap <= 0 {
		return fmt.Errorf("MESSAGE_LOG_CAP must be positive")
	}
	if c.StoreTimeoutSeconds <= 0 {
		return fmt.Errorf("STORE_TIMEOUT_SECONDS must be positive")
	}
	if err := validateSecret("AUTH_JWT_SECRET", c.AuthJWTSecret); err != nil {
		return err
	}

	if isProduction {
		if !c.UsesRedis() {
			log.Warn().Msg("REDIS_URL is empty in production: fan-out is limited to a single instance")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		for _, origin := range c.CORSAllowedOrigins {
			if origin == "*" {
				log.Warn().Msg("CORS_ALLOWED_ORIGINS allows any origin in production")
				break
			}
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set the identity service's signing secret", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
