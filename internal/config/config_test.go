package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("SessionTTL converts hours to duration", func(t *testing.T) {
		cfg := &Config{SessionTTLHours: 24}
		assert.Equal(t, 24*time.Hour, cfg.SessionTTL())
	})

	t.Run("ParticipantFreshness converts seconds to duration", func(t *testing.T) {
		cfg := &Config{ParticipantFreshnessSeconds: 300}
		assert.Equal(t, 5*time.Minute, cfg.ParticipantFreshness())
	})

	t.Run("StoreTimeout converts seconds to duration", func(t *testing.T) {
		cfg := &Config{StoreTimeoutSeconds: 5}
		assert.Equal(t, 5*time.Second, cfg.StoreTimeout())
	})

	t.Run("UsesRedis depends on REDIS_URL", func(t *testing.T) {
		assert.False(t, (&Config{}).UsesRedis())
		assert.True(t, (&Config{RedisURL: "redis://localhost:6379"}).UsesRedis())
	})
}

func TestLoad(t *testing.T) {
	keys := []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "AUTH_JWT_SECRET", "LOG_LEVEL",
		"SESSION_TTL_HOURS", "MESSAGE_LOG_CAP", "CORS_ALLOWED_ORIGINS",
	}
	originalEnv := make(map[string]string, len(keys))
	for _, k := range keys {
		originalEnv[k] = os.Getenv(k)
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("AUTH_JWT_SECRET", testSecret)
		os.Unsetenv("PORT")
		os.Unsetenv("REDIS_URL")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("SESSION_TTL_HOURS")
		os.Unsetenv("MESSAGE_LOG_CAP")
		os.Unsetenv("CORS_ALLOWED_ORIGINS")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Equal(t, "", cfg.RedisURL)
		assert.Equal(t, 24, cfg.SessionTTLHours)
		assert.Equal(t, 100, cfg.MessageLogCap)
		assert.Equal(t, 300, cfg.ParticipantFreshnessSeconds)
		assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.True(t, cfg.RunMigrations)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("AUTH_JWT_SECRET", testSecret)
		os.Setenv("PORT", "3000")
		os.Setenv("SESSION_TTL_HOURS", "6")
		os.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, 6*time.Hour, cfg.SessionTTL())
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	})

	t.Run("fails when DATABASE_URL is missing", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("AUTH_JWT_SECRET", testSecret)

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("fails when AUTH_JWT_SECRET is missing", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Unsetenv("AUTH_JWT_SECRET")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			AuthJWTSecret:               testSecret,
			SessionTTLHours:             24,
			ParticipantFreshnessSeconds: 300,
			MessageLogCap:               100,
			StoreTimeoutSeconds:         5,
		}
	}

	t.Run("accepts valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate(false))
		assert.NoError(t, valid().Validate(true))
	})

	t.Run("rejects short secret", func(t *testing.T) {
		cfg := valid()
		cfg.AuthJWTSecret = "short"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive limits", func(t *testing.T) {
		cfg := valid()
		cfg.MessageLogCap = 0
		assert.Error(t, cfg.Validate(false))

		cfg = valid()
		cfg.SessionTTLHours = -1
		assert.Error(t, cfg.Validate(false))

		cfg = valid()
		cfg.StoreTimeoutSeconds = 0
		assert.Error(t, cfg.Validate(false))
	})
}
