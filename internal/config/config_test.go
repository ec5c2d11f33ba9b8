package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/domain"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collabtext.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8081", cfg.ListenAddr)
	assert.Equal(t, "data", cfg.StorageDir)
	assert.Equal(t, 2*time.Second, cfg.PrimaryTimeout.Duration)
	assert.False(t, cfg.IsProduction())

	// Defaults alone lack a signing key.
	assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidInput)
	cfg.JWTSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
environment = "production"
listen_addr = ":9000"
redis_addr = "localhost:6379"
jwt_secret = "k"
primary_timeout = "500ms"
room_idle_ttl = "0s"
max_rooms = 50
rate_limit = 5.5
`)
	cfg, err := LoadWithEnv(path, noEnv)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.PrimaryTimeout.Duration)
	assert.Equal(t, time.Duration(0), cfg.RoomIdleTTL.Duration)
	assert.Equal(t, 50, cfg.MaxRooms)
	assert.Equal(t, 5.5, cfg.RateLimit)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.ProbeInterval.Duration)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.toml"), noEnv)
	assert.Error(t, err)

	_, err = LoadWithEnv(writeConfig(t, `primary_timeout = "soon"`), noEnv)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = LoadWithEnv("", envMap(map[string]string{"SKIP_WS_AUTH": "maybe"}))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr = ":9000"
storage_dir = "/var/lib/a"
`)
	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"LISTEN_ADDR":  ":7000",
		"STORAGE_DIR":  "/tmp/b",
		"REDIS_ADDR":   "redis:6379",
		"DATABASE_URL": "sqlite:///tmp/meta.db",
		"JWT_SECRET":   "env-secret",
		"LOG_LEVEL":    "debug",
		"SKIP_WS_AUTH": "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "/tmp/b", cfg.StorageDir)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "sqlite:///tmp/meta.db", cfg.DatabaseURL)
	assert.Equal(t, "env-secret", cfg.JWTSecret)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.SkipAuth)
}

func TestAuthDisabled_IgnoredInProduction(t *testing.T) {
	cfg := Default()
	cfg.SkipAuth = true
	assert.True(t, cfg.AuthDisabled())
	assert.NoError(t, cfg.Validate(), "no key needed when auth is skipped")

	cfg.Environment = EnvProduction
	assert.False(t, cfg.AuthDisabled())
	assert.Error(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.ListenAddr = "" }},
		{"empty storage", func(c *Config) { c.StorageDir = "" }},
		{"zero auth timeout", func(c *Config) { c.AuthTimeout = Duration{} }},
		{"negative ttl", func(c *Config) { c.RoomIdleTTL = Duration{-time.Second} }},
		{"negative max rooms", func(c *Config) { c.MaxRooms = -1 }},
		{"zero rate", func(c *Config) { c.RateLimit = 0 }},
		{"zero malformed", func(c *Config) { c.MaxMalformed = 0 }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.JWTSecret = "k"
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidInput)
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))

	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `log_level = "info"`)

	changed := make(chan *Config, 64)
	w, err := Watch(path, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`log_level = "debug"`), 0600))

	// A truncating write can surface an intermediate empty file first.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.LogLevel == "debug" {
				return
			}
		case <-timeout:
			t.Fatal("config change not observed")
		}
	}
}
