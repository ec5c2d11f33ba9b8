// Package config loads server settings from a TOML file overlaid by
// environment variables. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"collabtext/internal/domain"
)

// EnvProduction disables development conveniences such as skip_auth.
const EnvProduction = "production"

// Duration is a time.Duration written as a string ("2s", "10m") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds every server setting.
type Config struct {
	Environment string `toml:"environment"`
	ListenAddr  string `toml:"listen_addr"`
	RedisAddr   string `toml:"redis_addr"`
	StorageDir  string `toml:"storage_dir"`
	DatabaseURL string `toml:"database_url"`
	JWTSecret   string `toml:"jwt_secret"`
	SkipAuth    bool   `toml:"skip_auth"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`

	AuthTimeout    Duration `toml:"auth_timeout"`
	PrimaryTimeout Duration `toml:"primary_timeout"`
	ProbeInterval  Duration `toml:"probe_interval"`

	// RoomIdleTTL is how long a room without clients stays resident.
	// Zero keeps rooms resident until shutdown.
	RoomIdleTTL Duration `toml:"room_idle_ttl"`
	// MaxRooms caps resident rooms; idle rooms are evicted first. Zero means no cap.
	MaxRooms int `toml:"max_rooms"`

	// RateLimit is the sustained inbound frames per second per connection.
	RateLimit    float64 `toml:"rate_limit"`
	RateBurst    int     `toml:"rate_burst"`
	MaxMalformed int     `toml:"max_malformed"`

	AdvertiseMDNS bool `toml:"advertise_mdns"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Environment:    "development",
		ListenAddr:     ":8081",
		StorageDir:     "data",
		LogLevel:       "info",
		LogFormat:      "text",
		AuthTimeout:    Duration{3 * time.Second},
		PrimaryTimeout: Duration{2 * time.Second},
		ProbeInterval:  Duration{5 * time.Second},
		RoomIdleTTL:    Duration{10 * time.Minute},
		RateLimit:      50,
		RateBurst:      100,
		MaxMalformed:   10,
	}
}

// Load reads path (when non-empty) over the defaults and applies the
// process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", domain.ErrInvalidInput, path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN_ADDR":    &c.ListenAddr,
		"REDIS_ADDR":     &c.RedisAddr,
		"DATABASE_URL":   &c.DatabaseURL,
		"STORAGE_DIR":    &c.StorageDir,
		"JWT_SECRET":     &c.JWTSecret,
		"COLLABTEXT_ENV": &c.Environment,
		"LOG_LEVEL":      &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("SKIP_WS_AUTH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: SKIP_WS_AUTH=%q", domain.ErrInvalidInput, v)
		}
		c.SkipAuth = b
	}
	return nil
}

// IsProduction reports whether the production environment is selected.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// AuthDisabled reports whether connections bypass the access gate.
// skip_auth never applies in production.
func (c *Config) AuthDisabled() bool {
	return c.SkipAuth && !c.IsProduction()
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.StorageDir == "" {
		errs = append(errs, errors.New("storage_dir is required"))
	}
	if c.JWTSecret == "" && !c.AuthDisabled() {
		errs = append(errs, errors.New("jwt_secret is required unless skip_auth is set outside production"))
	}
	for name, d := range map[string]Duration{
		"auth_timeout":    c.AuthTimeout,
		"primary_timeout": c.PrimaryTimeout,
		"probe_interval":  c.ProbeInterval,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RoomIdleTTL.Duration < 0 {
		errs = append(errs, errors.New("room_idle_ttl must not be negative"))
	}
	if c.MaxRooms < 0 {
		errs = append(errs, errors.New("max_rooms must not be negative"))
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate_limit and rate_burst must be positive"))
	}
	if c.MaxMalformed <= 0 {
		errs = append(errs, errors.New("max_malformed must be positive"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not text or json", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}
