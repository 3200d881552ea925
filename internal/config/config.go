package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant       string        `mapstructure:"DEFAULT_TENANT"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL         string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	AllocateTimeout     time.Duration `mapstructure:"ALLOCATE_TIMEOUT"`
	SlotDurationMinutes int           `mapstructure:"SLOT_DURATION_MINUTES"`
	SessionIssuer       string        `mapstructure:"SESSION_ISSUER"`
	SessionAppID        string        `mapstructure:"SESSION_APP_ID"`
	SessionSigningKey   string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionIssuerURL    string        `mapstructure:"SESSION_ISSUER_URL"`
	SessionTokenTTL     time.Duration `mapstructure:"SESSION_TOKEN_TTL"`
	SessionCacheSize    int           `mapstructure:"SESSION_CACHE_SIZE"`
	AMQPURL             string        `mapstructure:"AMQP_URL"`
	AMQPExchange        string        `mapstructure:"AMQP_EXCHANGE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "ALLOCATE_TIMEOUT", "SLOT_DURATION_MINUTES",
	"SESSION_ISSUER", "SESSION_APP_ID", "SESSION_SIGNING_KEY", "SESSION_ISSUER_URL",
	"SESSION_TOKEN_TTL", "SESSION_CACHE_SIZE", "AMQP_URL", "AMQP_EXCHANGE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("ALLOCATE_TIMEOUT", "10s")
	v.SetDefault("SLOT_DURATION_MINUTES", 30)
	v.SetDefault("SESSION_ISSUER", "local")
	v.SetDefault("SESSION_TOKEN_TTL", "1h")
	v.SetDefault("SESSION_CACHE_SIZE", 1024)
	v.SetDefault("AMQP_EXCHANGE", "booking.events")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, requests without a bearer token are impersonated via X-Dev-Role / X-Dev-Profile-ID.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SlotDuration is the default sub-interval used when a provider publishes a
// range without naming one.
func (c *Config) SlotDuration() time.Duration {
	return time.Duration(c.SlotDurationMinutes) * time.Minute
}

// AuthKey decodes AUTH_SIGNING_KEY. It returns nil when unset.
func (c *Config) AuthKey() ([]byte, error) {
	return decodeKey("AUTH_SIGNING_KEY", c.AuthSigningKey)
}

// SessionKey decodes SESSION_SIGNING_KEY. It returns nil when unset.
func (c *Config) SessionKey() ([]byte, error) {
	return decodeKey("SESSION_SIGNING_KEY", c.SessionSigningKey)
}

func decodeKey(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(b) < 32 {
		return nil, fmt.Errorf("%s must be at least 32 bytes (64 hex chars), got %d bytes", name, len(b))
	}
	return b, nil
}

// Validate checks that the configuration is safe to run. Outside development an
// auth issuer or signing key must be configured, and the session issuer must
// have what it needs to mint or fetch credentials.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if _, err := c.AuthKey(); err != nil {
		return err
	}

	if c.AllocateTimeout <= 0 {
		return fmt.Errorf("ALLOCATE_TIMEOUT must be positive, got %s", c.AllocateTimeout)
	}
	if c.SlotDurationMinutes <= 0 {
		return fmt.Errorf("SLOT_DURATION_MINUTES must be positive, got %d", c.SlotDurationMinutes)
	}
	if c.SessionTokenTTL <= 0 {
		return fmt.Errorf("SESSION_TOKEN_TTL must be positive, got %s", c.SessionTokenTTL)
	}

	switch c.SessionIssuer {
	case "local":
		key, err := c.SessionKey()
		if err != nil {
			return err
		}
		if key == nil && c.IsProduction() {
			return fmt.Errorf("SESSION_SIGNING_KEY is required in production when SESSION_ISSUER is \"local\"")
		}
	case "remote":
		if c.SessionIssuerURL == "" {
			return fmt.Errorf("SESSION_ISSUER_URL is required when SESSION_ISSUER is \"remote\"")
		}
	default:
		return fmt.Errorf("SESSION_ISSUER must be \"local\" or \"remote\", got %q", c.SessionIssuer)
	}

	return nil
}
