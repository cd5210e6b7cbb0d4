package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LabAPIBaseURL  string        `mapstructure:"LAB_API_BASE_URL"`
	LabAPITimeout  time.Duration `mapstructure:"LAB_API_TIMEOUT"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`
	SaveResetDelay time.Duration `mapstructure:"SAVE_RESET_DELAY"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LAB_API_TIMEOUT", "30s")
	v.SetDefault("SESSION_TTL", "1h")
	v.SetDefault("SAVE_RESET_DELAY", "3s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LAB_API_BASE_URL")
	v.BindEnv("LAB_API_TIMEOUT")
	v.BindEnv("SESSION_TTL")
	v.BindEnv("SAVE_RESET_DELAY")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.LabAPIBaseURL == "" {
		return nil, fmt.Errorf("LAB_API_BASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development,
// AUTH_ISSUER or AUTH_JWKS_URL must be set so that real JWT authentication is
// enforced for session endpoints.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_JWKS_URL must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.SaveResetDelay < 0 {
		return fmt.Errorf("SAVE_RESET_DELAY must not be negative, got %s", c.SaveResetDelay)
	}
	return nil
}
