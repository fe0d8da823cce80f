package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	OperatorJWTSecret  string        `mapstructure:"OPERATOR_JWT_SECRET"`
	TokenTTL           time.Duration `mapstructure:"TOKEN_TTL"`
	TokenSweepInterval time.Duration `mapstructure:"TOKEN_SWEEP_INTERVAL"`

	SchedulerEnabled  bool          `mapstructure:"SCHEDULER_ENABLED"`
	SchedulerInterval time.Duration `mapstructure:"SCHEDULER_INTERVAL"`

	DedupBackend        string        `mapstructure:"DEDUP_BACKEND"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	DedupStandardOffset time.Duration `mapstructure:"DEDUP_STANDARD_OFFSET"`
	DedupDaylightOffset time.Duration `mapstructure:"DEDUP_DAYLIGHT_OFFSET"`

	EHRBaseURL   string `mapstructure:"EHR_BASE_URL"`
	EHRAPIKey    string `mapstructure:"EHR_API_KEY"`
	VoiceBaseURL string `mapstructure:"VOICE_BASE_URL"`
	VoiceAPIKey  string `mapstructure:"VOICE_API_KEY"`

	// AgentProfiles is "agentNumber=agentID@fromNumber" entries separated by commas
	AgentProfiles string `mapstructure:"AGENT_PROFILES"`

	HTTPClientTimeout    time.Duration `mapstructure:"HTTP_CLIENT_TIMEOUT"`
	HTTPClientMaxRetries int           `mapstructure:"HTTP_CLIENT_MAX_RETRIES"`
}

var keys = []string{
	"DATABASE_URL", "PORT", "ENV", "LOG_LEVEL",
	"OPERATOR_JWT_SECRET", "TOKEN_TTL", "TOKEN_SWEEP_INTERVAL",
	"SCHEDULER_ENABLED", "SCHEDULER_INTERVAL",
	"DEDUP_BACKEND", "REDIS_URL", "DEDUP_STANDARD_OFFSET", "DEDUP_DAYLIGHT_OFFSET",
	"EHR_BASE_URL", "EHR_API_KEY", "VOICE_BASE_URL", "VOICE_API_KEY",
	"AGENT_PROFILES",
	"HTTP_CLIENT_TIMEOUT", "HTTP_CLIENT_MAX_RETRIES",
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("TOKEN_SWEEP_INTERVAL", "1h")
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("SCHEDULER_INTERVAL", "5m")
	v.SetDefault("DEDUP_BACKEND", "memory")
	v.SetDefault("DEDUP_STANDARD_OFFSET", "-8h")
	v.SetDefault("DEDUP_DAYLIGHT_OFFSET", "-7h")
	v.SetDefault("HTTP_CLIENT_TIMEOUT", "15s")
	v.SetDefault("HTTP_CLIENT_MAX_RETRIES", 3)

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DedupBackend = strings.ToLower(strings.TrimSpace(cfg.DedupBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive, got %s", c.SchedulerInterval)
	}
	switch c.DedupBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when DEDUP_BACKEND=redis")
		}
	default:
		return fmt.Errorf("DEDUP_BACKEND must be \"memory\" or \"redis\", got %q", c.DedupBackend)
	}
	return nil
}

// ValidateServe checks the extra settings the API server needs
func (c *Config) ValidateServe() error {
	var missing []string
	for key, val := range map[string]string{
		"OPERATOR_JWT_SECRET": c.OperatorJWTSecret,
		"EHR_BASE_URL":        c.EHRBaseURL,
		"VOICE_BASE_URL":      c.VoiceBaseURL,
	} {
		if val == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(c.OperatorJWTSecret) < 32 {
		return errors.New("OPERATOR_JWT_SECRET must be at least 32 characters")
	}
	return nil
}

// IsDev reports whether the server runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}
