package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/calendarsync/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Google       GoogleConfig
	Security     SecurityConfig
	Tasks        TasksConfig
	Database     DatabaseConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
	Logging      LoggingConfig
	Alerts       AlertsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// GoogleConfig holds the OAuth client used for login and calendar access.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	SessionSecret     string
	SessionMaxAgeSecs int
}

// TasksConfig controls who may call the /tasks endpoints.
type TasksConfig struct {
	InvokerEmail string
	Audience     string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SyncConfig holds sync engine and scheduling configuration.
type SyncConfig struct {
	WindowPastDays   int
	WindowFutureDays int
	Workers          int
	BatchLimit       int
	BatchRPS         float64
	Schedule         string
	Timeout          time.Duration
	ManualCooldown   time.Duration
	AllowPrivateIPs  bool
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AlertsConfig holds failure alert configuration.
type AlertsConfig struct {
	WebhookURL   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool
	Cooldown     time.Duration
}

// WebhookEnabled reports whether a webhook URL is configured.
func (a AlertsConfig) WebhookEnabled() bool { return a.WebhookURL != "" }

// EmailEnabled reports whether SMTP alerts are configured.
func (a AlertsConfig) EmailEnabled() bool { return a.SMTPHost != "" }

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	var err error

	// Server configuration
	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.BaseURL = strings.TrimSuffix(getEnvRequired("BASE_URL"), "/")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	// Google OAuth configuration
	cfg.Google.ClientID = getEnvRequired("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = getEnvRequired("GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectURL = getEnv("GOOGLE_REDIRECT_URL", cfg.Server.BaseURL+"/auth/callback")

	// Security configuration
	cfg.Security.SessionSecret = getEnvRequired("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}
	if cfg.Security.SessionMaxAgeSecs, err = getEnvInt("SESSION_MAX_AGE_SECS", 7*24*3600); err != nil {
		return nil, fmt.Errorf("%w: SESSION_MAX_AGE_SECS: %w", ErrInvalidConfig, err)
	}

	// Task endpoint configuration
	cfg.Tasks.InvokerEmail = getEnv("SCHEDULER_INVOKER_EMAIL", "")
	cfg.Tasks.Audience = getEnv("TASKS_AUDIENCE", "")

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calendarsync.db")

	// Rate limiting configuration
	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	if err := loadSync(&cfg.Sync); err != nil {
		return nil, err
	}
	if err := loadLogging(&cfg.Logging); err != nil {
		return nil, err
	}
	if err := loadAlerts(&cfg.Alerts); err != nil {
		return nil, err
	}

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

func loadSync(s *SyncConfig) error {
	var err error
	if s.WindowPastDays, err = getEnvInt("SYNC_WINDOW_PAST_DAYS", 30); err != nil || s.WindowPastDays < 0 {
		return fmt.Errorf("%w: SYNC_WINDOW_PAST_DAYS", ErrInvalidConfig)
	}
	if s.WindowFutureDays, err = getEnvInt("SYNC_WINDOW_FUTURE_DAYS", 365); err != nil || s.WindowFutureDays < 0 {
		return fmt.Errorf("%w: SYNC_WINDOW_FUTURE_DAYS", ErrInvalidConfig)
	}
	if s.Workers, err = getEnvInt("SYNC_WORKERS", 10); err != nil || s.Workers < 1 {
		return fmt.Errorf("%w: SYNC_WORKERS", ErrInvalidConfig)
	}
	if s.BatchLimit, err = getEnvInt("SYNC_BATCH_LIMIT", 50); err != nil || s.BatchLimit < 1 || s.BatchLimit > 1000 {
		return fmt.Errorf("%w: SYNC_BATCH_LIMIT must be between 1 and 1000", ErrInvalidConfig)
	}
	if s.BatchRPS, err = getEnvFloat("SYNC_BATCH_RPS", 2.0); err != nil || s.BatchRPS <= 0 {
		return fmt.Errorf("%w: SYNC_BATCH_RPS", ErrInvalidConfig)
	}
	s.Schedule = getEnv("SYNC_SCHEDULE", "@every 1h")
	if s.Timeout, err = getEnvDuration("SYNC_TIMEOUT", 10*time.Minute); err != nil {
		return fmt.Errorf("%w: SYNC_TIMEOUT: %w", ErrInvalidConfig, err)
	}
	if s.ManualCooldown, err = getEnvDuration("MANUAL_SYNC_COOLDOWN", 5*time.Minute); err != nil {
		return fmt.Errorf("%w: MANUAL_SYNC_COOLDOWN: %w", ErrInvalidConfig, err)
	}
	if s.AllowPrivateIPs, err = getEnvBool("ALLOW_PRIVATE_IPS", false); err != nil {
		return fmt.Errorf("%w: ALLOW_PRIVATE_IPS: %w", ErrInvalidConfig, err)
	}
	return nil
}

func loadLogging(l *LoggingConfig) error {
	var err error
	l.Level = getEnv("LOG_LEVEL", "info")
	l.Format = getEnv("LOG_FORMAT", "text")
	l.File = getEnv("LOG_FILE", "")
	if l.MaxSizeMB, err = getEnvInt("LOG_MAX_SIZE_MB", 100); err != nil {
		return fmt.Errorf("%w: LOG_MAX_SIZE_MB: %w", ErrInvalidConfig, err)
	}
	if l.MaxBackups, err = getEnvInt("LOG_MAX_BACKUPS", 5); err != nil {
		return fmt.Errorf("%w: LOG_MAX_BACKUPS: %w", ErrInvalidConfig, err)
	}
	if l.MaxAgeDays, err = getEnvInt("LOG_MAX_AGE_DAYS", 30); err != nil {
		return fmt.Errorf("%w: LOG_MAX_AGE_DAYS: %w", ErrInvalidConfig, err)
	}
	return nil
}

func loadAlerts(a *AlertsConfig) error {
	var err error
	a.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	a.SMTPHost = getEnv("SMTP_HOST", "")
	if a.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	a.SMTPUsername = getEnv("SMTP_USERNAME", "")
	a.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	a.SMTPFrom = getEnv("SMTP_FROM", "")
	if to := getEnv("SMTP_TO", ""); to != "" {
		for _, addr := range strings.Split(to, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				a.SMTPTo = append(a.SMTPTo, addr)
			}
		}
	}
	if a.SMTPTLS, err = getEnvBool("SMTP_TLS", false); err != nil {
		return fmt.Errorf("%w: SMTP_TLS: %w", ErrInvalidConfig, err)
	}
	if a.Cooldown, err = getEnvDuration("ALERT_COOLDOWN", time.Hour); err != nil {
		return fmt.Errorf("%w: ALERT_COOLDOWN: %w", ErrInvalidConfig, err)
	}
	return nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.Google.ClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.Google.ClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	return missing
}

// Validate checks URL formats that can only be verified after loading.
func (c *Config) Validate(_ context.Context) error {
	if err := validator.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}
	if err := validator.ValidateURL(c.Google.RedirectURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: GOOGLE_REDIRECT_URL: %w", ErrValidationFailed, err)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid bool: %w", err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return parsed, nil
}
