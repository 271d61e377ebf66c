package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth"      validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// ShutdownTimeout bounds how long a graceful shutdown may take before
	// in-flight requests are dropped.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required"`
}

// DatabaseConfig contains all database related settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`

	MaxOpenConns int `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int `mapstructure:"max_idle_conns" validate:"gte=0"`
}

// AuthConfig contains authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`

	// TokenLifetimeMinutes controls how long issued access tokens stay valid.
	TokenLifetimeMinutes int `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// SchedulerConfig contains task scheduler settings.
type SchedulerConfig struct {
	// LeaseTimeout bounds a worker's exclusive claim on a task; tasks
	// processing past this age are recovered as orphans.
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" validate:"required"`

	// DefaultMaxRetries is the retry budget for injected rollback tasks.
	DefaultMaxRetries int `mapstructure:"default_max_retries" validate:"gte=0"`

	// DefaultPriority applies to task types with no configured priority
	// (1 is most urgent, 10 least).
	DefaultPriority int `mapstructure:"default_priority" validate:"required,gte=1,lte=10"`

	// CleanupAfter is the retention window for finished tasks; zero
	// disables periodic cleanup.
	CleanupAfter time.Duration `mapstructure:"cleanup_after" validate:"gte=0"`
}

// RedisConfig contains event publishing settings. An empty URL disables
// Redis event publishing entirely.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,uri"`
}
