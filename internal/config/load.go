package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values.
// Returns a populated Config struct or an error if loading or validation
// fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// An optional config.yaml next to the binary or in /etc; absence is
	// not an error because everything can come from the environment.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/microservicio-async")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// ASYNC_SERVER_PORT overrides server.port, and so on.
	v.SetEnvPrefix("ASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a Config against its struct validation tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config validation failed: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("scheduler.lease_timeout", 5*time.Minute)
	v.SetDefault("scheduler.default_max_retries", 3)
	v.SetDefault("scheduler.default_priority", 5)
	v.SetDefault("scheduler.cleanup_after", 7*24*time.Hour)
}

// bindEnvKeys registers every config key with viper so AutomaticEnv finds
// the corresponding variable even when the key is absent from defaults and
// the config file.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.port",
		"server.log_level",
		"server.shutdown_timeout",
		"database.url",
		"database.max_open_conns",
		"database.max_idle_conns",
		"auth.jwt_secret",
		"auth.token_lifetime_minutes",
		"scheduler.lease_timeout",
		"scheduler.default_max_retries",
		"scheduler.default_priority",
		"scheduler.cleanup_after",
		"redis.url",
	}
	for _, key := range keys {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key)
	}
}
