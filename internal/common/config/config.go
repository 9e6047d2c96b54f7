// Package config provides configuration management for bridle.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for bridle.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Model    ModelConfig    `mapstructure:"model"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SessionsConfig holds session store and checkpoint retention configuration.
type SessionsConfig struct {
	// Dir is the base sessions directory. Empty means ~/.bridle/sessions.
	Dir string `mapstructure:"dir"`
	// ExpiryHours is the age after which an unaccessed session is expired.
	ExpiryHours int `mapstructure:"expiryHours"`
	// KeepCount is how many sessions cleanOldSessions retains.
	KeepCount int `mapstructure:"keepCount"`
	// CheckpointKeepCount bounds per-session checkpoints (FIFO eviction).
	CheckpointKeepCount int `mapstructure:"checkpointKeepCount"`
}

// ModelConfig holds model selection configuration.
type ModelConfig struct {
	// Default is used when neither project config nor ANTHROPIC_MODEL set one.
	Default string `mapstructure:"default"`
}

// RuntimeConfig holds agent runtime subprocess configuration.
type RuntimeConfig struct {
	// Command is the agent CLI binary to spawn for streaming queries.
	Command string `mapstructure:"command"`
	// Args are extra arguments prepended before the generated flags.
	Args []string `mapstructure:"args"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig holds OpenTelemetry configuration. The exporter endpoint
// comes from OTEL_EXPORTER_OTLP_ENDPOINT; this only names the service.
type TracingConfig struct {
	ServiceName string `mapstructure:"serviceName"`
}

// ExpiryWindow returns the session expiry window as a time.Duration.
func (s *SessionsConfig) ExpiryWindow() time.Duration {
	return time.Duration(s.ExpiryHours) * time.Hour
}

// ResolveDir returns the sessions directory, defaulting to ~/.bridle/sessions.
func (s *SessionsConfig) ResolveDir() string {
	if s.Dir != "" {
		return s.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".bridle", "sessions")
	}
	return filepath.Join(home, ".bridle", "sessions")
}

// detectDefaultLogFormat returns json in production-looking environments and
// text for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BRIDLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Session store defaults - empty dir resolves to ~/.bridle/sessions
	v.SetDefault("sessions.dir", "")
	v.SetDefault("sessions.expiryHours", 5)
	v.SetDefault("sessions.keepCount", 10)
	v.SetDefault("sessions.checkpointKeepCount", 10)

	// Model defaults
	v.SetDefault("model.default", "sonnet")

	// Runtime defaults
	v.SetDefault("runtime.command", "claude")
	v.SetDefault("runtime.args", []string{})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bridle")
	v.SetDefault("nats.maxReconnects", 10)

	// Tracing defaults
	v.SetDefault("tracing.serviceName", "bridle")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BRIDLE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/bridle/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BRIDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys, whose env names differ
	// from what AutomaticEnv derives.
	_ = v.BindEnv("sessions.dir", "BRIDLE_SESSIONS_DIR")
	_ = v.BindEnv("sessions.expiryHours", "BRIDLE_SESSION_EXPIRY_HOURS")
	_ = v.BindEnv("sessions.keepCount", "BRIDLE_SESSION_KEEP_COUNT")
	_ = v.BindEnv("sessions.checkpointKeepCount", "BRIDLE_CHECKPOINT_KEEP_COUNT")
	_ = v.BindEnv("model.default", "BRIDLE_MODEL_DEFAULT")
	_ = v.BindEnv("runtime.command", "BRIDLE_RUNTIME_COMMAND")
	_ = v.BindEnv("nats.clientId", "BRIDLE_NATS_CLIENT_ID")
	_ = v.BindEnv("nats.maxReconnects", "BRIDLE_NATS_MAX_RECONNECTS")
	_ = v.BindEnv("logging.outputPath", "BRIDLE_LOGGING_OUTPUT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bridle/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Sessions.ExpiryHours <= 0 {
		errs = append(errs, "sessions.expiryHours must be positive")
	}
	if cfg.Sessions.KeepCount <= 0 {
		errs = append(errs, "sessions.keepCount must be positive")
	}
	if cfg.Sessions.CheckpointKeepCount <= 0 {
		errs = append(errs, "sessions.checkpointKeepCount must be positive")
	}

	if cfg.Model.Default == "" {
		errs = append(errs, "model.default must not be empty")
	}
	if cfg.Runtime.Command == "" {
		errs = append(errs, "runtime.command must not be empty")
	}

	// NATS is optional; empty URL selects the in-memory bus.

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
