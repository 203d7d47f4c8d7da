// Package config provides configuration management for AgentBus.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for AgentBus.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Bus      BusConfig      `mapstructure:"bus"`
	Presence PresenceConfig `mapstructure:"presence"`
	Wait     WaitConfig     `mapstructure:"wait"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BusConfig holds bus identity settings surfaced via bus_get_config.
type BusConfig struct {
	Name              string `mapstructure:"name"`
	PreferredLanguage string `mapstructure:"preferredLanguage"`
}

// PresenceConfig holds heartbeat and sweeper configuration.
type PresenceConfig struct {
	HeartbeatTimeout int `mapstructure:"heartbeatTimeout"` // in seconds
	SweepInterval    int `mapstructure:"sweepInterval"`    // in seconds
}

// WaitConfig holds long-poll wait configuration.
type WaitConfig struct {
	DefaultTimeout int `mapstructure:"defaultTimeout"` // in seconds
	MaxTimeout     int `mapstructure:"maxTimeout"`     // in seconds
	SafetyPoll     int `mapstructure:"safetyPoll"`     // safety-net re-query interval, in seconds
}

// UploadsConfig holds image upload storage configuration.
// RetentionDays of 0 means uploads are kept indefinitely.
type UploadsConfig struct {
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retentionDays"`
	MaxTotalMB    int    `mapstructure:"maxTotalMb"`
}

// CatalogConfig holds the invitable-agent catalog configuration.
type CatalogConfig struct {
	Path   string `mapstructure:"path"`
	LogDir string `mapstructure:"logDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat timeout as a time.Duration.
func (p *PresenceConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(p.HeartbeatTimeout) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (p *PresenceConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(p.SweepInterval) * time.Second
}

// DefaultTimeoutDuration returns the default wait timeout as a time.Duration.
func (w *WaitConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(w.DefaultTimeout) * time.Second
}

// MaxTimeoutDuration returns the maximum wait timeout as a time.Duration.
func (w *WaitConfig) MaxTimeoutDuration() time.Duration {
	return time.Duration(w.MaxTimeout) * time.Second
}

// SafetyPollDuration returns the safety-net poll interval as a time.Duration.
func (w *WaitConfig) SafetyPollDuration() time.Duration {
	return time.Duration(w.SafetyPoll) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTBUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 39765)
	v.SetDefault("server.readTimeout", 0) // 0 disables the read deadline; long-poll waits exceed any sane value
	v.SetDefault("server.writeTimeout", 0)

	// Database defaults
	v.SetDefault("database.path", "agentbus.db")

	// Bus identity defaults
	v.SetDefault("bus.name", "agentbus")
	v.SetDefault("bus.preferredLanguage", "English")

	// Presence defaults
	v.SetDefault("presence.heartbeatTimeout", 30)
	v.SetDefault("presence.sweepInterval", 1)

	// Wait defaults
	v.SetDefault("wait.defaultTimeout", 300)
	v.SetDefault("wait.maxTimeout", 600)
	v.SetDefault("wait.safetyPoll", 5)

	// Upload defaults - retentionDays 0 means keep forever
	v.SetDefault("uploads.dir", "static/uploads")
	v.SetDefault("uploads.retentionDays", 0)
	v.SetDefault("uploads.maxTotalMb", 0)

	// Catalog defaults
	v.SetDefault("catalog.path", "agents.yaml")
	v.SetDefault("catalog.logDir", "logs/invocations")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTBUS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentbus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("presence.heartbeatTimeout", "AGENTBUS_PRESENCE_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("wait.defaultTimeout", "AGENTBUS_WAIT_DEFAULT_TIMEOUT")
	_ = v.BindEnv("wait.maxTimeout", "AGENTBUS_WAIT_MAX_TIMEOUT")
	_ = v.BindEnv("bus.preferredLanguage", "AGENTBUS_BUS_PREFERRED_LANGUAGE")
	_ = v.BindEnv("uploads.retentionDays", "AGENTBUS_UPLOADS_RETENTION_DAYS")
	_ = v.BindEnv("catalog.logDir", "AGENTBUS_CATALOG_LOG_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentbus/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Presence.HeartbeatTimeout <= 0 {
		errs = append(errs, "presence.heartbeatTimeout must be positive")
	}
	if cfg.Presence.SweepInterval <= 0 {
		errs = append(errs, "presence.sweepInterval must be positive")
	}

	if cfg.Wait.DefaultTimeout <= 0 {
		errs = append(errs, "wait.defaultTimeout must be positive")
	}
	if cfg.Wait.MaxTimeout < cfg.Wait.DefaultTimeout {
		errs = append(errs, "wait.maxTimeout must be at least wait.defaultTimeout")
	}
	if cfg.Wait.SafetyPoll < 1 {
		errs = append(errs, "wait.safetyPoll must be at least 1 second")
	}

	if cfg.Uploads.RetentionDays < 0 {
		errs = append(errs, "uploads.retentionDays must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
