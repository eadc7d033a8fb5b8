// Package config provides configuration management for autodev.
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

// Config holds all configuration sections for autodev.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Data         DataConfig         `mapstructure:"data"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds filesystem storage configuration.
type DataConfig struct {
	// Dir is the root data directory holding projects/ and claude-logs/.
	Dir string `mapstructure:"dir"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
// An empty token disables authentication entirely.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig holds agent orchestration tunables.
type OrchestratorConfig struct {
	// LoopSimilarity is the word-set similarity threshold above which
	// consecutive assistant messages count as a loop.
	LoopSimilarity float64 `mapstructure:"loopSimilarity"`

	// ChainDelaySeconds is the pause between a session ending and the
	// next chained coding session starting.
	ChainDelaySeconds int `mapstructure:"chainDelaySeconds"`

	// StaggerDelaySeconds is the pause between parallel session launches.
	StaggerDelaySeconds int `mapstructure:"staggerDelaySeconds"`

	// FirstOutputTimeoutSeconds is how long to wait for the first line of
	// child stdout before emitting a waiting notice.
	FirstOutputTimeoutSeconds int `mapstructure:"firstOutputTimeoutSeconds"`

	// StopGraceSeconds is the SIGTERM-to-SIGKILL escalation delay on stop.
	StopGraceSeconds int `mapstructure:"stopGraceSeconds"`

	// KillGraceSeconds is the escalation delay for loop-detection and
	// recovery kills.
	KillGraceSeconds int `mapstructure:"killGraceSeconds"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ChainDelay returns the chained-session delay as a time.Duration.
func (o *OrchestratorConfig) ChainDelay() time.Duration {
	return time.Duration(o.ChainDelaySeconds) * time.Second
}

// StaggerDelay returns the parallel-launch stagger as a time.Duration.
func (o *OrchestratorConfig) StaggerDelay() time.Duration {
	return time.Duration(o.StaggerDelaySeconds) * time.Second
}

// FirstOutputTimeout returns the first-output heartbeat as a time.Duration.
func (o *OrchestratorConfig) FirstOutputTimeout() time.Duration {
	return time.Duration(o.FirstOutputTimeoutSeconds) * time.Second
}

// StopGrace returns the stop escalation delay as a time.Duration.
func (o *OrchestratorConfig) StopGrace() time.Duration {
	return time.Duration(o.StopGraceSeconds) * time.Second
}

// KillGrace returns the kill escalation delay as a time.Duration.
func (o *OrchestratorConfig) KillGrace() time.Duration {
	return time.Duration(o.KillGraceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AUTODEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autodev"
	}
	return filepath.Join(home, ".autodev")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data defaults
	v.SetDefault("data.dir", defaultDataDir())

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "autodev")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults - empty token means unauthenticated
	v.SetDefault("auth.token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Orchestrator defaults
	v.SetDefault("orchestrator.loopSimilarity", 0.5)
	v.SetDefault("orchestrator.chainDelaySeconds", 3)
	v.SetDefault("orchestrator.staggerDelaySeconds", 2)
	v.SetDefault("orchestrator.firstOutputTimeoutSeconds", 15)
	v.SetDefault("orchestrator.stopGraceSeconds", 5)
	v.SetDefault("orchestrator.killGraceSeconds", 3)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AUTODEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/autodev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AUTODEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AUTODEV_TOKEN is the documented auth variable; bind it directly in
	// addition to the derived AUTODEV_AUTH_TOKEN form.
	_ = v.BindEnv("auth.token", "AUTODEV_TOKEN", "AUTODEV_AUTH_TOKEN")
	_ = v.BindEnv("data.dir", "AUTODEV_DATA_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/autodev/")

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

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Orchestrator.LoopSimilarity <= 0 || cfg.Orchestrator.LoopSimilarity > 1 {
		errs = append(errs, "orchestrator.loopSimilarity must be in (0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
