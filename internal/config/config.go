package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config represents the engine configuration.
type Config struct {
	// Server configuration
	LogLevel    string `mapstructure:"log_level"`
	BindAddress string `mapstructure:"bind_address"`

	// Language registry
	LanguagesFile string `mapstructure:"languages_file"`

	// Runner configuration. SandboxCommand, when set, is the isolation
	// wrapper the run/compile commands are launched through; resource
	// enforcement below the wall-clock timer belongs to that layer.
	WorkDirectory  string   `mapstructure:"work_directory"`
	SandboxCommand []string `mapstructure:"sandbox_command"`
	OutputMaxBytes int      `mapstructure:"output_max_bytes"`

	// Admission control
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs"`
	QueueDepth        int `mapstructure:"queue_depth"`
	InfraRetries      int `mapstructure:"infra_retries"`

	// Session retention and streaming
	SessionRetention int `mapstructure:"session_retention"`
	StreamBacklog    int `mapstructure:"stream_backlog"`

	// Debug sessions
	DebugSlots       int           `mapstructure:"debug_slots"`
	DebugIdleTimeout time.Duration `mapstructure:"debug_idle_timeout"`
	DebugStepTimeout time.Duration `mapstructure:"debug_step_timeout"`

	// External advisory collaborators (optional, pass-through only)
	AdvisoryURL  string `mapstructure:"advisory_url"`
	ValidatorURL string `mapstructure:"validator_url"`

	// HTTP limits
	RequestBodyLimit int64 `mapstructure:"request_body_limit"`
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "INFO")
	v.SetDefault("bind_address", "0.0.0.0:2358")
	v.SetDefault("languages_file", "")
	v.SetDefault("work_directory", "")
	v.SetDefault("sandbox_command", []string{})
	v.SetDefault("output_max_bytes", 64*1024)
	v.SetDefault("max_concurrent_runs", 8)
	v.SetDefault("queue_depth", 64)
	v.SetDefault("infra_retries", 2)
	v.SetDefault("session_retention", 256)
	v.SetDefault("stream_backlog", 256)
	v.SetDefault("debug_slots", 4)
	v.SetDefault("debug_idle_timeout", "2m")
	v.SetDefault("debug_step_timeout", "10s")
	v.SetDefault("advisory_url", "")
	v.SetDefault("validator_url", "")
	v.SetDefault("request_body_limit", 1<<20)

	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/engine/")
	v.AddConfigPath("$HOME/.engine/")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func validate(config *Config) error {
	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	if config.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive")
	}

	if config.QueueDepth < 0 {
		return fmt.Errorf("queue_depth must be non-negative")
	}

	if config.SessionRetention <= 0 {
		return fmt.Errorf("session_retention must be positive")
	}

	if config.StreamBacklog <= 0 {
		return fmt.Errorf("stream_backlog must be positive")
	}

	if config.DebugSlots <= 0 {
		return fmt.Errorf("debug_slots must be positive")
	}

	if config.DebugIdleTimeout <= 0 {
		return fmt.Errorf("debug_idle_timeout must be positive")
	}

	return nil
}

// GetLogLevel returns the parsed log level.
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
