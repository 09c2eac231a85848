// Package config provides configuration management for taskmesh.
// It supports loading configuration from environment variables, config files
// and defaults.
package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/internal/common/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Governor GovernorConfig `mapstructure:"governor"`
	Events   EventsConfig   `mapstructure:"events"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  logger.Config  `mapstructure:"logging"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

// ServerConfig holds the server listen addresses and log directory.
type ServerConfig struct {
	// ListenAddress is the framed TCP port governors connect to.
	ListenAddress string `mapstructure:"listen_address"`
	// HTTPAddress hosts the client websocket endpoint plus /health and /info.
	HTTPAddress string `mapstructure:"http_address"`
	LogDir      string `mapstructure:"log_dir"`
	ReadyFile   string `mapstructure:"ready_file"`
}

// GovernorConfig holds the worker-side configuration.
type GovernorConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	ListenAddress string `mapstructure:"listen_address"`
	// CPUs is an integer, "detect", or "detect-N" to leave N cores free.
	CPUs      string `mapstructure:"cpus"`
	WorkDir   string `mapstructure:"workdir"`
	LogDir    string `mapstructure:"log_dir"`
	ReadyFile string `mapstructure:"ready_file"`
	// Executors maps executor type to the argv used to spawn it.
	Executors map[string][]string `mapstructure:"executors"`
	// KeepFailedTasks retains failed task directories for debugging.
	KeepFailedTasks bool `mapstructure:"keep_failed_tasks"`
}

// EventsConfig holds the event log configuration.
type EventsConfig struct {
	// Path of the SQLite event database. Empty disables persistence.
	Path string `mapstructure:"path"`
	// FlushInterval in milliseconds between event log flushes.
	FlushInterval int `mapstructure:"flush_interval"`
}

// NATSConfig holds the optional NATS bus used for gateway notifications.
// Empty URL means the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// DebugConfig holds development toggles.
type DebugConfig struct {
	// CheckConsistency enables the recursive graph invariant checks after
	// every mutation. A failed check aborts the process.
	CheckConsistency bool `mapstructure:"check_consistency"`
	TestMode         bool `mapstructure:"test_mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", "0.0.0.0:7210")
	v.SetDefault("server.http_address", "0.0.0.0:7222")
	v.SetDefault("server.log_dir", "./logs")
	v.SetDefault("server.ready_file", "")

	v.SetDefault("governor.server_address", "127.0.0.1:7210")
	v.SetDefault("governor.listen_address", "0.0.0.0:0")
	v.SetDefault("governor.cpus", "detect")
	v.SetDefault("governor.workdir", "./work")
	v.SetDefault("governor.log_dir", "./logs")
	v.SetDefault("governor.ready_file", "")
	v.SetDefault("governor.executors", map[string][]string{})
	v.SetDefault("governor.keep_failed_tasks", false)

	v.SetDefault("events.path", "./logs/events.db")
	v.SetDefault("events.flush_interval", 1000)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("debug.check_consistency", false)
	v.SetDefault("debug.test_mode", false)
}

// Load reads configuration from defaults, an optional config.yaml and
// TASKMESH_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or the
// default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskmesh/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.ListenAddress == "" {
		errs = append(errs, "server.listen_address is required")
	}
	if _, err := ParseCPUs(cfg.Governor.CPUs); err != nil {
		errs = append(errs, err.Error())
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Events.FlushInterval <= 0 {
		errs = append(errs, "events.flush_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseCPUs resolves a cpus setting: a plain integer, "detect" for all host
// cores, or "detect-N" to leave N cores unused (never below zero).
func ParseCPUs(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "detect" {
		return runtime.NumCPU(), nil
	}
	if rest, ok := strings.CutPrefix(value, "detect-"); ok {
		offset, err := strconv.Atoi(rest)
		if err != nil || offset < 0 {
			return 0, fmt.Errorf("governor.cpus: invalid detect offset %q", value)
		}
		cpus := runtime.NumCPU() - offset
		if cpus < 0 {
			cpus = 0
		}
		return cpus, nil
	}
	cpus, err := strconv.Atoi(value)
	if err != nil || cpus < 0 {
		return 0, fmt.Errorf("governor.cpus must be a non-negative integer, \"detect\" or \"detect-N\"")
	}
	return cpus, nil
}
