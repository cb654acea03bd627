// Package config loads controller and agent configuration from YAML,
// overlaying environment overrides and validated defaults the way the
// reference stack's own config package does.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the taskctl controller.
type Config struct {
	ServerAddress string `yaml:"serverAddress"`
	ServerPort    int    `yaml:"serverPort"`

	Database DatabaseConfig `yaml:"database"`

	HeartbeatTimeout     time.Duration `yaml:"heartbeatTimeout"`
	MainHeartbeatPeriod  time.Duration `yaml:"mainHeartbeatPeriod"`
	SubHeartbeatPeriod   time.Duration `yaml:"subHeartbeatPeriod"`
	WatchdogInterval     time.Duration `yaml:"watchdogInterval"`

	MetricsEnabled bool `yaml:"metricsEnabled"`
}

// DatabaseConfig holds the SQLite connection settings.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retentionDays"`
}

// AgentConfig is the configuration consumed by the main agent CLI.
type AgentConfig struct {
	Name             string        `yaml:"name"`
	ServerURL        string        `yaml:"serverUrl"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeatPeriod"`
	RejectNewTask    bool          `yaml:"rejectNewTask"`
}

// DefaultConfig returns a Config with sensible defaults. The server address and
// database path can be overridden via TASKCTL_SERVER_ADDRESS and
// TASKCTL_DB_PATH environment variables.
func DefaultConfig() *Config {
	cfg := &Config{
		ServerAddress: "0.0.0.0",
		ServerPort:    8080,
		Database: DatabaseConfig{
			Path:          "data/taskctl.db",
			RetentionDays: 30,
		},
		HeartbeatTimeout:    10 * time.Second,
		MainHeartbeatPeriod: 2 * time.Second,
		SubHeartbeatPeriod:  1 * time.Second,
		WatchdogInterval:    5 * time.Second,
		MetricsEnabled:      true,
	}
	cfg.applyEnvOverrides()
	return cfg
}

// LoadFromFile loads config from a YAML file, overlaying on defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides sets the server address and database path from
// TASKCTL_SERVER_ADDRESS and TASKCTL_DB_PATH whenever those variables are
// non-empty, replacing any value from the defaults or the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TASKCTL_SERVER_ADDRESS"); v != "" {
		c.ServerAddress = v
	}
	if v := os.Getenv("TASKCTL_DB_PATH"); v != "" {
		c.Database.Path = v
	}
}

// Validate checks the config for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("serverPort must be between 1 and 65535, got %d", c.ServerPort)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeatTimeout must be positive, got %s", c.HeartbeatTimeout)
	}
	if c.MainHeartbeatPeriod <= 0 || c.MainHeartbeatPeriod >= c.HeartbeatTimeout {
		return fmt.Errorf("mainHeartbeatPeriod must be positive and less than heartbeatTimeout")
	}
	if c.SubHeartbeatPeriod <= 0 || c.SubHeartbeatPeriod >= c.HeartbeatTimeout {
		return fmt.Errorf("subHeartbeatPeriod must be positive and less than heartbeatTimeout")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdogInterval must be positive, got %s", c.WatchdogInterval)
	}
	return nil
}

// DefaultAgentConfig returns sane defaults for the main agent CLI.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ServerURL:       "http://127.0.0.1:8080",
		HeartbeatPeriod: 2 * time.Second,
	}
}
