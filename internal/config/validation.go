package config

import (
	"fmt"
	"strings"
)

// ValidationError collects multiple validation errors so an operator sees
// every problem in a config file at once instead of fixing them one at a
// time.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Add(msg string) {
	e.Errors = append(e.Errors, msg)
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ValidateDetailed performs comprehensive config validation, collecting all
// violations instead of stopping at the first one.
func ValidateDetailed(cfg *Config) *ValidationError {
	ve := &ValidationError{}

	if cfg.ServerPort < 1 || cfg.ServerPort > 65535 {
		ve.Add(fmt.Sprintf("serverPort must be between 1 and 65535, got %d", cfg.ServerPort))
	}
	if cfg.Database.Path == "" {
		ve.Add("database.path must not be empty")
	}
	if cfg.Database.RetentionDays < 0 {
		ve.Add("database.retentionDays must be >= 0")
	}
	if cfg.HeartbeatTimeout <= 0 {
		ve.Add("heartbeatTimeout must be positive")
	}
	if cfg.MainHeartbeatPeriod <= 0 || cfg.MainHeartbeatPeriod >= cfg.HeartbeatTimeout {
		ve.Add("mainHeartbeatPeriod must be positive and less than heartbeatTimeout")
	}
	if cfg.SubHeartbeatPeriod <= 0 || cfg.SubHeartbeatPeriod >= cfg.HeartbeatTimeout {
		ve.Add("subHeartbeatPeriod must be positive and less than heartbeatTimeout")
	}
	if cfg.WatchdogInterval <= 0 {
		ve.Add("watchdogInterval must be positive")
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}
