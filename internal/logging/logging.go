// Package logging provides the structured logger used across the
// controller, main agent, and sub agent binaries.
package logging

import (
	"log/slog"
	"os"
)

// New returns a slog.Logger that tags every record with the given
// component name, the idiomatic Go substitute for routing each
// subsystem to its own log file.
func New(component string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h).With("component", component)
}
