// Package telemetry wires the ambient logging and metrics stack shared by
// the manager, every pool, and every proxy.
package telemetry

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide structured logger: one zerolog.Logger
// constructed at startup and threaded down through constructors.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}
