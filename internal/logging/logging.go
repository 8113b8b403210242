// Package logging builds the process-wide slog logger. The chat client
// runs either as a terminal program during development or under a
// supervisor in production, so the handler is picked off the
// ENVIRONMENT setting rather than a flag.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger returns a logger for the given environment. Production
// emits JSON at info level for log shippers; everything else emits
// text at debug level for a human watching the terminal.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
