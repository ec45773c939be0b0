package logging

import (
	"log/slog"
	"os"
)

// Logger is the application logger. It wraps slog so every call site
// logs structured key-value pairs.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger writing to stdout.
func NewLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})),
	}
}
