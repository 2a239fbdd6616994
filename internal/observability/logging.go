package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger on stdout.
// Production default: info. Set via BATCHLEDGER_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv("BATCHLEDGER_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, component, level)
}

// NewLoggerForFormat creates a logger from config values. Format "console"
// writes human-readable lines for local runs; anything else writes JSON.
func NewLoggerForFormat(component, level, format string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return newLogger(w, component, ParseLogLevel(level))
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a config or env value to a zerolog level, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
