package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger for a component.
// Level comes from PERP_LOGGING_LEVEL until SetLevel is called from config.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component)
}

// NewLoggerTo writes to w instead of stdout.
func NewLoggerTo(w io.Writer, component string) zerolog.Logger {
	return zerolog.New(w).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// SetLevel sets the process-wide minimum level ("debug", "info", "warn", "error").
func SetLevel(s string) {
	zerolog.SetGlobalLevel(ParseLogLevel(s))
}

func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	SetLevel(os.Getenv("PERP_LOGGING_LEVEL"))
}
