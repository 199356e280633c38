package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger.
// - level  : trace|debug|info|warn|error (default: info)
// - format : json|console                (default: console)
// Logs go to w, or stderr when w is nil, so stdout stays free for command output.
func Init(level, format string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}

	// Always use UTC timestamps in RFC3339.
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	zerolog.SetGlobalLevel(ParseLevel(level))

	var logger zerolog.Logger
	if strings.EqualFold(format, "json") {
		logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		cw := zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
			cw.Out = w
			cw.TimeFormat = time.RFC3339
		})
		logger = zerolog.New(cw).With().Timestamp().Logger()
	}
	log.Logger = logger
}

// InitFromEnv configures zerolog from LOG_LEVEL and LOG_FORMAT. Used before
// the config file has been read.
func InitFromEnv() {
	Init(getenv("LOG_LEVEL", "info"), getenv("LOG_FORMAT", "console"), nil)
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// getenv returns the env var value if set and non-empty, otherwise def.
func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
