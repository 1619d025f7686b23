// Package logger builds the zerolog root logger the rebalancer shares.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the root logger.
type Config struct {
	Level  string // zerolog level name; unknown values fall back to info
	Pretty bool   // human-readable console output instead of JSON
}

// New creates the root logger. The level is carried on the returned logger
// rather than the global zerolog level, so a quiet test logger never mutes
// loggers constructed elsewhere.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// SetGlobalLogger routes the zerolog package-level logger through l, so
// stray log.Info() calls in dependencies follow the configured output.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
