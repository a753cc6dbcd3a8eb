// Package logging configures structured logging for the clamdctl binary.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
}

// New builds a logger writing to w. Pretty selects human-readable console
// output; otherwise one JSON object is written per line.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Setup configures the global zerolog logger to write to stderr and returns it.
func Setup(cfg Config) zerolog.Logger {
	logger := New(cfg, os.Stderr)
	log.Logger = logger
	return logger
}
