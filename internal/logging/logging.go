// Package logging builds the process-wide zerolog.Logger and hands it out to
// every component constructor. Nothing in internal/ reaches for a package-level
// logger singleton; each component holds its own injected instance.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger. level must be one of
// trace/debug/info/warn/error/fatal; pretty selects the
// human-readable console writer over newline-delimited JSON.
func New(level string, pretty bool, service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
