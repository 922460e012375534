// Package observability carries the logger and metrics shared by every
// confine package.
package observability

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := newLogger(os.Stderr, zerolog.WarnLevel)
	logger.Store(&l)
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    w != os.Stderr,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("lib", "confine").Logger()
}

// Logger returns the current library logger.
func Logger() *zerolog.Logger {
	return logger.Load()
}

// SetLogger replaces the library logger, e.g. to route it into an
// application's own zerolog pipeline.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// ConfigureLogger rebuilds the console logger on w at the named level.
// Unknown level names fall back to warn.
func ConfigureLogger(w io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	l := newLogger(w, lvl)
	logger.Store(&l)
}
