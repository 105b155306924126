// Package logging builds the zerolog logger shared by the binaries.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/toy-stream-chat/internal/config"
)

// New returns a logger writing to w at the configured level. The console
// format is meant for terminals; json for log collectors.
func New(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	out := w
	switch cfg.Format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Reloadable moves the level of l to zerolog's global level so a later
// zerolog.SetGlobalLevel takes effect on every copy of the returned logger.
func Reloadable(l zerolog.Logger) zerolog.Logger {
	zerolog.SetGlobalLevel(l.GetLevel())
	return l.Level(zerolog.TraceLevel)
}
