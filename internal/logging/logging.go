// Package logging builds the process-wide slog handler. Components never
// construct loggers themselves; they receive one through their Config.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/fieldlight/otgraph/internal/faults"
)

type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is text (tint) or json. Defaults to text.
	Format string
	// AddSource includes file:line in every record.
	AddSource bool
}

// New returns a logger writing to w per opts.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  opts.AddSource,
			TimeFormat: time.RFC3339,
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: opts.AddSource,
		})), nil
	}
	return nil, faults.Config("logging.new", fmt.Sprintf("unknown log format %q", opts.Format), nil)
}

// ParseLevel maps a level name to its slog value.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, faults.Config("logging.level", fmt.Sprintf("unknown log level %q", s), nil)
}
