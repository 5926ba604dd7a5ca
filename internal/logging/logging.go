// Package logging builds the loggers used by the daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options configure [New].
type Options struct {
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// Level is parsed by [ParseLevel], defaulting to "info".
	Level string
	// Format is FormatJSON (the default) or FormatConsole.
	Format string
	// NoColor disables colour, for FormatConsole.
	NoColor bool
}

// New builds a logger. JSON output is written by stumpy, console output by
// zerolog's ConsoleWriter.
func New(opts Options) (*logiface.Logger[logiface.Event], error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := logiface.LevelInformational
	if opts.Level != "" {
		var err error
		if level, err = ParseLevel(opts.Level); err != nil {
			return nil, err
		}
	}

	switch opts.Format {
	case "", FormatJSON:
		return stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
			stumpy.L.WithLevel(level),
		).Logger(), nil

	case FormatConsole:
		z := zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    opts.NoColor,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
		return logiface.New[*zerologEvent](
			withZerolog(z),
			logiface.WithLevel[*zerologEvent](level),
		).Logger(), nil

	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
}

// ParseLevel parses a level name, as output by logiface.Level.String, plus
// the aliases "warn", "error" and "none".
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "disabled":
		return logiface.LevelDisabled, nil
	case "emerg":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("logging: unknown level %q", s)
	}
}
