// Package logging builds the application logger: slog text output on stderr
// with terminal-aware level coloring, plus an optional rotating file sink.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/muesli/termenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure the logger.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Trace maps below
	// debug.
	Level string

	// File, when set, additionally writes to a size-rotated log file.
	File string
}

// LevelTrace sits below slog's debug for the chattiest diagnostics.
const LevelTrace = slog.LevelDebug - 4

// New creates the configured application logger. It writes to stderr so
// stdout stays free for command output.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		})
	}

	profile := termenv.NewOutput(os.Stderr).ColorProfile()

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			if a.Key == slog.LevelKey && profile != termenv.Ascii {
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(colorLevel(profile, level))
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

func colorLevel(profile termenv.Profile, level slog.Level) string {
	var color string
	switch {
	case level >= slog.LevelError:
		color = "1" // red
	case level >= slog.LevelWarn:
		color = "3" // yellow
	case level >= slog.LevelInfo:
		color = "2" // green
	default:
		color = "8" // grey
	}
	return termenv.String(level.String()).Foreground(profile.Color(color)).String()
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
