// Package log configures the zerolog loggers used by mount-idmapped.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

func init() {
	zerolog.LevelFieldName = "l"
	zerolog.MessageFieldName = "m"

	zerolog.TimestampFieldName = "t"
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	zerolog.CallerFieldName = "c"
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
}

// Config is the logging configuration.
type Config struct {
	// File is the log file path. The log is written to stderr if File is empty.
	File string `json:",omitempty"`
	// Level is one of trace|debug|info|warn|error.
	Level string `json:",omitempty"`
	// Console enables human readable output on stderr.
	// Output is colored if stderr is a terminal.
	// File is ignored if Console is true.
	Console bool `json:",omitempty"`
}

// ParseLevel is a wrapper for zerolog.ParseLevel
func ParseLevel(level string) (zerolog.Level, error) {
	return zerolog.ParseLevel(strings.ToLower(level))
}

// OpenFile opens a new or appends to an existing log file.
// The parent directory is created if it does not exist.
func OpenFile(name string, mode os.FileMode) (*os.File, error) {
	logDir := filepath.Dir(name)
	err := os.MkdirAll(logDir, 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file directory %s: %w", logDir, err)
	}
	return os.OpenFile(name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, mode)
}

// NewLogger creates a new zerolog.Context that writes JSON to out.
// The returned context is configured to log with timestamp and caller information.
func NewLogger(out io.Writer, level zerolog.Level) zerolog.Context {
	return zerolog.New(out).Level(level).With().Timestamp().Caller()
}

// ConsoleLogger returns a new zerolog.Logger suited for console usage (e.g unit tests).
// Output is written to stderr.
func ConsoleLogger(color bool, level zerolog.Level) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !color, TimeFormat: "15:04:05.000"}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Open creates the logger described by cfg.
// The returned closer must be called to release the log file.
func Open(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	if cfg.Console {
		return ConsoleLogger(isatty.IsTerminal(os.Stderr.Fd()), level), nopCloser{}, nil
	}
	if cfg.File == "" {
		return NewLogger(os.Stderr, level).Logger(), nopCloser{}, nil
	}

	f, err := OpenFile(cfg.File, 0600)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return NewLogger(f, level).Logger(), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
