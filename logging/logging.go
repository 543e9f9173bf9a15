// Package logging builds the process-wide slog handler: stdout in text or JSON, plus an
// optional rotating JSON file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	multi "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, stdout format and the optional log file.
type Options struct {
	Level  string // debug | info | warn | error
	Format string // text | json
	File   string // rotated JSON log; empty disables
}

// ParseLevel maps a level name to a slog level. Unknown names fall back to info
// and are reported through ok.
func ParseLevel(s string) (lvl slog.Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// New builds a logger writing to stdout. The returned closer releases the log file
// and is never nil.
func New(opts Options, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	lvl, ok := ParseLevel(opts.Level)
	hopts := &slog.HandlerOptions{Level: lvl}

	var console slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		console = slog.NewTextHandler(stdout, hopts)
	case "json":
		console = slog.NewJSONHandler(stdout, hopts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	handler := console
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    64, // megabytes
			MaxBackups: 16,
			MaxAge:     30, // days
			Compress:   true,
		}
		closer = file
		handler = multi.Fanout(console, slog.NewJSONHandler(file, hopts))
	}

	logger := slog.New(handler)
	if !ok {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", opts.Level))
	}
	return logger, closer, nil
}

// Setup installs the logger as the slog default.
func Setup(opts Options) (io.Closer, error) {
	logger, closer, err := New(opts, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	slog.Info("logger initialized",
		slog.String("level", strings.ToLower(opts.Level)),
		slog.String("format", strings.ToLower(opts.Format)),
		slog.Bool("file", opts.File != ""))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
