// Package logging writes caseform's structured JSONL log to a rotating file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rbright/caseform/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logFile = "log.jsonl"

// Runtime is an open log: the logger plus the file behind it.
type Runtime struct {
	Logger *slog.Logger
	Path   string
	sink   io.Closer
}

// Close closes the log file. A zero Runtime closes cleanly.
func (r Runtime) Close() error {
	if r.sink == nil {
		return nil
	}
	return r.sink.Close()
}

// New opens the log described by cfg. Rotated files are gzip-compressed.
func New(cfg config.LogConfig) (Runtime, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return Runtime{}, err
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		if path, err = defaultPath(); err != nil {
			return Runtime{}, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Runtime{}, fmt.Errorf("create log dir: %w", err)
	}

	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	logger := slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})).
		With("pid", os.Getpid())
	return Runtime{Logger: logger, Path: path, sink: sink}, nil
}

func parseLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", raw, err)
	}
	return level, nil
}

// defaultPath is $XDG_STATE_HOME/caseform/log.jsonl, or the same under
// ~/.local/state.
func defaultPath() (string, error) {
	state := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
	if state == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve log path: %w", err)
		}
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "caseform", logFile), nil
}
