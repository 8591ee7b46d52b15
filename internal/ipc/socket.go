package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const socketName = "caseform.sock"

// ErrAlreadyRunning is returned when a live dictation session owns the socket.
var ErrAlreadyRunning = errors.New("caseform dictation session already running")

// RuntimeSocketPath is $XDG_RUNTIME_DIR/caseform.sock.
func RuntimeSocketPath() (string, error) {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(dir, socketName), nil
}

// Socket is the single-owner control socket of a dictation session.
type Socket struct {
	Path         string
	ProbeTimeout time.Duration
	// Retries bounds how often Listen binds again after clearing a stale
	// socket file.
	Retries int
	Logger  *slog.Logger
}

// Listen binds Path. A socket file left by a dead owner is removed and the
// bind retried; a responsive owner yields ErrAlreadyRunning. A probe that
// neither connects nor is refused leaves the file in place.
func (s Socket) Listen(ctx context.Context) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}

	for attempt := 0; ; attempt++ {
		listener, err := net.Listen("unix", s.Path)
		if err == nil {
			_ = os.Chmod(s.Path, 0o600)
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen unix %s: %w", s.Path, err)
		}

		if attempt > s.Retries {
			return nil, fmt.Errorf("acquire socket %s: still in use after %d retries", s.Path, s.Retries)
		}
		if err := s.clearStale(ctx); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

func (s Socket) clearStale(ctx context.Context) error {
	alive, err := Probe(ctx, s.Path, s.ProbeTimeout)
	switch {
	case alive:
		return ErrAlreadyRunning
	case err != nil:
		return fmt.Errorf("probe existing socket %s: %w", s.Path, err)
	}

	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.Path, err)
	}
	s.logger().Warn("removed stale dictation socket", "path", s.Path)
	return nil
}

func (s Socket) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 25 * time.Millisecond
}
