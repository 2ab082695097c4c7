// Package logging builds the component-scoped slog loggers of both binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skobkin/sparkin/internal/config"
)

// Manager hands out component loggers that share one handler. Reconfiguring
// swaps the destination and level underneath, so loggers taken earlier follow
// along. Console output goes to stderr to keep stdout for command output.
type Manager struct {
	console io.Writer
	level   *slog.LevelVar
	out     *swapWriter
	root    *slog.Logger

	mu   sync.Mutex
	file *os.File
}

func NewManager() *Manager {
	return NewManagerWithConsole(os.Stderr)
}

func NewManagerWithConsole(console io.Writer) *Manager {
	m := &Manager{
		console: console,
		level:   new(slog.LevelVar),
		out:     &swapWriter{w: console},
	}
	m.root = slog.New(slog.NewTextHandler(m.out, &slog.HandlerOptions{Level: m.level}))

	return m
}

// Configure applies cfg. With LogToFile set, records go to both the console
// and filePath.
func (m *Manager) Configure(cfg config.LoggingConfig, filePath string) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var file *os.File
	if cfg.LogToFile && filePath != "" {
		if file, err = openLogFile(filePath); err != nil {
			return err
		}
	}

	m.mu.Lock()
	prev := m.file
	m.file = file
	if file != nil {
		m.out.set(teeWriter{m.console, file})
	} else {
		m.out.set(m.console)
	}
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	m.level.Set(level)
	slog.SetDefault(m.root)

	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	// #nosec G304 -- path is resolved by app paths and points to the state dir.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return f, nil
}

func (m *Manager) SetLevel(raw string) error {
	level, err := ParseLevel(raw)
	if err != nil {
		return err
	}
	m.level.Set(level)

	return nil
}

func (m *Manager) Logger(component string) *slog.Logger {
	return m.root.With("component", component)
}

// Close releases the log file and routes further records to the console.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}
	m.out.set(m.console)
	err := m.file.Close()
	m.file = nil

	return err
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, fmt.Errorf("unsupported log level: %q", raw)
}

type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(p)
}

// teeWriter reports success when any destination took the full record, so a
// closed console does not silence the log file.
type teeWriter []io.Writer

func (t teeWriter) Write(p []byte) (int, error) {
	var firstErr error
	delivered := false
	for _, w := range t {
		n, err := w.Write(p)
		if err == nil && n < len(p) {
			err = io.ErrShortWrite
		}
		if err == nil {
			delivered = true
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if delivered || firstErr == nil {
		return len(p), nil
	}

	return 0, firstErr
}
