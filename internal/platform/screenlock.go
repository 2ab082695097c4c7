package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

var (
	// ErrScreenLockUnsupported is returned when the platform cannot perform the requested lock operation.
	ErrScreenLockUnsupported = errors.New("screen lock operation unsupported")
	// ErrNoSession is returned when no interactive session matches the configured user.
	ErrNoSession = errors.New("no interactive session found")
)

// Credentials identify the desktop session a fingerprint match should unlock.
// Password is only consulted by backends that cannot unlock a session as a
// privileged caller.
type Credentials struct {
	User     string
	Password string
}

// ScreenLocker reports and changes the lock state of the interactive session.
type ScreenLocker interface {
	Locked(ctx context.Context) (bool, error)
	Lock(ctx context.Context) error
	Unlock(ctx context.Context, creds Credentials) error
	Close() error
}

// NewScreenLocker returns the best available locker for the running OS.
func NewScreenLocker(logger *slog.Logger) ScreenLocker {
	if logger == nil {
		logger = slog.Default()
	}

	return newScreenLocker(logger)
}

type commandSpec struct {
	name string
	args []string
}

type commandRunner func(ctx context.Context, name string, args ...string) error

// runFirstCommand tries each command in order and stops at the first success.
func runFirstCommand(ctx context.Context, logger *slog.Logger, action string, commands []commandSpec, run commandRunner) error {
	if len(commands) == 0 {
		return fmt.Errorf("%s: %w", action, ErrScreenLockUnsupported)
	}

	var errs []error
	for i, spec := range commands {
		err := run(ctx, spec.name, spec.args...)
		if err == nil {
			logger.Info("screen lock command succeeded", "action", action, "command", spec.name, "attempt", i+1)

			return nil
		}
		logger.Debug("screen lock command failed", "action", action, "command", spec.name, "args", spec.args, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", spec.name, err))
	}

	return fmt.Errorf("%s: %w", action, errors.Join(errs...))
}

func runCommand(ctx context.Context, name string, args ...string) error {
	// #nosec G204 -- commands come from fixed tables in this package.
	return exec.CommandContext(ctx, name, args...).Run()
}

// commandLocker only knows how to lock; it is the fallback when no session
// manager API is reachable.
type commandLocker struct {
	logger   *slog.Logger
	commands []commandSpec
	run      commandRunner
}

func (l *commandLocker) Locked(context.Context) (bool, error) {
	return false, fmt.Errorf("query lock state: %w", ErrScreenLockUnsupported)
}

func (l *commandLocker) Lock(ctx context.Context) error {
	return runFirstCommand(ctx, l.logger, "lock screen", l.commands, l.run)
}

func (l *commandLocker) Unlock(context.Context, Credentials) error {
	return fmt.Errorf("unlock screen: %w", ErrScreenLockUnsupported)
}

func (l *commandLocker) Close() error { return nil }
