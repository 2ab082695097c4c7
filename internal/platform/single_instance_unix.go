//go:build unix && !windows

package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// systemRuntimeDir holds machine-scoped locks when writable.
var systemRuntimeDir = "/run"

type flockLock struct {
	file *os.File
}

func acquireInstanceLock(appID string, scope LockScope) (InstanceLock, error) {
	path, err := lockFilePath(appID, scope)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- path is built from runtime directories owned by the process.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolderPID(file)
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &AlreadyRunningError{AppID: appID, Scope: scope, PID: holder}
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// The pid only feeds AlreadyRunningError; the flock decides ownership.
	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return &flockLock{file: file}, nil
}

func (l *flockLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil

	// Closing the descriptor drops the flock as well.
	_ = file.Truncate(0)
	if err := file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	return nil
}

func readHolderPID(file *os.File) int {
	buf := make([]byte, 16)
	n, _ := file.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil || pid <= 0 {
		return 0
	}

	return pid
}

func lockFilePath(appID string, scope LockScope) (string, error) {
	dir := lockDir(appID, scope)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create lock dir: %w", err)
	}

	return filepath.Join(dir, scope.String()+".lock"), nil
}

func lockDir(appID string, scope LockScope) string {
	if scope == ScopeMachine {
		if unix.Access(systemRuntimeDir, unix.W_OK) == nil {
			return filepath.Join(systemRuntimeDir, appID)
		}
		return filepath.Join(os.TempDir(), appID+"-machine")
	}

	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, appID)
	}

	return filepath.Join(os.TempDir(), appID+"-"+strconv.Itoa(os.Getuid()))
}
