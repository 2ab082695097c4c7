package platform

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrInstanceAlreadyRunning is matched by every AlreadyRunningError.
	ErrInstanceAlreadyRunning = errors.New("instance already running")
	ErrInstanceLockUnsupported = errors.New("instance lock unsupported")
)

// LockScope selects who competes for an instance lock.
type LockScope int

const (
	// ScopeUser allows one instance per logged-in user.
	ScopeUser LockScope = iota
	// ScopeMachine allows one instance per machine.
	ScopeMachine
)

func (s LockScope) String() string {
	if s == ScopeMachine {
		return "machine"
	}

	return "user"
}

// AlreadyRunningError names the holder of a contended lock when the backend
// can tell. PID is 0 when unknown.
type AlreadyRunningError struct {
	AppID string
	Scope LockScope
	PID   int
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s already running for this %s (pid %d)", e.AppID, e.Scope, e.PID)
	}

	return fmt.Sprintf("%s already running for this %s", e.AppID, e.Scope)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrInstanceAlreadyRunning
}

type InstanceLock interface {
	Release() error
}

// AcquireInstanceLock takes the single-instance lock for appID. A second
// caller in the same scope gets an *AlreadyRunningError.
func AcquireInstanceLock(appID string, scope LockScope) (InstanceLock, error) {
	return acquireInstanceLock(lockName(appID, "app"), scope)
}

// lockName maps raw to a string usable as a file or mutex name.
func lockName(raw, fallback string) string {
	name := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.') {
			return r
		}
		return '_'
	}, strings.TrimSpace(raw))

	if name = strings.Trim(name, "_-."); name == "" {
		return fallback
	}

	return name
}
