//go:build windows

package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

type mutexLock struct {
	handle windows.Handle
}

func acquireInstanceLock(appID string, scope LockScope) (InstanceLock, error) {
	name, err := mutexName(appID, scope)
	if err != nil {
		return nil, err
	}
	ptr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("encode mutex name: %w", err)
	}

	handle, err := windows.CreateMutex(nil, false, ptr)
	if err != nil {
		if handle != 0 {
			_ = windows.CloseHandle(handle)
		}
		if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			return nil, &AlreadyRunningError{AppID: appID, Scope: scope}
		}
		return nil, fmt.Errorf("create mutex %s: %w", name, err)
	}

	return &mutexLock{handle: handle}, nil
}

func (l *mutexLock) Release() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	handle := l.handle
	l.handle = 0

	if err := windows.CloseHandle(handle); err != nil {
		return fmt.Errorf("close mutex: %w", err)
	}

	return nil
}

// mutexName uses the Global namespace for the service so that every session
// sees it, and the caller's SID for per-user locks.
func mutexName(appID string, scope LockScope) (string, error) {
	if scope == ScopeMachine {
		return `Global\` + appID, nil
	}

	user, err := windows.GetCurrentProcessToken().GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("read process token: %w", err)
	}

	return `Local\` + appID + `-` + lockName(user.User.Sid.String(), "sid"), nil
}
