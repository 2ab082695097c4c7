//go:build windows

package platform

import "log/slog"

var windowsLockCommands = []commandSpec{
	{name: "rundll32.exe", args: []string{"user32.dll,LockWorkStation"}},
}

// Unlocking on Windows needs a credential provider, which lives outside this
// process; only locking is available here.
func newScreenLocker(logger *slog.Logger) ScreenLocker {
	return &commandLocker{
		logger:   logger.With("backend", "windows"),
		commands: windowsLockCommands,
		run:      runCommand,
	}
}
