//go:build !linux && !windows

package platform

import "log/slog"

func newScreenLocker(logger *slog.Logger) ScreenLocker {
	return &commandLocker{logger: logger, run: runCommand}
}
