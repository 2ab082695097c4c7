//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skobkin/sparkin/internal/app"
)

// reloadOnHangup re-reads the config file on SIGHUP.
func reloadOnHangup(ctx context.Context, rt *app.ServiceRuntime) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := rt.Config.Reload(); err != nil {
				slog.Warn("reload config on SIGHUP", "error", err)
				continue
			}
			slog.Info("config reloaded", "path", rt.Config.Path())
		}
	}
}
