//go:build windows

package main

import (
	"context"

	"github.com/skobkin/sparkin/internal/app"
)

func reloadOnHangup(context.Context, *app.ServiceRuntime) {}
