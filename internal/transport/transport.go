package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by frame operations before Connect succeeds.
var ErrNotConnected = errors.New("transport is not connected")

// Transport moves whole device frames. Each ReadFrame result is exactly one
// frame as the peripheral emitted it; WriteFrame sends one host command.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

type StatusTargetResolver interface {
	StatusTarget() string
}

// BatteryReporter is implemented by links that can read the peripheral's
// battery level. A negative level means unknown.
type BatteryReporter interface {
	BatteryLevel(ctx context.Context) (int, error)
}
