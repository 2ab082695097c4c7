package firmware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/skobkin/sparkin/internal/devicelink"
)

var ErrAckTimeout = errors.New("acknowledgment timeout")

// Acker is a single-slot acknowledgment signal. A new signal replaces a
// pending one that nobody consumed.
type Acker struct {
	ch     chan devicelink.Frame
	logger *slog.Logger
}

func NewAcker(logger *slog.Logger) *Acker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Acker{ch: make(chan devicelink.Frame, 1), logger: logger}
}

// Signal never blocks.
func (a *Acker) Signal(f devicelink.Frame) {
	for {
		select {
		case a.ch <- f:
			return
		default:
		}
		select {
		case <-a.ch:
		default:
		}
	}
}

// Reset discards a pending signal.
func (a *Acker) Reset() {
	select {
	case <-a.ch:
	default:
	}
}

// Wait returns the next signal carrying opcode want, ErrAckTimeout after d,
// or the context error. Signals for other opcodes are dropped.
func (a *Acker) Wait(ctx context.Context, want devicelink.Opcode, d time.Duration) (devicelink.Frame, error) {
	t := time.NewTimer(d)
	defer t.Stop()

	for {
		select {
		case f := <-a.ch:
			if f.Opcode == want {
				return f, nil
			}
			a.logger.Debug("dropped stray acknowledgment", "want", want, "got", f.Opcode)
		case <-t.C:
			return devicelink.Frame{}, ErrAckTimeout
		case <-ctx.Done():
			return devicelink.Frame{}, ctx.Err()
		}
	}
}
