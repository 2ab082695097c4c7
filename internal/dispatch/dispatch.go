// Package dispatch routes device frames and channel messages to at most one
// registered handler each.
package dispatch

import (
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/skobkin/sparkin/internal/bus"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/ipc"
)

type FrameHandler func(devicelink.Frame)

type MessageHandler func(ipc.Message)

// Interceptor sees every frame before the per-opcode handlers and returns
// true when it consumed the frame.
type Interceptor func(devicelink.Frame) bool

// Release removes a registration if it is still the current one.
type Release func()

type frameEntry struct{ fn FrameHandler }

type messageEntry struct{ fn MessageHandler }

type interceptEntry struct{ fn Interceptor }

type Dispatcher struct {
	logger *slog.Logger
	bus    bus.MessageBus

	mu          sync.RWMutex
	frames      map[devicelink.Opcode]*frameEntry
	messages    map[ipc.Kind]*messageEntry
	fallback    FrameHandler
	interceptor *interceptEntry
}

// New creates a dispatcher. messageBus may be nil.
func New(logger *slog.Logger, messageBus bus.MessageBus) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		logger:   logger,
		bus:      messageBus,
		frames:   make(map[devicelink.Opcode]*frameEntry),
		messages: make(map[ipc.Kind]*messageEntry),
	}
}

// HandleFrame registers fn for op, replacing any previous handler.
func (d *Dispatcher) HandleFrame(op devicelink.Opcode, fn FrameHandler) Release {
	e := &frameEntry{fn: fn}

	d.mu.Lock()
	if _, ok := d.frames[op]; ok {
		d.logger.Debug("frame handler replaced", "opcode", op)
	}
	d.frames[op] = e
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.frames[op] == e {
			delete(d.frames, op)
		}
	}
}

// HandleMessage registers fn for kind, replacing any previous handler.
// Frames carried by DeviceDataReceived go through HandleFrame instead.
func (d *Dispatcher) HandleMessage(kind ipc.Kind, fn MessageHandler) Release {
	e := &messageEntry{fn: fn}

	d.mu.Lock()
	d.messages[kind] = e
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.messages[kind] == e {
			delete(d.messages, kind)
		}
	}
}

// SetFallbackFrame handles known opcodes that have no dedicated handler.
func (d *Dispatcher) SetFallbackFrame(fn FrameHandler) {
	d.mu.Lock()
	d.fallback = fn
	d.mu.Unlock()
}

func (d *Dispatcher) SetInterceptor(fn Interceptor) Release {
	e := &interceptEntry{fn: fn}

	d.mu.Lock()
	d.interceptor = e
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.interceptor == e {
			d.interceptor = nil
		}
	}
}

// DispatchMessage routes one channel message. Device frames are unwrapped
// and passed to Dispatch.
func (d *Dispatcher) DispatchMessage(msg ipc.Message) {
	if msg.Kind == ipc.KindDeviceDataReceived {
		frame, err := devicelink.Decode(msg.Data)
		if err != nil {
			d.logger.Debug("drop empty device frame", "error", err)
			return
		}
		d.Dispatch(frame)
		return
	}

	d.mu.RLock()
	e := d.messages[msg.Kind]
	d.mu.RUnlock()

	if e == nil {
		d.logger.Debug("no handler for channel message", "kind", msg.Kind, "len", len(msg.Data))
		return
	}
	e.fn(msg)
}

// Dispatch routes one device frame on the caller's goroutine.
func (d *Dispatcher) Dispatch(frame devicelink.Frame) {
	if len(frame.Raw) < devicelink.MinFrameLen {
		d.logger.Debug("drop short device frame", "len", len(frame.Raw), "hex", hex.EncodeToString(frame.Raw))
		return
	}
	if !frame.Opcode.Known() {
		d.logger.Warn("drop unknown device opcode", "opcode", frame.Opcode, "hex", hex.EncodeToString(frame.Raw))
		return
	}
	if lc := devicelink.CheckDeclaredLength(frame); lc.Mismatch {
		d.logger.Debug("device frame length field mismatch", "opcode", frame.Opcode, "declared", lc.Declared, "actual", lc.Actual)
	}

	if d.bus != nil {
		d.bus.Publish(events.TopicDeviceFrame, frame)
	}

	d.mu.RLock()
	ic := d.interceptor
	e := d.frames[frame.Opcode]
	fallback := d.fallback
	d.mu.RUnlock()

	if ic != nil && ic.fn(frame) {
		return
	}
	switch {
	case e != nil:
		e.fn(frame)
	case fallback != nil:
		fallback(frame)
	default:
		d.logger.Debug("no handler for device frame", "opcode", frame.Opcode, "len", len(frame.Raw))
	}
}
