package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skobkin/sparkin/internal/app"
	"github.com/skobkin/sparkin/internal/bus"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/slots"
)

var errDeviceOffline = errors.New("device is not connected to the service")

// matcher inspects one bus event. done ends the wait; a non-nil error ends it
// with that error.
type matcher func(ev any) (done bool, err error)

// waiter holds a subscription taken before the request that triggers the
// awaited events, so replies cannot race past it.
type waiter struct {
	bus     bus.MessageBus
	sub     bus.Subscription
	topics  []string
	timeout time.Duration
}

func subscribe(b bus.MessageBus, timeout time.Duration, topics ...string) *waiter {
	topics = append(topics, events.TopicServiceError)

	return &waiter{bus: b, sub: b.Subscribe(topics...), topics: topics, timeout: timeout}
}

func (w *waiter) Close() {
	w.bus.Unsubscribe(w.sub, w.topics...)
}

func (w *waiter) Wait(ctx context.Context, match matcher) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	for {
		raw, ok := bus.Receive(ctx, w.sub)
		if !ok {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("no answer within %s", w.timeout)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return errors.New("event stream closed")
		}
		if se, ok := raw.(events.ServiceError); ok {
			return fmt.Errorf("service: %s", se.Message)
		}
		done, err := match(raw)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// attach subscribes to topics, connects to the service and waits until the
// device link state is known.
func attach(e env, rt *app.ControlRuntime, topics ...string) (*waiter, error) {
	w := subscribe(rt.Bus, e.opts.Timeout, append(topics, events.TopicConnStatus)...)
	if err := rt.Connect(e.opts.Timeout); err != nil {
		w.Close()
		return nil, err
	}

	return w, nil
}

// requireDevice fails fast when the service reports the device is offline.
func requireDevice(inner matcher) matcher {
	return func(ev any) (bool, error) {
		if st, ok := ev.(events.ConnectionStatus); ok && st.State == events.ConnectionStateDisconnected {
			return false, errDeviceOffline
		}

		return inner(ev)
	}
}

func untilDeviceInfo(ev any) (bool, error) {
	_, ok := ev.(devicelink.DeviceInfo)
	return ok, nil
}

// untilSlots waits for the finger name list the attach flow requests.
func untilSlots(ev any) (bool, error) {
	_, ok := ev.([]slots.Slot)
	return ok, nil
}

// untilFrameResult waits for the device's status reply to op.
func untilFrameResult(op devicelink.Opcode) matcher {
	return func(ev any) (bool, error) {
		f, ok := ev.(devicelink.Frame)
		if !ok || f.Opcode != op {
			return false, nil
		}
		st, ok := f.Status()
		if !ok {
			return false, nil
		}
		switch st {
		case devicelink.StatusSuccess:
			return true, nil
		case devicelink.StatusExecuting:
			return false, nil
		default:
			return false, fmt.Errorf("device answered %s to %s", st, op)
		}
	}
}
