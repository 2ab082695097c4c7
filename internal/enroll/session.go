// Package enroll drives multi-step fingerprint capture on the peripheral.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/sparkin/internal/devicelink"
)

const (
	TotalSteps       = 5
	DefaultCountdown = 4
	DefaultTick      = time.Second
)

var (
	ErrNotStarted     = errors.New("enrollment not started")
	ErrNotConfirmable = errors.New("enrollment has not succeeded yet")
	ErrFinished       = errors.New("enrollment already finished")
)

type State int

const (
	StateIdle State = iota
	StateCapturing
	// StateCountdown follows a successful register result until confirmation.
	StateCountdown
	StateCompleted
	StateFailed
	StateCancelled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateCountdown:
		return "countdown"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s >= StateCompleted
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventHint
	EventStepAdvanced
	EventRetake
	EventSucceeded
	EventCountdown
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventHint:
		return "hint"
	case EventStepAdvanced:
		return "step_advanced"
	case EventRetake:
		return "retake"
	case EventSucceeded:
		return "succeeded"
	case EventCountdown:
		return "countdown"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	SessionID  string
	Slot       uint8
	Kind       EventKind
	Step       int
	TotalSteps int
	Failed     bool
	Remaining  int
}

type Observer func(Event)

// Sender writes a raw device command.
type Sender interface {
	SendCommand(ctx context.Context, cmd []byte) error
}

type Options struct {
	Observer  Observer
	Countdown int
	Tick      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Countdown <= 0 {
		o.Countdown = DefaultCountdown
	}
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}

	return o
}

type Session struct {
	id     string
	slot   uint8
	sender Sender
	logger *slog.Logger
	opts   Options

	mu        sync.Mutex
	state     State
	step      int
	failed    bool
	hintShown bool
	remaining int
	stopTick  chan struct{}
	done      chan struct{}
	onEnd     func(*Session)
}

func NewSession(slot uint8, sender Sender, logger *slog.Logger, opts Options) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()

	return &Session{
		id:     id,
		slot:   slot,
		sender: sender,
		logger: logger.With("session_id", id, "slot", slot),
		opts:   opts.withDefaults(),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string  { return s.id }
func (s *Session) Slot() uint8 { return s.slot }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Step() (step int, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step, s.failed
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start sends the register command for the target slot.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrFinished
	}
	s.state = StateCapturing
	ev := s.event(EventStarted)
	s.mu.Unlock()

	s.logger.Info("enrollment started")
	cmd, err := devicelink.EncodeRegister(s.slot)
	if err == nil {
		err = s.sender.SendCommand(ctx, cmd)
	}
	if err != nil {
		s.mu.Lock()
		evs := s.finishLocked(StateFailed, EventFailed)
		s.mu.Unlock()
		s.emit(evs...)
		return fmt.Errorf("send register: %w", err)
	}
	s.emit(ev)

	return nil
}

// HandleFrame consumes capture progress and the final register result. It
// reports whether the frame belonged to this session.
func (s *Session) HandleFrame(f devicelink.Frame) bool {
	switch f.Opcode {
	case devicelink.OpPutFinger, devicelink.OpRemoveFinger, devicelink.OpRegister:
	default:
		return false
	}
	st, ok := f.Status()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.state != StateCapturing && s.state != StateCountdown {
		s.mu.Unlock()
		return false
	}

	var evs []Event
	switch f.Opcode {
	case devicelink.OpPutFinger:
		evs = s.capturedLocked(st)
	case devicelink.OpRemoveFinger:
	case devicelink.OpRegister:
		evs = s.resultLocked(st)
	}
	s.mu.Unlock()

	s.emit(evs...)
	return true
}

func (s *Session) capturedLocked(st devicelink.Status) []Event {
	if s.state != StateCapturing {
		return nil
	}

	switch st {
	case devicelink.StatusExecuting:
		if s.step == 0 && !s.hintShown {
			s.hintShown = true
			return []Event{s.event(EventHint)}
		}
	case devicelink.StatusSuccess:
		s.step = min(s.step+1, TotalSteps-1)
		s.failed = false
		s.logger.Debug("enrollment step captured", "step", s.step)
		return []Event{s.event(EventStepAdvanced)}
	case devicelink.StatusFailure:
		s.failed = true
		s.logger.Debug("enrollment capture failed", "step", s.step)
		return []Event{s.event(EventRetake)}
	}

	return nil
}

func (s *Session) resultLocked(st devicelink.Status) []Event {
	if s.state != StateCapturing {
		return nil
	}
	if st != devicelink.StatusSuccess {
		s.logger.Warn("enrollment rejected by device", "status", st)
		return s.finishLocked(StateFailed, EventFailed)
	}

	s.state = StateCountdown
	s.remaining = s.opts.Countdown
	s.stopTick = make(chan struct{})
	go s.countdown(s.stopTick)
	s.logger.Info("enrollment succeeded")

	ev := s.event(EventSucceeded)
	ev.Step = TotalSteps
	return []Event{ev}
}

func (s *Session) countdown(stop <-chan struct{}) {
	t := time.NewTicker(s.opts.Tick)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}

		s.mu.Lock()
		if s.state != StateCountdown {
			s.mu.Unlock()
			return
		}
		// Ticks show Countdown-1 down to 0; the tick after 0 completes.
		if s.remaining <= 0 {
			evs := s.finishLocked(StateCompleted, EventCompleted)
			s.mu.Unlock()
			s.emit(evs...)
			return
		}
		s.remaining--
		ev := s.event(EventCountdown)
		s.mu.Unlock()

		s.emit(ev)
	}
}

// Confirm accepts a successful enrollment before the countdown runs out.
func (s *Session) Confirm() error {
	s.mu.Lock()
	if s.state != StateCountdown {
		st := s.state
		s.mu.Unlock()
		if st.terminal() {
			return ErrFinished
		}
		return ErrNotConfirmable
	}
	evs := s.finishLocked(StateCompleted, EventCompleted)
	s.mu.Unlock()

	s.emit(evs...)
	return nil
}

// Cancel aborts the enrollment and tells the device to stop waiting.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateIdle:
		s.mu.Unlock()
		return ErrNotStarted
	case s.state.terminal():
		s.mu.Unlock()
		return ErrFinished
	}
	evs := s.finishLocked(StateCancelled, EventCancelled)
	s.mu.Unlock()

	s.emit(evs...)
	return s.sendCancel(ctx)
}

// Close tears the session down. Unless it completed or was cancelled, the
// device receives a register cancel. Calling Close again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed {
		s.mu.Unlock()
		return nil
	}
	var evs []Event
	if !prev.terminal() {
		evs = s.finishLocked(StateClosed, EventCancelled)
	} else {
		s.state = StateClosed
	}
	s.mu.Unlock()

	s.emit(evs...)
	if prev == StateIdle || prev == StateCompleted || prev == StateCancelled {
		return nil
	}

	return s.sendCancel(ctx)
}

func (s *Session) sendCancel(ctx context.Context) error {
	s.logger.Info("enrollment cancel sent")
	if err := s.sender.SendCommand(ctx, devicelink.EncodeRegisterCancel()); err != nil {
		return fmt.Errorf("send register cancel: %w", err)
	}

	return nil
}

// finishLocked moves to a terminal state once and returns the final event.
func (s *Session) finishLocked(to State, kind EventKind) []Event {
	if s.state.terminal() {
		return nil
	}
	s.state = to
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
	close(s.done)
	if s.onEnd != nil {
		s.onEnd(s)
	}

	ev := s.event(kind)
	if kind == EventCompleted {
		ev.Step = TotalSteps
	}
	return []Event{ev}
}

func (s *Session) event(kind EventKind) Event {
	return Event{
		SessionID:  s.id,
		Slot:       s.slot,
		Kind:       kind,
		Step:       s.step,
		TotalSteps: TotalSteps,
		Failed:     s.failed,
		Remaining:  s.remaining,
	}
}

func (s *Session) emit(evs ...Event) {
	if s.opts.Observer == nil {
		return
	}
	for _, ev := range evs {
		s.opts.Observer(ev)
	}
}
