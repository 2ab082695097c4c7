// Package service owns the device link on the privileged side: it keeps the
// peripheral connected, answers the frames the host must handle itself and
// relays everything else to the attached control process.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/sparkin/internal/bus"
	"github.com/skobkin/sparkin/internal/config"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/dispatch"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/ipc"
	"github.com/skobkin/sparkin/internal/platform"
	"github.com/skobkin/sparkin/internal/slots"
	"github.com/skobkin/sparkin/internal/transport"
)

const (
	defaultBackoffMin = time.Second
	defaultBackoffMax = 15 * time.Second
	outboxCapacity    = 128
	writeTimeout      = 5 * time.Second
	batteryTimeout    = 3 * time.Second
)

var ErrDeviceNotConnected = errors.New("device is not connected")

// Settings exposes the persisted configuration the service acts on.
type Settings interface {
	Current() config.AppConfig
	Reload() (config.AppConfig, error)
	Update(fn func(*config.AppConfig)) (config.AppConfig, error)
}

// Channel is the server end of the local message channel.
type Channel interface {
	Send(m ipc.Message) error
	Connected() bool
}

// SlotCache remembers finger names per device id.
type SlotCache interface {
	ReplaceAll(ctx context.Context, deviceID string, list []slots.Slot) error
	List(ctx context.Context, deviceID string) ([]slots.Slot, error)
	Devices(ctx context.Context) ([]string, error)
}

// Writer runs cache writes off the reader goroutine.
type Writer interface {
	Enqueue(name string, fn func(context.Context) error)
}

// reconfigurable is implemented by transports that can switch targets.
type reconfigurable interface {
	Apply(cfg config.DeviceConfig) error
}

type Options struct {
	Logger    *slog.Logger
	Bus       bus.MessageBus
	Transport transport.Transport
	Channel   Channel
	Locker    platform.ScreenLocker
	Settings  Settings
	// Slots and Writer are optional.
	Slots  SlotCache
	Writer Writer

	BackoffMin time.Duration
	BackoffMax time.Duration
}

type Service struct {
	logger     *slog.Logger
	bus        bus.MessageBus
	transport  transport.Transport
	channel    Channel
	locker     platform.ScreenLocker
	settings   Settings
	slotCache  SlotCache
	writer     Writer
	dispatcher *dispatch.Dispatcher

	outbox     chan []byte
	wake       chan struct{}
	unlocking  atomic.Bool
	backoffMin time.Duration
	backoffMax time.Duration

	mu         sync.RWMutex
	ctx        context.Context
	connected  bool
	suspended  bool
	deviceID   string
	connCancel context.CancelFunc
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:     logger,
		bus:        opts.Bus,
		transport:  opts.Transport,
		channel:    opts.Channel,
		locker:     opts.Locker,
		settings:   opts.Settings,
		slotCache:  opts.Slots,
		writer:     opts.Writer,
		dispatcher: dispatch.New(logger.With("role", "service"), opts.Bus),
		outbox:     make(chan []byte, outboxCapacity),
		wake:       make(chan struct{}, 1),
		backoffMin: opts.BackoffMin,
		backoffMax: opts.BackoffMax,
		ctx:        context.Background(),
	}
	if s.backoffMin <= 0 {
		s.backoffMin = defaultBackoffMin
	}
	if s.backoffMax < s.backoffMin {
		s.backoffMax = max(defaultBackoffMax, s.backoffMin)
	}
	s.registerFrameHandlers()
	s.registerMessageHandlers()

	return s
}

// Start runs the connector and outbox until ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	go s.runOutbox(ctx)
	go s.runConnector(ctx)
}

// Connected reports whether the device link is up.
func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.connected
}

// DeviceID is the id reported by the last GET_INFO response.
func (s *Service) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.deviceID
}

// HandleMessage processes one message from the control process. It runs on
// the channel's receive goroutine.
func (s *Service) HandleMessage(msg ipc.Message) {
	if msg.Kind == ipc.KindDeviceDataReceived {
		s.logger.Warn("refusing device frame injected over channel", "len", len(msg.Data))

		return
	}
	s.logger.Debug("channel message", "kind", msg.Kind, "len", len(msg.Data))
	s.dispatcher.DispatchMessage(msg)
}

// ClientAttached pushes the current link state to a freshly attached client.
func (s *Service) ClientAttached() {
	go s.sendConnectState(s.rootContext())
}

func (s *Service) rootContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.ctx
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) canConnect() bool {
	s.mu.RLock()
	suspended := s.suspended
	s.mu.RUnlock()

	return !suspended && s.settings.Current().Device.Paired()
}

func (s *Service) runConnector(ctx context.Context) {
	backoff := s.backoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.canConnect() {
			s.publishConnStatus(events.ConnectionStateDisconnected, nil, -1)
			if !s.waitWake(ctx, 0) {
				return
			}
			backoff = s.backoffMin
			continue
		}

		s.publishConnStatus(events.ConnectionStateConnecting, nil, -1)
		if err := s.transport.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("device connect failed", "transport", s.transport.Name(), "error", err, "retry_in", backoff)
			s.publishConnStatus(events.ConnectionStateReconnecting, err, -1)
			if !s.waitWake(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.backoffMax)
			continue
		}

		backoff = s.backoffMin
		connCtx, cancel := context.WithCancel(ctx)
		s.onConnected(connCtx, cancel)
		err := s.runReader(connCtx)
		cancel()
		_ = s.transport.Close()
		s.onDisconnected(err)

		if ctx.Err() != nil {
			return
		}
		if !s.waitWake(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, s.backoffMax)
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	return min(cur*2, limit)
}

// waitWake sleeps for d (forever when d is zero) or until kicked.
func (s *Service) waitWake(ctx context.Context, d time.Duration) bool {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-timeout:
		return true
	}
}

func (s *Service) onConnected(ctx context.Context, cancel context.CancelFunc) {
	s.mu.Lock()
	s.connected = true
	s.connCancel = cancel
	s.mu.Unlock()

	s.logger.Info("device connected", "transport", s.transport.Name(), "target", s.target())
	s.send(devicelink.EncodeDeviceNotify())

	battery := s.batteryLevel(ctx)
	s.publishConnStatus(events.ConnectionStateConnected, nil, battery)
	s.notifyClient(s.connectedMessage(battery))
}

func (s *Service) onDisconnected(err error) {
	s.mu.Lock()
	s.connected = false
	s.connCancel = nil
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("device link lost", "error", err)
	} else {
		s.logger.Info("device disconnected")
	}
	s.publishConnStatus(events.ConnectionStateReconnecting, err, -1)
	s.notifyClient(ipc.Message{Kind: ipc.KindDeviceDisconnected, Text: s.deviceName()})
}

func (s *Service) runReader(ctx context.Context) error {
	for {
		raw, err := s.transport.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if s.bus != nil {
			s.bus.PublishLossy(events.TopicRawFrameIn, events.NewRawFrame(raw))
		}

		frame, err := devicelink.Decode(raw)
		if err != nil {
			continue
		}
		s.dispatcher.Dispatch(frame)
	}
}

func (s *Service) runOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-s.outbox:
			if err := s.write(ctx, payload); err != nil {
				s.logger.Warn("device write failed", "opcode", devicelink.Opcode(payload[0]), "error", err)
				s.notifyClient(ipc.Message{Kind: ipc.KindDeviceError, Text: err.Error()})
			}
		}
	}
}

func (s *Service) write(ctx context.Context, payload []byte) error {
	if !s.Connected() {
		return ErrDeviceNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.transport.WriteFrame(writeCtx, payload); err != nil {
		return fmt.Errorf("write %s: %w", devicelink.Opcode(payload[0]), err)
	}
	if s.bus != nil {
		s.bus.PublishLossy(events.TopicRawFrameOut, events.NewRawFrame(payload))
	}

	return nil
}

// send queues a host command; commands reach the device in call order.
func (s *Service) send(payload []byte) {
	if len(payload) == 0 {
		return
	}
	ctx := s.rootContext()
	select {
	case s.outbox <- payload:
	case <-ctx.Done():
	}
}

func (s *Service) notifyClient(msg ipc.Message) {
	if s.channel == nil || !s.channel.Connected() {
		return
	}
	if err := s.channel.Send(msg); err != nil && !errors.Is(err, ipc.ErrNotConnected) {
		s.logger.Warn("send to client failed", "kind", msg.Kind, "error", err)
	}
}

func (s *Service) sendConnectState(ctx context.Context) {
	if !s.Connected() {
		s.notifyClient(ipc.Message{Kind: ipc.KindDeviceDisconnected})

		return
	}
	s.notifyClient(s.connectedMessage(s.batteryLevel(ctx)))
}

func (s *Service) connectedMessage(battery int) ipc.Message {
	return ipc.Message{Kind: ipc.KindDeviceConnected, Text: fmt.Sprintf("%s|%d", s.deviceName(), battery)}
}

func (s *Service) batteryLevel(ctx context.Context) int {
	reporter, ok := s.transport.(transport.BatteryReporter)
	if !ok {
		return -1
	}
	readCtx, cancel := context.WithTimeout(ctx, batteryTimeout)
	defer cancel()

	level, err := reporter.BatteryLevel(readCtx)
	if err != nil {
		s.logger.Debug("battery read failed", "error", err)

		return -1
	}

	return level
}

func (s *Service) deviceName() string {
	return s.settings.Current().Device.Name
}

func (s *Service) target() string {
	if r, ok := s.transport.(transport.StatusTargetResolver); ok {
		if t := strings.TrimSpace(r.StatusTarget()); t != "" {
			return t
		}
	}

	return s.settings.Current().Device.Target()
}

func (s *Service) publishConnStatus(state events.ConnectionState, err error, battery int) {
	if s.bus == nil {
		return
	}
	status := events.ConnectionStatus{
		State:         state,
		TransportName: s.transport.Name(),
		Target:        s.target(),
		DeviceName:    s.deviceName(),
		Battery:       battery,
		Timestamp:     time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	s.bus.Publish(events.TopicConnStatus, status)
}

// suspend drops the link and keeps it down until resume.
func (s *Service) suspend() {
	s.mu.Lock()
	s.suspended = true
	cancel := s.connCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Service) resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
	s.kick()
}

// applyDevice points the transport at a new target and restarts the link.
func (s *Service) applyDevice(dev config.DeviceConfig) {
	if r, ok := s.transport.(reconfigurable); ok {
		if err := r.Apply(dev); err != nil {
			s.logger.Warn("apply device config failed", "error", err)
		}
	}

	s.mu.RLock()
	cancel := s.connCancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	s.kick()
}
