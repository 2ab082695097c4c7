package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/sparkin/internal/config"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/ipc"
	"github.com/skobkin/sparkin/internal/platform"
	"github.com/skobkin/sparkin/internal/slots"
)

const waitTimeout = 2 * time.Second

type fakeTransport struct {
	frames chan []byte
	writes chan []byte

	mu       sync.Mutex
	connects int
	applied  []config.DeviceConfig
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		writes: make(chan []byte, 16),
	}
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()

	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-t.frames:
		return f, nil
	}
}

func (t *fakeTransport) WriteFrame(_ context.Context, payload []byte) error {
	t.writes <- append([]byte(nil), payload...)

	return nil
}

func (t *fakeTransport) BatteryLevel(context.Context) (int, error) { return 80, nil }

func (t *fakeTransport) Apply(cfg config.DeviceConfig) error {
	t.mu.Lock()
	t.applied = append(t.applied, cfg)
	t.mu.Unlock()

	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      chan ipc.Message
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, sent: make(chan ipc.Message, 32)}
}

func (c *fakeChannel) Send(m ipc.Message) error {
	c.sent <- m

	return nil
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *fakeChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

type fakeLocker struct {
	mu      sync.Mutex
	locked  bool
	unlocks []platform.Credentials
	// gate, when set, holds Unlock until it is closed.
	gate chan struct{}
}

func (l *fakeLocker) Locked(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.locked, nil
}

func (l *fakeLocker) Lock(context.Context) error {
	l.mu.Lock()
	l.locked = true
	l.mu.Unlock()

	return nil
}

func (l *fakeLocker) Unlock(ctx context.Context, creds platform.Credentials) error {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.mu.Lock()
	l.locked = false
	l.unlocks = append(l.unlocks, creds)
	l.mu.Unlock()

	return nil
}

func (l *fakeLocker) Close() error { return nil }

func (l *fakeLocker) unlockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.unlocks)
}

type fakeSettings struct {
	mu  sync.Mutex
	cfg config.AppConfig
}

func (s *fakeSettings) Current() config.AppConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg
}

func (s *fakeSettings) Reload() (config.AppConfig, error) { return s.Current(), nil }

func (s *fakeSettings) Update(fn func(*config.AppConfig)) (config.AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)

	return s.cfg, nil
}

type fakeCache struct {
	mu   sync.Mutex
	byID map[string][]slots.Slot
}

func (c *fakeCache) ReplaceAll(_ context.Context, deviceID string, list []slots.Slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID == nil {
		c.byID = make(map[string][]slots.Slot)
	}
	c.byID[deviceID] = append([]slots.Slot(nil), list...)

	return nil
}

func (c *fakeCache) List(_ context.Context, deviceID string) ([]slots.Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]slots.Slot(nil), c.byID[deviceID]...), nil
}

func (c *fakeCache) Devices(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}

	return out, nil
}

type harness struct {
	svc       *Service
	transport *fakeTransport
	channel   *fakeChannel
	locker    *fakeLocker
	settings  *fakeSettings
	cache     *fakeCache
}

func newHarness(t *testing.T, paired bool) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Unlock.User = "alice"
	if paired {
		cfg.SetDeviceAddress("AA:BB:CC:DD:EE:FF")
	}
	h := &harness{
		transport: newFakeTransport(),
		channel:   newFakeChannel(true),
		locker:    &fakeLocker{locked: true},
		settings:  &fakeSettings{cfg: cfg},
		cache:     &fakeCache{},
	}
	h.svc = New(Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport:  h.transport,
		Channel:    h.channel,
		Locker:     h.locker,
		Settings:   h.settings,
		Slots:      h.cache,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	})

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.svc.Start(ctx)

	if got := h.nextWrite(t); !bytes.Equal(got, devicelink.EncodeDeviceNotify()) {
		t.Fatalf("expected device notify on connect, got %x", got)
	}
	msg := h.nextMessage(t)
	if msg.Kind != ipc.KindDeviceConnected || msg.Text != "Sparkin|80" {
		t.Fatalf("unexpected connect message: %+v", msg)
	}
}

func (h *harness) nextWrite(t *testing.T) []byte {
	t.Helper()
	select {
	case w := <-h.transport.writes:
		return w
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for device write")
	}

	return nil
}

func (h *harness) nextMessage(t *testing.T) ipc.Message {
	t.Helper()
	select {
	case m := <-h.channel.sent:
		return m
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for channel message")
	}

	return ipc.Message{}
}

func (h *harness) noMessage(t *testing.T) {
	t.Helper()
	select {
	case m := <-h.channel.sent:
		t.Fatalf("unexpected channel message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectAnnouncesDeviceAndClient(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	if !h.svc.Connected() {
		t.Fatalf("expected service to report connected")
	}
}

func TestUnpairedServiceDoesNotConnect(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	h.transport.mu.Lock()
	connects := h.transport.connects
	h.transport.mu.Unlock()
	if connects != 0 {
		t.Fatalf("expected no connect attempts while unpaired, got %d", connects)
	}
}

func TestSearchFrameUnlocksSession(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	h.transport.frames <- devicelink.Response(devicelink.OpSearch, 0x01)

	deadline := time.Now().Add(waitTimeout)
	for h.locker.unlockCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected unlock after finger match")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.locker.mu.Lock()
	user := h.locker.unlocks[0].User
	h.locker.mu.Unlock()
	if user != "alice" {
		t.Fatalf("expected unlock for alice, got %q", user)
	}
}

func TestSlowUnlockDoesNotStallFrames(t *testing.T) {
	h := newHarness(t, true)
	h.locker.gate = make(chan struct{})
	h.start(t)

	h.transport.frames <- devicelink.Response(devicelink.OpSearch, 0x01)
	h.transport.frames <- devicelink.Response(devicelink.OpSearch, 0x01)
	h.transport.frames <- devicelink.Response(devicelink.OpCheckSleep, 0x01)
	if msg := h.nextMessage(t); msg.Kind != ipc.KindCheckSleepRequest {
		t.Fatalf("expected check sleep request while unlock is pending, got %+v", msg)
	}

	close(h.locker.gate)
	deadline := time.Now().Add(waitTimeout)
	for h.locker.unlockCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected unlock once the locker answers")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := h.locker.unlockCount(); got != 1 {
		t.Fatalf("expected overlapping matches to unlock once, got %d", got)
	}
}

func TestLockStatusQueryIsAnsweredByHost(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	h.transport.frames <- devicelink.Response(devicelink.OpLockScreenStatus, 0x00)
	if got := h.nextWrite(t); !bytes.Equal(got, []byte{0x05, 0x01}) {
		t.Fatalf("expected locked reply, got %x", got)
	}
	h.noMessage(t)
}

func TestCheckSleepGoesToClientOrIsAllowed(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	h.transport.frames <- devicelink.Response(devicelink.OpCheckSleep, 0x01)
	if msg := h.nextMessage(t); msg.Kind != ipc.KindCheckSleepRequest {
		t.Fatalf("expected check sleep request, got %+v", msg)
	}

	h.channel.setConnected(false)
	h.transport.frames <- devicelink.Response(devicelink.OpCheckSleep, 0x01)
	if got := h.nextWrite(t); !bytes.Equal(got, []byte{0x27, 0x01}) {
		t.Fatalf("expected sleep allowed reply, got %x", got)
	}
}

func TestForwardsDeviceFramesAndCachesNames(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	info := devicelink.EncodeDeviceInfo(devicelink.DeviceInfo{SleepTimeout: 300, DeviceID: "SPK-1", BuildDate: "2024-01-01", FirmwareVersion: "1.2.0"})
	h.transport.frames <- info
	if msg := h.nextMessage(t); msg.Kind != ipc.KindDeviceDataReceived || !bytes.Equal(msg.Data, info) {
		t.Fatalf("expected forwarded info frame, got %+v", msg)
	}

	names := devicelink.EncodeFingerNames([]slots.Slot{{Index: 0, Name: "thumb"}, {Index: 42, Name: "past limit"}})
	h.transport.frames <- names
	if msg := h.nextMessage(t); !bytes.Equal(msg.Data, names) {
		t.Fatalf("expected forwarded names frame, got %+v", msg)
	}
	if h.svc.DeviceID() != "SPK-1" {
		t.Fatalf("expected device id to be remembered, got %q", h.svc.DeviceID())
	}
	list, _ := h.cache.List(context.Background(), "SPK-1")
	if len(list) != 1 || list[0].Name != "thumb" {
		t.Fatalf("expected only in-range cached slot names, got %+v", list)
	}

	put := devicelink.Response(devicelink.OpPutFinger, 0xA2)
	h.transport.frames <- put
	if msg := h.nextMessage(t); !bytes.Equal(msg.Data, put) {
		t.Fatalf("expected forwarded put finger frame, got %+v", msg)
	}
}

func TestRefusesUnlockFromChannel(t *testing.T) {
	h := newHarness(t, true)

	h.svc.HandleMessage(ipc.Message{Kind: ipc.KindDeviceDataReceived, Data: devicelink.Response(devicelink.OpSearch, 0x01)})
	h.svc.HandleMessage(ipc.Message{Kind: ipc.KindUnlockScreen})

	if msg := h.nextMessage(t); msg.Kind != ipc.KindDeviceError {
		t.Fatalf("expected device error for unlock request, got %+v", msg)
	}
	if h.locker.unlockCount() != 0 {
		t.Fatalf("expected no unlock from channel messages")
	}
}

func TestPairingMessages(t *testing.T) {
	h := newHarness(t, true)

	h.svc.HandleMessage(ipc.Message{Kind: ipc.KindPairStatus})
	if msg := h.nextMessage(t); msg.Text != "Sparkin|true|AA:BB:CC:DD:EE:FF" {
		t.Fatalf("unexpected pair status: %+v", msg)
	}

	h.svc.HandleMessage(ipc.Message{Kind: ipc.KindUnpair})
	if msg := h.nextMessage(t); msg.Kind != ipc.KindUnpair || msg.Text != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("unexpected unpair reply: %+v", msg)
	}
	if h.settings.Current().Device.Paired() {
		t.Fatalf("expected device to be unpaired")
	}

	h.svc.HandleMessage(ipc.Message{Kind: ipc.KindPair, Text: "serial:/dev/ttyUSB0"})
	if msg := h.nextMessage(t); msg.Text != "Sparkin|true|/dev/ttyUSB0" {
		t.Fatalf("unexpected pair status after pair: %+v", msg)
	}
	h.transport.mu.Lock()
	applied := len(h.transport.applied)
	h.transport.mu.Unlock()
	if applied != 2 {
		t.Fatalf("expected transport reconfigured twice, got %d", applied)
	}
}

func TestGetFingerNamesFromCacheWhileDisconnected(t *testing.T) {
	h := newHarness(t, true)
	_ = h.cache.ReplaceAll(context.Background(), "SPK-1", []slots.Slot{{Index: 2, Name: "index"}})

	h.svc.HandleMessage(ipc.Message{Kind: ipc.KindGetFingerNames})
	msg := h.nextMessage(t)
	frame, err := devicelink.Decode(msg.Data)
	if err != nil {
		t.Fatalf("decode cached frame: %v", err)
	}
	list, err := devicelink.DecodeFingerNames(frame)
	if err != nil || len(list) != 1 || list[0].Index != 2 {
		t.Fatalf("unexpected cached names: %+v err=%v", list, err)
	}
}

func TestRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		msg  ipc.Message
	}{
		{name: "bad sleep text", msg: ipc.Message{Kind: ipc.KindSetSleepTime, Text: "soon"}},
		{name: "unsupported sleep", msg: ipc.Message{Kind: ipc.KindSetSleepTime, Text: "42"}},
		{name: "enable sleep without flag", msg: ipc.Message{Kind: ipc.KindSetEnableSleep}},
		{name: "finger name without index", msg: ipc.Message{Kind: ipc.KindSetFingerName, Text: "thumb"}},
		{name: "short firmware start", msg: ipc.Message{Kind: ipc.KindFirmwareUpdateStart, Data: []byte{1, 2}}},
		{name: "empty command", msg: ipc.Message{Kind: ipc.KindSendDeviceCommand}},
		{name: "command while disconnected", msg: ipc.Message{Kind: ipc.KindSendDeviceCommand, Data: []byte{0x08}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.svc.HandleMessage(tt.msg)
			if msg := h.nextMessage(t); msg.Kind != ipc.KindDeviceError {
				t.Fatalf("expected device error, got %+v", msg)
			}
		})
	}
}

func TestDisconnectDeviceSuspendsLink(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	h.svc.HandleMessage(ipc.Message{Kind: ipc.KindDisconnectDevice})
	if msg := h.nextMessage(t); msg.Kind != ipc.KindDeviceDisconnected {
		t.Fatalf("expected disconnected notice, got %+v", msg)
	}
	if h.svc.Connected() {
		t.Fatalf("expected link to be down")
	}

	h.svc.HandleMessage(ipc.Message{Kind: ipc.KindConnectDevice})
	if got := h.nextWrite(t); !bytes.Equal(got, devicelink.EncodeDeviceNotify()) {
		t.Fatalf("expected reconnect notify, got %x", got)
	}
	seen := map[ipc.Kind]bool{}
	for range 2 {
		seen[h.nextMessage(t).Kind] = true
	}
	if !seen[ipc.KindPair] || !seen[ipc.KindDeviceConnected] {
		t.Fatalf("expected pair reply and connected notice, got %v", seen)
	}
}
