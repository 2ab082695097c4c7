package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/sparkin/internal/bus"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/enroll"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/firmware"
	"github.com/skobkin/sparkin/internal/ipc"
	"github.com/skobkin/sparkin/internal/slots"
	"github.com/skobkin/sparkin/internal/update"
)

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []ipc.Message
}

func (c *fakeChannel) Send(m ipc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ipc.ErrNotConnected
	}
	c.sent = append(c.sent, m)

	return nil
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *fakeChannel) take() []ipc.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil

	return out
}

type fakeUpdates struct {
	checked chan string
}

func (u *fakeUpdates) Configured() bool { return true }

func (u *fakeUpdates) Check(_ context.Context, kind update.Kind, current string) (update.Snapshot, error) {
	u.checked <- kind.String() + ":" + current

	return update.Snapshot{Kind: kind, CurrentVersion: current}, nil
}

func newTestController(t *testing.T, opts Options) (*Controller, *fakeChannel) {
	t.Helper()

	ch := &fakeChannel{connected: true}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Channel = ch

	return New(opts), ch
}

func kinds(msgs []ipc.Message) []ipc.Kind {
	out := make([]ipc.Kind, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind)
	}

	return out
}

func deviceFrame(raw []byte) ipc.Message {
	return ipc.Message{Kind: ipc.KindDeviceDataReceived, Data: raw}
}

func testInfo() []byte {
	return devicelink.EncodeDeviceInfo(devicelink.DeviceInfo{
		SleepTimeout:    300,
		DeviceID:        "SPK-1",
		BuildDate:       "2024-05-01",
		FirmwareVersion: "1.0.3",
	})
}

func TestAttachFlow(t *testing.T) {
	updates := &fakeUpdates{checked: make(chan string, 1)}
	c, ch := newTestController(t, Options{Interactive: true, CheckFirmware: true, Updates: updates})

	if err := c.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := kinds(ch.take()); len(got) != 1 || got[0] != ipc.KindGetConnectState {
		t.Fatalf("expected connect state request, got %v", got)
	}

	c.HandleMessage(ipc.Message{Kind: ipc.KindDeviceConnected, Text: "Sparkin|77"})
	if !c.DeviceConnected() || c.Battery() != 77 {
		t.Fatalf("expected connected device with battery 77, got %v %d", c.DeviceConnected(), c.Battery())
	}
	if got := kinds(ch.take()); len(got) != 1 || got[0] != ipc.KindGetDeviceInfo {
		t.Fatalf("expected device info request, got %v", got)
	}

	c.HandleMessage(deviceFrame(testInfo()))
	sent := ch.take()
	if got := kinds(sent); len(got) != 2 || got[0] != ipc.KindGetFingerNames || got[1] != ipc.KindSetEnableSleep {
		t.Fatalf("expected names request and sleep hold, got %v", got)
	}
	if !bytes.Equal(sent[1].Data, []byte{0}) {
		t.Fatalf("expected sleep disabled while attached, got %x", sent[1].Data)
	}
	info, ok := c.DeviceInfo()
	if !ok || info.DeviceID != "SPK-1" {
		t.Fatalf("unexpected device info: %+v %v", info, ok)
	}

	select {
	case got := <-updates.checked:
		if got != "firmware:1.0.3" {
			t.Fatalf("unexpected update check: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected firmware update check after attach")
	}

	c.HandleMessage(deviceFrame(testInfo()))
	if got := ch.take(); len(got) != 0 {
		t.Fatalf("expected attach flow to run once, got %v", kinds(got))
	}

	if err := c.Detach(context.Background()); err != nil {
		t.Fatalf("detach: %v", err)
	}
	sent = ch.take()
	if len(sent) != 1 || sent[0].Kind != ipc.KindSetEnableSleep || !bytes.Equal(sent[0].Data, []byte{1}) {
		t.Fatalf("expected sleep re-enabled on detach, got %+v", sent)
	}
}

func TestParseConnected(t *testing.T) {
	tests := []struct {
		text    string
		name    string
		battery int
	}{
		{text: "Sparkin|80", name: "Sparkin", battery: 80},
		{text: "Sparkin|-1", name: "Sparkin", battery: -1},
		{text: "Sparkin", name: "Sparkin", battery: -1},
		{text: "Desk|250", name: "Desk", battery: -1},
		{text: "", name: "", battery: -1},
	}

	for _, tt := range tests {
		name, battery := parseConnected(tt.text)
		if name != tt.name || battery != tt.battery {
			t.Fatalf("parseConnected(%q) = %q, %d; want %q, %d", tt.text, name, battery, tt.name, tt.battery)
		}
	}
}

func TestCheckSleepRequestAnswer(t *testing.T) {
	c, ch := newTestController(t, Options{})

	c.HandleMessage(ipc.Message{Kind: ipc.KindCheckSleepRequest})
	sent := ch.take()
	if len(sent) != 1 || sent[0].Kind != ipc.KindCheckSleepResponse || !bytes.Equal(sent[0].Data, []byte{1}) {
		t.Fatalf("expected sleep allowed while idle, got %+v", sent)
	}
}

func TestSlotRefreshAfterDeviceChanges(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		refresh bool
	}{
		{name: "delete success", frame: devicelink.Response(devicelink.OpDelete, byte(devicelink.StatusSuccess)), refresh: true},
		{name: "delete failure", frame: devicelink.Response(devicelink.OpDelete, byte(devicelink.StatusFailure))},
		{name: "rename success", frame: devicelink.Response(devicelink.OpRenameFinger, byte(devicelink.StatusSuccess)), refresh: true},
		{name: "set name success", frame: devicelink.Response(devicelink.OpSetFingerName, byte(devicelink.StatusSuccess)), refresh: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ch := newTestController(t, Options{})
			c.HandleMessage(deviceFrame(tt.frame))
			got := kinds(ch.take())
			if tt.refresh && (len(got) != 1 || got[0] != ipc.KindGetFingerNames) {
				t.Fatalf("expected names refresh, got %v", got)
			}
			if !tt.refresh && len(got) != 0 {
				t.Fatalf("expected no refresh, got %v", got)
			}
		})
	}
}

func TestFingerNamesUpdateMirror(t *testing.T) {
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer b.Close()
	sub := b.Subscribe(events.TopicSlots)

	c, _ := newTestController(t, Options{Bus: b})
	c.HandleMessage(deviceFrame(devicelink.EncodeFingerNames([]slots.Slot{{Index: 1, Name: "index"}, {Index: 0, Name: "thumb"}})))

	list := c.Slots()
	if len(list) != 2 || list[0].Name != "thumb" || list[1].Name != "index" {
		t.Fatalf("unexpected slot mirror: %+v", list)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := bus.Receive(ctx, sub)
	if !ok {
		t.Fatalf("expected slots event")
	}
	if got, _ := msg.([]slots.Slot); len(got) != 2 {
		t.Fatalf("unexpected slots event: %#v", msg)
	}
}

func TestPairStatusPublished(t *testing.T) {
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer b.Close()
	sub := b.Subscribe(events.TopicPairing)

	c, _ := newTestController(t, Options{Bus: b})
	c.HandleMessage(ipc.Message{Kind: ipc.KindPairStatus, Text: "Sparkin|true|AA:BB:CC:DD:EE:FF"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := bus.Receive(ctx, sub)
	if !ok {
		t.Fatalf("expected pairing event")
	}
	got, _ := msg.(events.PairingChange)
	want := events.PairingChange{Name: "Sparkin", Paired: true, Target: "AA:BB:CC:DD:EE:FF"}
	if got != want {
		t.Fatalf("unexpected pairing event: %+v", got)
	}
}

func TestRequestsValidateInput(t *testing.T) {
	c, ch := newTestController(t, Options{})

	if err := c.SetSleepTime(context.Background(), 42); err == nil {
		t.Fatalf("expected unsupported sleep timeout error")
	}
	if err := c.Rename(context.Background(), 0, "   "); !errors.Is(err, slots.ErrInvalidName) {
		t.Fatalf("expected invalid name error, got %v", err)
	}
	if err := c.Delete(context.Background(), slots.MaxSlots); !errors.Is(err, devicelink.ErrInvalidCommand) {
		t.Fatalf("expected invalid command error, got %v", err)
	}
	if got := ch.take(); len(got) != 0 {
		t.Fatalf("expected nothing sent, got %v", kinds(got))
	}

	if err := c.SetSleepTime(context.Background(), 600); err != nil {
		t.Fatalf("set sleep time: %v", err)
	}
	if err := c.Delete(context.Background(), 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	sent := ch.take()
	if len(sent) != 2 || sent[0].Text != "600" || !bytes.Equal(sent[1].Data, []byte{0x03, 0x02, 0x01}) {
		t.Fatalf("unexpected requests: %+v", sent)
	}
}

func TestServiceUnavailable(t *testing.T) {
	c, ch := newTestController(t, Options{})
	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()

	if err := c.RequestSlots(context.Background()); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestChannelSenderFirmwareMessages(t *testing.T) {
	ch := &fakeChannel{connected: true}
	s := channelSender{ch: ch}
	ctx := context.Background()

	if err := s.StartUpdate(ctx, 0x01020304); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.SendChunk(ctx, []byte{0xAA}); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if err := s.EndUpdate(ctx, "CBF43926"); err != nil {
		t.Fatalf("end: %v", err)
	}

	sent := ch.take()
	if len(sent) != 3 {
		t.Fatalf("expected three messages, got %d", len(sent))
	}
	if sent[0].Kind != ipc.KindFirmwareUpdateStart || !bytes.Equal(sent[0].Data, []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Fatalf("unexpected start message: %+v", sent[0])
	}
	if sent[1].Kind != ipc.KindFirmwareUpdateChunk || !bytes.Equal(sent[1].Data, []byte{0xAA}) {
		t.Fatalf("unexpected chunk message: %+v", sent[1])
	}
	if sent[2].Kind != ipc.KindFirmwareUpdateEnd || sent[2].Text != "CBF43926" {
		t.Fatalf("unexpected end message: %+v", sent[2])
	}
}

func TestUpdateFirmwareRequiresDevice(t *testing.T) {
	c, _ := newTestController(t, Options{})

	var finished firmware.Result
	res := c.UpdateFirmware(context.Background(), firmware.Image{Data: []byte{1}}, firmware.ReporterFuncs{
		OnFinished: func(r firmware.Result) { finished = r },
	})
	if res.Success || !errors.Is(res.Err, ErrDeviceNotConnected) {
		t.Fatalf("expected device not connected failure, got %+v", res)
	}
	if !errors.Is(finished.Err, ErrDeviceNotConnected) {
		t.Fatalf("expected reporter to see the failure, got %+v", finished)
	}
}

func TestEnrollNamesCompletedSlot(t *testing.T) {
	c, ch := newTestController(t, Options{})
	c.HandleMessage(ipc.Message{Kind: ipc.KindDeviceConnected, Text: "Sparkin|90"})
	c.HandleMessage(deviceFrame(devicelink.EncodeFingerNames([]slots.Slot{{Index: 0, Name: "thumb"}})))
	ch.take()

	var (
		mu   sync.Mutex
		seen []enroll.EventKind
	)
	session, err := c.Enroll(context.Background(), "", enroll.Options{
		Tick: time.Hour,
		Observer: func(ev enroll.Event) {
			mu.Lock()
			seen = append(seen, ev.Kind)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if session.Slot() != 1 {
		t.Fatalf("expected first free slot 1, got %d", session.Slot())
	}
	sent := ch.take()
	if len(sent) != 1 || !bytes.Equal(sent[0].Data, []byte{0x02, 0x01}) {
		t.Fatalf("expected register command, got %+v", sent)
	}

	c.HandleMessage(deviceFrame(devicelink.Response(devicelink.OpRegister, byte(devicelink.StatusSuccess))))
	if err := session.Confirm(); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	sent = ch.take()
	if len(sent) != 1 || sent[0].Kind != ipc.KindSetFingerName || sent[0].Text != "Finger 2" || !bytes.Equal(sent[0].Data, []byte{1}) {
		t.Fatalf("expected default name for slot 1, got %+v", sent)
	}
	if s, ok := func() (slots.Slot, bool) {
		for _, s := range c.Slots() {
			if s.Index == 1 {
				return s, true
			}
		}
		return slots.Slot{}, false
	}(); !ok || s.Name != "Finger 2" {
		t.Fatalf("expected mirror to hold the new slot, got %+v", c.Slots())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != enroll.EventCompleted {
		t.Fatalf("expected enrollment to complete, got %v", seen)
	}
}
