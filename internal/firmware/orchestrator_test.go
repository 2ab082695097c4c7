package firmware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/skobkin/sparkin/internal/checksum"
	"github.com/skobkin/sparkin/internal/devicelink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice acknowledges update commands through the orchestrator, the way
// frames from the service would arrive.
type fakeDevice struct {
	mu         sync.Mutex
	orch       *Orchestrator
	total      uint32
	chunks     [][]byte
	checksum   string
	dropStart  bool
	dropChunk  int
	dropFinal  bool
	finalState devicelink.Status
	// startReply and finalReply override the opcode of those acks when set.
	startReply devicelink.Opcode
	finalReply devicelink.Opcode
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{dropChunk: -1, finalState: devicelink.StatusSuccess}
}

func (d *fakeDevice) ack(op devicelink.Opcode, st devicelink.Status) {
	frame, _ := devicelink.Decode(devicelink.Response(op, byte(st)))
	go d.orch.HandleFrame(frame)
}

func (d *fakeDevice) StartUpdate(_ context.Context, total uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total = total
	if !d.dropStart {
		d.ack(replyOp(d.startReply, devicelink.OpFirmwareStart), devicelink.StatusSuccess)
	}
	return nil
}

func (d *fakeDevice) SendChunk(_ context.Context, chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks = append(d.chunks, append([]byte(nil), chunk...))
	if len(d.chunks)-1 != d.dropChunk {
		d.ack(devicelink.OpFirmwareChunk, devicelink.StatusSuccess)
	}
	return nil
}

func (d *fakeDevice) EndUpdate(_ context.Context, sum string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checksum = sum
	if !d.dropFinal {
		d.ack(replyOp(d.finalReply, devicelink.OpFirmwareEnd), d.finalState)
	}
	return nil
}

func replyOp(override, def devicelink.Opcode) devicelink.Opcode {
	if override != 0 {
		return override
	}
	return def
}

type captureReporter struct {
	mu       sync.Mutex
	progress []int
	finished []Result
}

func (c *captureReporter) Progress(p int) {
	c.mu.Lock()
	c.progress = append(c.progress, p)
	c.mu.Unlock()
}

func (c *captureReporter) Finished(r Result) {
	c.mu.Lock()
	c.finished = append(c.finished, r)
	c.mu.Unlock()
}

func fastOptions() Options {
	return Options{
		StartTimeout: 200 * time.Millisecond,
		ChunkTimeout: 200 * time.Millisecond,
		FinalTimeout: 200 * time.Millisecond,
	}
}

func newTestOrchestrator(dev *fakeDevice, opts Options) *Orchestrator {
	o := NewOrchestrator(dev, testLogger(), opts)
	dev.orch = o
	return o
}

func imageOf(size int) Image {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return Image{Data: data, Checksum: checksum.Bytes(data)}
}

func TestRunStreamsChunksAndSucceeds(t *testing.T) {
	dev := newFakeDevice()
	o := newTestOrchestrator(dev, fastOptions())
	img := imageOf(1000)
	rep := &captureReporter{}

	res := o.Run(context.Background(), img, rep)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.SessionID == "" || res.Phase != PhaseSucceeded {
		t.Fatalf("unexpected result: %+v", res)
	}

	if dev.total != 1000 {
		t.Fatalf("unexpected announced total: %d", dev.total)
	}
	if len(dev.chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(dev.chunks))
	}
	if got := bytes.Join(dev.chunks, nil); !bytes.Equal(got, img.Data) {
		t.Fatalf("reassembled image differs")
	}
	if dev.checksum != img.Checksum {
		t.Fatalf("unexpected end checksum: %q want %q", dev.checksum, img.Checksum)
	}

	want := []int{20, 36, 52, 68, 84, 100}
	if len(rep.progress) != len(want) {
		t.Fatalf("unexpected progress: %v", rep.progress)
	}
	for i := range want {
		if rep.progress[i] != want[i] {
			t.Fatalf("unexpected progress: %v want %v", rep.progress, want)
		}
	}
	if len(rep.finished) != 1 || !rep.finished[0].Success {
		t.Fatalf("unexpected finished reports: %+v", rep.finished)
	}
}

func TestRunChunkSizesWithRemainder(t *testing.T) {
	dev := newFakeDevice()
	o := newTestOrchestrator(dev, fastOptions())

	res := o.Run(context.Background(), imageOf(450), nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	sizes := []int{}
	for _, c := range dev.chunks {
		sizes = append(sizes, len(c))
	}
	if len(sizes) != 3 || sizes[0] != 200 || sizes[1] != 200 || sizes[2] != 50 {
		t.Fatalf("unexpected chunk sizes: %v", sizes)
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	dev := newFakeDevice()
	o := newTestOrchestrator(dev, fastOptions())
	rep := &captureReporter{}

	o.Run(context.Background(), imageOf(ChunkSize*37+13), rep)

	prev := -1
	for _, p := range rep.progress {
		if p < prev || p < 20 || p > 100 {
			t.Fatalf("progress not monotonic within [20,100]: %v", rep.progress)
		}
		prev = p
	}
	if prev != 100 {
		t.Fatalf("last progress must be 100, got %d", prev)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeDevice)
		reason string
	}{
		{
			name:   "no start ack",
			setup:  func(d *fakeDevice) { d.dropStart = true },
			reason: ReasonNoStartAck,
		},
		{
			name:   "chunk timeout",
			setup:  func(d *fakeDevice) { d.dropChunk = 2 },
			reason: ReasonUnresponsive,
		},
		{
			name:   "no final ack",
			setup:  func(d *fakeDevice) { d.dropFinal = true },
			reason: ReasonNoFinalAck,
		},
		{
			name:   "end ack in place of start ack",
			setup:  func(d *fakeDevice) { d.startReply = devicelink.OpFirmwareEnd },
			reason: ReasonNoStartAck,
		},
		{
			name:   "stray chunk ack in place of end ack",
			setup:  func(d *fakeDevice) { d.finalReply = devicelink.OpFirmwareChunk },
			reason: ReasonNoFinalAck,
		},
		{
			name:   "rejected",
			setup:  func(d *fakeDevice) { d.finalState = devicelink.StatusFailure },
			reason: "device rejected update (status 0xA0)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := newFakeDevice()
			tc.setup(dev)
			o := newTestOrchestrator(dev, fastOptions())
			rep := &captureReporter{}

			res := o.Run(context.Background(), imageOf(1000), rep)
			if res.Success || res.Reason != tc.reason || res.Phase != PhaseFailed {
				t.Fatalf("unexpected result: %+v", res)
			}
			if len(rep.finished) != 1 || rep.finished[0].Success {
				t.Fatalf("failure must be reported exactly once: %+v", rep.finished)
			}
			if o.Running() {
				t.Fatalf("orchestrator still running after failure")
			}
		})
	}
}

func TestRunChunkTimeoutStopsStreaming(t *testing.T) {
	dev := newFakeDevice()
	dev.dropChunk = 1
	o := newTestOrchestrator(dev, fastOptions())

	o.Run(context.Background(), imageOf(1000), nil)
	if len(dev.chunks) != 2 {
		t.Fatalf("expected streaming to stop after the unacknowledged chunk, sent %d", len(dev.chunks))
	}
	if dev.checksum != "" {
		t.Fatalf("end must not be sent after a chunk timeout")
	}
}

func TestRunCanceledContextCountsAsTimeout(t *testing.T) {
	dev := newFakeDevice()
	dev.dropStart = true
	o := newTestOrchestrator(dev, Options{StartTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := o.Run(ctx, imageOf(10), nil)
	if res.Success || res.Reason != ReasonNoStartAck {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context error, got %v", res.Err)
	}
}

type blockingSender struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSender) StartUpdate(context.Context, uint32) error {
	close(b.started)
	<-b.release
	return errors.New("stopped")
}

func (b *blockingSender) SendChunk(context.Context, []byte) error  { return nil }
func (b *blockingSender) EndUpdate(context.Context, string) error { return nil }

func TestRunRejectsConcurrentUpdate(t *testing.T) {
	s := &blockingSender{started: make(chan struct{}), release: make(chan struct{})}
	o := NewOrchestrator(s, testLogger(), fastOptions())

	done := make(chan Result, 1)
	go func() { done <- o.Run(context.Background(), imageOf(10), nil) }()
	<-s.started

	res := o.Run(context.Background(), imageOf(10), nil)
	if !errors.Is(res.Err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %+v", res)
	}

	close(s.release)
	if first := <-done; first.Success {
		t.Fatalf("first run should have failed: %+v", first)
	}
}

func TestRunCompressedImage(t *testing.T) {
	dev := newFakeDevice()
	o := newTestOrchestrator(dev, fastOptions())
	img := Image{Data: bytes.Repeat([]byte("sparkin firmware "), 200), Compress: true}
	img.Checksum = checksum.Bytes(img.Data)

	res := o.Run(context.Background(), img, nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if int(dev.total) >= len(img.Data) {
		t.Fatalf("expected compressed payload, got %d bytes for %d", dev.total, len(img.Data))
	}

	inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(bytes.Join(dev.chunks, nil))))
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(inflated, img.Data) {
		t.Fatalf("inflated payload differs from image")
	}
	if dev.checksum != img.Checksum {
		t.Fatalf("checksum must describe the uncompressed image")
	}
}

type memoryHistory struct {
	results []Result
}

func (m *memoryHistory) RecordFirmwareUpdate(_ context.Context, r Result) error {
	m.results = append(m.results, r)
	return nil
}

func TestRunRecordsHistory(t *testing.T) {
	dev := newFakeDevice()
	hist := &memoryHistory{}
	opts := fastOptions()
	opts.History = hist
	o := newTestOrchestrator(dev, opts)

	o.Run(context.Background(), imageOf(300), nil)
	if len(hist.results) != 1 || !hist.results[0].Success || hist.results[0].FinishedAt.IsZero() {
		t.Fatalf("unexpected history: %+v", hist.results)
	}
}

func TestAckerKeepsOnlyLatestSignal(t *testing.T) {
	a := NewAcker(testLogger())
	a.Signal(devicelink.Frame{Opcode: devicelink.OpFirmwareStart})
	a.Signal(devicelink.Frame{Opcode: devicelink.OpFirmwareChunk})

	f, err := a.Wait(context.Background(), devicelink.OpFirmwareChunk, 10*time.Millisecond)
	if err != nil || f.Opcode != devicelink.OpFirmwareChunk {
		t.Fatalf("unexpected wait result: %v %v", f, err)
	}
	if _, err := a.Wait(context.Background(), devicelink.OpFirmwareChunk, 10*time.Millisecond); !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	a.Signal(devicelink.Frame{Opcode: devicelink.OpFirmwareEnd})
	a.Reset()
	if _, err := a.Wait(context.Background(), devicelink.OpFirmwareEnd, 10*time.Millisecond); !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected reset to drop pending signal, got %v", err)
	}
}

func TestAckerDropsOtherOpcodes(t *testing.T) {
	a := NewAcker(testLogger())
	a.Signal(devicelink.Frame{Opcode: devicelink.OpFirmwareChunk})
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Signal(devicelink.Frame{Opcode: devicelink.OpFirmwareEnd})
	}()

	f, err := a.Wait(context.Background(), devicelink.OpFirmwareEnd, time.Second)
	if err != nil || f.Opcode != devicelink.OpFirmwareEnd {
		t.Fatalf("expected end ack after stray chunk ack, got %v %v", f, err)
	}
}

func TestPrepareImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(path, []byte("123456789"), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}

	img, err := PrepareImage(path, "cbf43926")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if img.Checksum != "CBF43926" || string(img.Data) != "123456789" {
		t.Fatalf("unexpected image: %+v", img)
	}

	if _, err := PrepareImage(path, "DEADBEEF"); !errors.Is(err, checksum.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestHandleFrameIgnoresOtherOpcodes(t *testing.T) {
	o := NewOrchestrator(newFakeDevice(), testLogger(), Options{})
	if o.HandleFrame(devicelink.Frame{Opcode: devicelink.OpGetInfo}) {
		t.Fatalf("unexpected consumption of unrelated frame")
	}
	if !o.HandleFrame(devicelink.Frame{Opcode: devicelink.OpFirmwareChunk}) {
		t.Fatalf("expected chunk ack to be consumed")
	}
}
