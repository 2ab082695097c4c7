package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

// fakePort implements the subset of serial.Port the transport uses; the
// embedded interface panics if anything else is called.
type fakePort struct {
	serial.Port

	mu      sync.Mutex
	in      *bytes.Buffer
	out     bytes.Buffer
	timeout time.Duration
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.in.Len() == 0 {
		return 0, nil
	}

	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.out.Write(b)
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.timeout = d

	return nil
}

func (p *fakePort) ResetInputBuffer() error { return nil }

func (p *fakePort) Close() error {
	p.closed = true

	return nil
}

func newFakeSerial(t *testing.T, input []byte) (*SerialTransport, *fakePort) {
	t.Helper()

	port := &fakePort{in: bytes.NewBuffer(input)}
	tr := NewSerialTransport("/dev/ttyUSB0", 115200)
	tr.open = func(name string, mode *serial.Mode) (serial.Port, error) {
		if name != "/dev/ttyUSB0" || mode.BaudRate != 115200 {
			t.Fatalf("unexpected open args %q %+v", name, mode)
		}

		return port, nil
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	return tr, port
}

func TestSerialTransportReadWrite(t *testing.T) {
	tr, port := newFakeSerial(t, []byte{0xFF, 0x53, 0x4B, 0x00, 0x04, 0x03, 0x00, 0x01, 0xA1})

	if port.timeout != serialReadTimeout {
		t.Fatalf("expected read timeout %s, got %s", serialReadTimeout, port.timeout)
	}

	frame, err := tr.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(frame, []byte{0x03, 0x00, 0x01, 0xA1}) {
		t.Fatalf("unexpected frame %x", frame)
	}

	if err := tr.WriteFrame(context.Background(), []byte{0x03, 0x02, 0x01}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if want := []byte{0x53, 0x4B, 0x00, 0x03, 0x03, 0x02, 0x01}; !bytes.Equal(port.out.Bytes(), want) {
		t.Fatalf("unexpected wire bytes %x", port.out.Bytes())
	}

	if err := tr.Close(); err != nil || !port.closed {
		t.Fatalf("expected port closed, err=%v", err)
	}
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected after close, got %v", err)
	}
}

func TestSerialTransportReadHonorsContext(t *testing.T) {
	tr, _ := newFakeSerial(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := tr.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on idle port, got %v", err)
	}
}

func TestSerialTransportConnectValidation(t *testing.T) {
	if err := NewSerialTransport("", 115200).Connect(context.Background()); err == nil {
		t.Fatalf("expected empty port error")
	}
	if err := NewSerialTransport("/dev/ttyUSB0", 0).Connect(context.Background()); err == nil {
		t.Fatalf("expected invalid baud error")
	}
}
