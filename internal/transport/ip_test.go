package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestIPAddressDefaultsPort(t *testing.T) {
	tests := map[string]string{
		"":                "",
		"192.168.4.1":     "192.168.4.1:4210",
		"bridge.lan:9000": "bridge.lan:9000",
		"::1":             "[::1]:4210",
	}
	for in, want := range tests {
		if got := ipAddress(in); got != want {
			t.Fatalf("ipAddress(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestIPTransportExchange(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 7)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		received <- buf
		_, _ = conn.Write([]byte{0x53, 0x4B, 0x00, 0x04, 0x21, 0x00, 0x01, 0x00})
		time.Sleep(200 * time.Millisecond)
	}()

	tr := NewIPTransport(ln.Addr().String())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if err := tr.WriteFrame(context.Background(), []byte{0x21, 0x01, 0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-received:
		if !bytes.Equal(got, []byte{0x53, 0x4B, 0x00, 0x03, 0x21, 0x01, 0x01}) {
			t.Fatalf("unexpected wire bytes %x", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for bridge to receive frame")
	}

	frame, err := tr.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(frame, []byte{0x21, 0x00, 0x01, 0x00}) {
		t.Fatalf("unexpected frame %x", frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := tr.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestIPTransportNotConnected(t *testing.T) {
	tr := NewIPTransport("")
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatalf("expected empty host error")
	}
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}
