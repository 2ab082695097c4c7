package transport

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
)

func TestUnwrapBridgeFrameSkipsNoise(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		0x00, 'S', 0x11,
		'S', 'S', 'K',
		0x00, 0x04,
		0x08, 0x00, 0x2C, 0xA1,
	})

	got, err := unwrapBridgeFrame(streamFill(raw))
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if want := []byte{0x08, 0x00, 0x2C, 0xA1}; !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch: got %x want %x", got, want)
	}
}

func TestUnwrapBridgeFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{name: "zero length", raw: []byte{'S', 'K', 0x00, 0x00}, want: errEmptyFrame},
		{name: "truncated payload", raw: []byte{'S', 'K', 0x00, 0x04, 0x01, 0x02}, want: io.ErrUnexpectedEOF},
		{name: "no marker", raw: []byte{0x01, 0x02, 0x03}, want: io.EOF},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := unwrapBridgeFrame(streamFill(bytes.NewReader(tc.raw)))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestWrapBridgeFrame(t *testing.T) {
	frame, err := wrapBridgeFrame([]byte{0x21, 0x01, 0x01})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	want := []byte{0x53, 0x4B, 0x00, 0x03, 0x21, 0x01, 0x01}
	if !bytes.Equal(frame, want) {
		t.Fatalf("unexpected frame: got %x want %x", frame, want)
	}

	got, err := unwrapBridgeFrame(streamFill(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, want[bridgePrefixLen:]) {
		t.Fatalf("payload mismatch: got %x", got)
	}

	if _, err := wrapBridgeFrame(make([]byte, math.MaxUint16+1)); err == nil {
		t.Fatalf("expected size error")
	}
	if _, err := wrapBridgeFrame(nil); !errors.Is(err, errEmptyFrame) {
		t.Fatalf("expected errEmptyFrame, got %v", err)
	}
}
