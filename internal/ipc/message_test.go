package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tests := []Message{
		{Kind: KindGetDeviceInfo},
		{Kind: KindDeviceConnected, Text: "Sparkin|87"},
		{Kind: KindSendDeviceCommand, Data: []byte{0x08, 0x01, 0x01}},
		{Kind: KindSetFingerName, Data: []byte{3}, Text: "Left thumb"},
		{Kind: KindFirmwareUpdateChunk, Data: bytes.Repeat([]byte{0xAB}, 200)},
		{Kind: KindCheckSleepResponse, Data: []byte{0}},
	}

	for _, want := range tests {
		t.Run(want.Kind.String(), func(t *testing.T) {
			raw, err := Marshal(want)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Unmarshal(raw)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Kind != want.Kind || got.Text != want.Text || !bytes.Equal(got.Data, want.Data) {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
			}
		})
	}
}

func TestUnmarshalEmptyDataIsNil(t *testing.T) {
	raw, err := Marshal(Message{Kind: KindUnpair, Data: []byte{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Data != nil {
		t.Fatalf("expected nil data, got %v", got.Data)
	}
}

func TestMarshalRejectsInvalidKind(t *testing.T) {
	for _, k := range []Kind{0, kindSentinel, 200} {
		if _, err := Marshal(Message{Kind: k}); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("kind %d: expected ErrInvalidMessage, got %v", k, err)
		}
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	var raw []byte
	raw = protowire.AppendTag(raw, 9, protowire.BytesType)
	raw = protowire.AppendString(raw, "future")
	raw = protowire.AppendTag(raw, fieldKind, protowire.VarintType)
	raw = protowire.AppendVarint(raw, uint64(KindPairStatus))
	raw = protowire.AppendTag(raw, 10, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 42)

	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != KindPairStatus {
		t.Fatalf("unexpected kind: %s", got.Kind)
	}
}

func TestUnmarshalRejectsMissingOrUnknownKind(t *testing.T) {
	var unknown []byte
	unknown = protowire.AppendTag(unknown, fieldKind, protowire.VarintType)
	unknown = protowire.AppendVarint(unknown, 99)

	var truncated []byte
	truncated = protowire.AppendTag(truncated, fieldData, protowire.BytesType)
	truncated = append(truncated, 0x05, 0x01)

	for name, raw := range map[string][]byte{
		"empty":     nil,
		"unknown":   unknown,
		"truncated": truncated,
	} {
		if _, err := Unmarshal(raw); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: expected ErrInvalidMessage, got %v", name, err)
		}
	}
}

func TestKindString(t *testing.T) {
	if got := KindFirmwareUpdateEnd.String(); got != "firmware_update_end" {
		t.Fatalf("unexpected name: %q", got)
	}
	if got := Kind(0).String(); got != "kind(0)" {
		t.Fatalf("unexpected name for zero kind: %q", got)
	}
}

func TestEncodeFrameAndReadFrameRoundTrip(t *testing.T) {
	payload := []byte("hello")
	frame, err := encodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if got := binary.LittleEndian.Uint32(frame[:4]); got != uint32(len(payload)) {
		t.Fatalf("length prefix mismatch: got %d want %d", got, len(payload))
	}

	got, err := readFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	tests := map[string]uint32{
		"zero":     0,
		"negative": 0xFFFFFFFF,
		"too_big":  MaxFrameLen + 1,
	}

	for name, ln := range tests {
		t.Run(name, func(t *testing.T) {
			var raw [8]byte
			binary.LittleEndian.PutUint32(raw[:4], ln)
			_, err := readFrame(bytes.NewReader(raw[:]))
			if !errors.Is(err, ErrInvalidFrameLength) {
				t.Fatalf("expected ErrInvalidFrameLength, got %v", err)
			}
		})
	}
}

func TestReadFramePayloadEOF(t *testing.T) {
	raw := []byte{0x04, 0x00, 0x00, 0x00, 0x01, 0x02}

	_, err := readFrame(bytes.NewReader(raw))
	if err == nil {
		t.Fatalf("expected payload read error, got nil")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected wrapped unexpected EOF, got %v", err)
	}
}

func TestEncodeFrameRejectsOversizedPayload(t *testing.T) {
	if _, err := encodeFrame(make([]byte, MaxFrameLen+1)); !errors.Is(err, ErrInvalidFrameLength) {
		t.Fatalf("expected ErrInvalidFrameLength, got %v", err)
	}
	if _, err := encodeFrame(nil); !errors.Is(err, ErrInvalidFrameLength) {
		t.Fatalf("expected ErrInvalidFrameLength for empty payload, got %v", err)
	}
}
