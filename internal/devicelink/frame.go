package devicelink

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// StatusOffset is where responses place their Status byte.
	StatusOffset = 3
	// HeaderLen covers the opcode and the advisory 2-byte length field.
	HeaderLen = 3
	// MinFrameLen is the shortest frame the host acts on.
	MinFrameLen = 4
)

var (
	ErrEmptyFrame = errors.New("empty device frame")
	ErrTruncated  = errors.New("device frame truncated")
)

// Frame is one inbound device link frame.
type Frame struct {
	Opcode Opcode
	Raw    []byte
}

func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	return Frame{Opcode: Opcode(raw[0]), Raw: append([]byte(nil), raw...)}, nil
}

func (f Frame) Status() (Status, bool) {
	if len(f.Raw) <= StatusOffset {
		return 0, false
	}

	return Status(f.Raw[StatusOffset]), true
}

// Payload returns the bytes after the opcode and length field.
func (f Frame) Payload() []byte {
	if len(f.Raw) <= HeaderLen {
		return nil
	}

	return f.Raw[HeaderLen:]
}

// DeclaredLen returns the 2-byte length field as the firmware writes it
// (big-endian). The field is advisory; see CheckDeclaredLength.
func (f Frame) DeclaredLen() (int, bool) {
	if len(f.Raw) < HeaderLen {
		return 0, false
	}

	return int(binary.BigEndian.Uint16(f.Raw[1:3])), true
}

// LengthCheck describes how the advisory length field relates to the payload.
type LengthCheck struct {
	Declared int
	Actual   int
	Mismatch bool
}

// CheckDeclaredLength compares the length field with the real payload size.
// Both byte orders are accepted since peripherals in the field disagree.
func CheckDeclaredLength(f Frame) LengthCheck {
	if len(f.Raw) < HeaderLen {
		return LengthCheck{Actual: len(f.Payload()), Mismatch: true}
	}
	actual := len(f.Raw) - HeaderLen
	be := int(binary.BigEndian.Uint16(f.Raw[1:3]))
	le := int(binary.LittleEndian.Uint16(f.Raw[1:3]))
	if be == actual || le == actual {
		return LengthCheck{Declared: actual, Actual: actual}
	}

	return LengthCheck{Declared: be, Actual: actual, Mismatch: true}
}

func (f Frame) String() string {
	if st, ok := f.Status(); ok {
		return fmt.Sprintf("%s[%s len=%d]", f.Opcode, st, len(f.Raw))
	}

	return fmt.Sprintf("%s[len=%d]", f.Opcode, len(f.Raw))
}

// Response builds a frame the way the firmware does: opcode, big-endian
// payload length, payload. Used by bridges and tests that emulate a device.
func Response(op Opcode, payload ...byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	out[0] = byte(op)
	// #nosec G115 -- device payloads never exceed a BLE characteristic value.
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[HeaderLen:], payload)

	return out
}
