package devicelink

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/skobkin/sparkin/internal/slots"
)

// FirmwareChunkSize is the largest image slice carried by one chunk command.
const FirmwareChunkSize = 200

var ErrInvalidCommand = errors.New("invalid device command")

func EncodeGetInfo() []byte {
	return []byte{byte(OpGetInfo), 0x01, 0x01}
}

func EncodeGetFingerNames() []byte {
	return []byte{byte(OpGetFingerNames), 0x01, 0x01}
}

func EncodeSetFingerName(index uint8, name string) ([]byte, error) {
	return encodeNamed(OpSetFingerName, index, name)
}

func EncodeRenameFinger(index uint8, name string) ([]byte, error) {
	return encodeNamed(OpRenameFinger, index, name)
}

func encodeNamed(op Opcode, index uint8, name string) ([]byte, error) {
	if int(index) >= slots.MaxSlots {
		return nil, fmt.Errorf("%w: %s slot %d", ErrInvalidCommand, op, index)
	}
	name = slots.TruncateName(name)
	if err := slots.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCommand, op, err)
	}

	out := make([]byte, 0, 2+len(name))
	out = append(out, byte(op), index)
	out = append(out, name...)

	return out, nil
}

func EncodeSetSleepTime(seconds uint32) []byte {
	out := make([]byte, 5)
	out[0] = byte(OpSetSleepTime)
	binary.LittleEndian.PutUint32(out[1:], seconds)

	return out
}

func EncodeLockScreenStatus(locked bool) []byte {
	return []byte{byte(OpLockScreenStatus), boolByte(locked)}
}

func EncodeCheckSleepResponse(canSleep bool) []byte {
	return []byte{byte(OpCheckSleep), boolByte(canSleep)}
}

func EncodeDeviceNotify() []byte {
	return []byte{byte(OpDeviceNotify), 0x01}
}

func EncodeEnableSleep(enable bool) []byte {
	return []byte{byte(OpEnableSleep), boolByte(enable)}
}

func EncodeFirmwareStart(total uint32) []byte {
	out := make([]byte, 5)
	out[0] = byte(OpFirmwareStart)
	binary.LittleEndian.PutUint32(out[1:], total)

	return out
}

func EncodeFirmwareChunk(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 || len(chunk) > FirmwareChunkSize {
		return nil, fmt.Errorf("%w: firmware chunk of %d bytes", ErrInvalidCommand, len(chunk))
	}
	out := make([]byte, 1+len(chunk))
	out[0] = byte(OpFirmwareChunk)
	copy(out[1:], chunk)

	return out, nil
}

func EncodeFirmwareEnd(checksum string) ([]byte, error) {
	if checksum == "" {
		return nil, fmt.Errorf("%w: empty firmware checksum", ErrInvalidCommand)
	}
	out := make([]byte, 0, 1+len(checksum))
	out = append(out, byte(OpFirmwareEnd))
	out = append(out, checksum...)

	return out, nil
}

func EncodeRegister(index uint8) ([]byte, error) {
	if int(index) >= slots.MaxSlots {
		return nil, fmt.Errorf("%w: register slot %d", ErrInvalidCommand, index)
	}

	return []byte{byte(OpRegister), index}, nil
}

func EncodeRegisterCancel() []byte {
	return []byte{byte(OpRegisterCancel), 0x01}
}

func EncodeDelete(index uint8) ([]byte, error) {
	if int(index) >= slots.MaxSlots {
		return nil, fmt.Errorf("%w: delete slot %d", ErrInvalidCommand, index)
	}

	return []byte{byte(OpDelete), index, 0x01}, nil
}

// Command prepends op to an already encoded argument block. The service uses
// it for channel messages that carry only the arguments.
func Command(op Opcode, args []byte) []byte {
	out := make([]byte, 1+len(args))
	out[0] = byte(op)
	copy(out[1:], args)

	return out
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
