// Package ipc implements the local message channel between the service and
// control processes.
package ipc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies what a Message means. Values are part of the wire format.
type Kind uint8

const (
	KindConnectDevice Kind = iota + 1
	KindDisconnectDevice
	KindSendDeviceCommand
	KindGetDeviceInfo
	KindGetConnectState
	KindDeviceConnected
	KindDeviceDisconnected
	KindDeviceDataReceived
	KindDeviceError
	KindPair
	KindPairStatus
	KindUnpair
	KindSetSleepTime
	KindSetFingerName
	KindGetFingerNames
	KindUnlockScreen
	KindGetLockScreenStatus
	KindSetEnableSleep
	KindReloadConfig
	KindFirmwareUpdateStart
	KindFirmwareUpdateChunk
	KindFirmwareUpdateEnd
	KindCheckSleepRequest
	KindCheckSleepResponse

	kindSentinel
)

var kindNames = [...]string{
	KindConnectDevice:       "connect_device",
	KindDisconnectDevice:    "disconnect_device",
	KindSendDeviceCommand:   "send_device_command",
	KindGetDeviceInfo:       "get_device_info",
	KindGetConnectState:     "get_connect_state",
	KindDeviceConnected:     "device_connected",
	KindDeviceDisconnected:  "device_disconnected",
	KindDeviceDataReceived:  "device_data_received",
	KindDeviceError:         "device_error",
	KindPair:                "pair",
	KindPairStatus:          "pair_status",
	KindUnpair:              "unpair",
	KindSetSleepTime:        "set_sleep_time",
	KindSetFingerName:       "set_finger_name",
	KindGetFingerNames:      "get_finger_names",
	KindUnlockScreen:        "unlock_screen",
	KindGetLockScreenStatus: "get_lock_screen_status",
	KindSetEnableSleep:      "set_enable_sleep",
	KindReloadConfig:        "reload_config",
	KindFirmwareUpdateStart: "firmware_update_start",
	KindFirmwareUpdateChunk: "firmware_update_chunk",
	KindFirmwareUpdateEnd:   "firmware_update_end",
	KindCheckSleepRequest:   "check_sleep_request",
	KindCheckSleepResponse:  "check_sleep_response",
}

func (k Kind) Valid() bool {
	return k > 0 && k < kindSentinel
}

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one logical event crossing the channel.
type Message struct {
	Kind Kind
	Data []byte
	Text string
}

const (
	fieldKind protowire.Number = 1
	fieldData protowire.Number = 2
	fieldText protowire.Number = 3
)

var ErrInvalidMessage = errors.New("invalid channel message")

// Marshal serializes m using the protobuf wire format.
func Marshal(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, m.Kind)
	}

	b := make([]byte, 0, 8+len(m.Data)+len(m.Text))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	if m.Text != "" {
		b = protowire.AppendTag(b, fieldText, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}

	return b, nil
}

func Unmarshal(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: tag: %w", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: kind: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			if v > uint64(^uint8(0)) {
				return Message{}, fmt.Errorf("%w: kind %d out of range", ErrInvalidMessage, v)
			}
			m.Kind = Kind(v)
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: data: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			if len(v) > 0 {
				m.Data = append([]byte(nil), v...)
			}
			b = b[n:]
		case num == fieldText && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: text: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			m.Text = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %w", ErrInvalidMessage, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: %s", ErrInvalidMessage, m.Kind)
	}

	return m, nil
}
