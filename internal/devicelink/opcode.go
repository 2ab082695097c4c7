// Package devicelink encodes host commands for the fingerprint peripheral and
// decodes the frames it sends back.
package devicelink

import "fmt"

// Opcode is the first byte of every device link frame.
type Opcode byte

const (
	OpSearch           Opcode = 0x01 // finger matched, host should unlock
	OpRegister         Opcode = 0x02
	OpDelete           Opcode = 0x03
	OpDeviceNotify     Opcode = 0x04
	OpLockScreenStatus Opcode = 0x05
	OpPutFinger        Opcode = 0x06
	OpRemoveFinger     Opcode = 0x07
	OpGetInfo          Opcode = 0x08
	OpRegisterCancel   Opcode = 0x09
	OpSetSleepTime     Opcode = 0x10
	OpResetAll         Opcode = 0x11
	OpSetFingerName    Opcode = 0x20
	OpGetFingerNames   Opcode = 0x21
	OpRenameFinger     Opcode = 0x22
	OpEnableSleep      Opcode = 0x23
	OpFirmwareStart    Opcode = 0x24
	OpFirmwareChunk    Opcode = 0x25
	OpFirmwareEnd      Opcode = 0x26
	OpCheckSleep       Opcode = 0x27
)

var opcodeNames = map[Opcode]string{
	OpSearch:           "search",
	OpRegister:         "register",
	OpDelete:           "delete",
	OpDeviceNotify:     "device_notify",
	OpLockScreenStatus: "lock_screen_status",
	OpPutFinger:        "put_finger",
	OpRemoveFinger:     "remove_finger",
	OpGetInfo:          "get_info",
	OpRegisterCancel:   "register_cancel",
	OpSetSleepTime:     "set_sleep_time",
	OpResetAll:         "reset_all",
	OpSetFingerName:    "set_finger_name",
	OpGetFingerNames:   "get_finger_names",
	OpRenameFinger:     "rename_finger",
	OpEnableSleep:      "enable_sleep",
	OpFirmwareStart:    "firmware_start",
	OpFirmwareChunk:    "firmware_chunk",
	OpFirmwareEnd:      "firmware_end",
	OpCheckSleep:       "check_sleep",
}

func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}

	return fmt.Sprintf("opcode(0x%02X)", byte(o))
}

// Forwarded reports whether the service relays frames with this opcode to the
// control process instead of handling them itself.
func (o Opcode) Forwarded() bool {
	if o == OpLockScreenStatus {
		return false
	}

	return o >= OpRegister && o <= OpFirmwareEnd
}

// Status is the execution state byte carried by multi-phase responses.
type Status byte

const (
	StatusFailure   Status = 0xA0
	StatusSuccess   Status = 0xA1
	StatusExecuting Status = 0xA2
	StatusCancel    Status = 0xA3
)

func (s Status) String() string {
	switch s {
	case StatusFailure:
		return "failure"
	case StatusSuccess:
		return "success"
	case StatusExecuting:
		return "executing"
	case StatusCancel:
		return "cancel"
	default:
		return fmt.Sprintf("status(0x%02X)", byte(s))
	}
}

func (s Status) Known() bool {
	return s >= StatusFailure && s <= StatusCancel
}
