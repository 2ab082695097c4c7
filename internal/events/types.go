// Package events holds the payload types published on the in-process bus.
package events

import (
	"encoding/hex"
	"time"
)

// ConnectionState describes the device link lifecycle.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is a snapshot of the current device link status.
type ConnectionStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	DeviceName    string
	// Battery is a percentage, or -1 when unknown.
	Battery   int
	Timestamp time.Time
}

// RawFrame carries frame diagnostics for debug output.
type RawFrame struct {
	Opcode byte
	Hex    string
	Len    int
}

func NewRawFrame(b []byte) RawFrame {
	f := RawFrame{Hex: hex.EncodeToString(b), Len: len(b)}
	if len(b) > 0 {
		f.Opcode = b[0]
	}

	return f
}

// LockScreenChange is published when the service unlocks or observes the session lock.
type LockScreenChange struct {
	Locked    bool
	Timestamp time.Time
}

// FirmwareProgress is a progress or terminal event of a firmware update.
type FirmwareProgress struct {
	SessionID string
	Percent   int
	Done      bool
	Success   bool
	Reason    string
}

// PairingChange reports the paired peripheral as the service sees it.
type PairingChange struct {
	Name   string
	Paired bool
	Target string
}

// ServiceError is a request the service could not carry out.
type ServiceError struct {
	Message   string
	Timestamp time.Time
}
