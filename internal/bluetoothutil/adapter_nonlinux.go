//go:build !linux

package bluetoothutil

import "tinygo.org/x/bluetooth"

// ResolveAdapter ignores adapterID: only BlueZ can address a specific radio.
func ResolveAdapter(_ string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
