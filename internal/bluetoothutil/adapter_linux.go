//go:build linux

package bluetoothutil

import "tinygo.org/x/bluetooth"

// ResolveAdapter returns the BlueZ adapter named by adapterID.
func ResolveAdapter(adapterID string) *bluetooth.Adapter {
	if id := NormalizeAdapterID(adapterID); id != "" {
		return bluetooth.NewAdapter(id)
	}

	return bluetooth.DefaultAdapter
}
