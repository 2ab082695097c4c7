package bluetoothutil

import (
	"path"
	"strings"
)

// NormalizeAdapterID accepts "hci1", "/org/bluez/hci1" or an empty string for
// the default adapter and returns the bare BlueZ name.
func NormalizeAdapterID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ""
	}

	return path.Base(strings.TrimRight(id, "/"))
}
