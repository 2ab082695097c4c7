package bluetoothutil

import (
	"runtime"
	"strings"

	"tinygo.org/x/bluetooth"
)

// EnableAdapter powers up the adapter stack once per process.
func EnableAdapter(adapter *bluetooth.Adapter) error {
	err := adapter.Enable()
	if err != nil && isBenignEnableAdapterError(err) {
		return nil
	}

	return err
}

// On Windows the WinRT init reports S_FALSE ("already initialized") as
// "Incorrect function.".
func isBenignEnableAdapterError(err error) bool {
	if err == nil || runtime.GOOS != "windows" {
		return false
	}
	msg := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(err.Error())), ".")

	return msg == "incorrect function"
}
