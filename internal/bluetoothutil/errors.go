package bluetoothutil

import (
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// IsDBusErrorName reports whether err wraps a BlueZ/D-Bus error with the given name.
func IsDBusErrorName(err error, want string) bool {
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr != nil {
		return dbusErrPtr.Name == want
	}

	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && dbusErr.Name == want
}

// IsAuthError reports failures that mean the peripheral is not bonded with
// this host; reconnecting will not help until it is paired again.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	for _, name := range []string{
		"org.bluez.Error.AuthenticationFailed",
		"org.bluez.Error.AuthenticationRejected",
		"org.bluez.Error.NotAuthorized",
		"org.bluez.Error.NotPermitted",
	} {
		if IsDBusErrorName(err, name) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "insufficient authentication") || strings.Contains(msg, "not paired")
}

// IsScanAlreadyInProgressError reports a discovery session left running by
// another client of the adapter.
func IsScanAlreadyInProgressError(err error) bool {
	if err == nil {
		return false
	}
	if IsDBusErrorName(err, "org.bluez.Error.InProgress") {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "already in progress")
}

func IsBenignStopScanError(err error) bool {
	if err == nil {
		return true
	}
	if IsDBusErrorName(err, "org.bluez.Error.NotReady") {
		return true
	}
	if IsDBusErrorName(err, "org.bluez.Error.Failed") && strings.Contains(strings.ToLower(err.Error()), "no discovery started") {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"cancel", "stopped", "not scanning", "no scan in progress"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// StopScan stops discovery, ignoring errors that only mean no scan was running.
func StopScan(adapter *bluetooth.Adapter) error {
	if err := adapter.StopScan(); !IsBenignStopScanError(err) {
		return err
	}

	return nil
}

// NormalizeScanError drops the error Scan returns after a deliberate StopScan.
func NormalizeScanError(err error) error {
	if IsBenignStopScanError(err) {
		return nil
	}

	return err
}
