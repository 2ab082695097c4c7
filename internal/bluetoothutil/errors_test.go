package bluetoothutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestIsDBusErrorName(t *testing.T) {
	err := dbus.NewError("org.bluez.Error.InProgress", nil)
	if !IsDBusErrorName(err, "org.bluez.Error.InProgress") {
		t.Fatalf("expected direct dbus error match")
	}
	if !IsDBusErrorName(fmt.Errorf("connect: %w", err), "org.bluez.Error.InProgress") {
		t.Fatalf("expected wrapped dbus error match")
	}
	if IsDBusErrorName(errors.New("plain"), "org.bluez.Error.InProgress") {
		t.Fatalf("unexpected match for plain error")
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "bluez auth failed", err: dbus.NewError("org.bluez.Error.AuthenticationFailed", nil), want: true},
		{name: "wrapped not permitted", err: fmt.Errorf("write: %w", dbus.NewError("org.bluez.Error.NotPermitted", nil)), want: true},
		{name: "att text", err: errors.New("ATT error: insufficient authentication"), want: true},
		{name: "unrelated", err: errors.New("connection timed out"), want: false},
	}

	for _, tc := range tests {
		if got := IsAuthError(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestIsBenignStopScanError(t *testing.T) {
	if !IsBenignStopScanError(nil) {
		t.Fatalf("nil error should be benign")
	}
	if !IsBenignStopScanError(dbus.NewError("org.bluez.Error.NotReady", nil)) {
		t.Fatalf("NotReady should be benign")
	}
	if !IsBenignStopScanError(dbus.NewError("org.bluez.Error.Failed", []interface{}{"No discovery started"})) {
		t.Fatalf("no discovery started should be benign")
	}
	if IsBenignStopScanError(errors.New("adapter powered off")) {
		t.Fatalf("unexpected benign classification")
	}
	if NormalizeScanError(errors.New("scan canceled")) != nil {
		t.Fatalf("expected canceled scan to normalize to nil")
	}
}

func TestIsScanAlreadyInProgressError(t *testing.T) {
	if IsScanAlreadyInProgressError(nil) {
		t.Fatalf("nil error is not in progress")
	}
	if !IsScanAlreadyInProgressError(dbus.NewError("org.bluez.Error.InProgress", nil)) {
		t.Fatalf("InProgress should be detected")
	}
	if !IsScanAlreadyInProgressError(errors.New("Operation already in progress")) {
		t.Fatalf("message fragment should be detected")
	}
	if IsScanAlreadyInProgressError(errors.New("adapter powered off")) {
		t.Fatalf("unexpected in-progress classification")
	}
}
