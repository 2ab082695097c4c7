package bluetoothutil

import (
	"errors"
	"runtime"
	"testing"
)

func TestIsBenignEnableAdapterError(t *testing.T) {
	onWindows := runtime.GOOS == "windows"
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unrelated", err: errors.New("adapter powered off"), want: false},
		{name: "already initialized", err: errors.New("Incorrect function."), want: onWindows},
		{name: "already initialized lower case", err: errors.New(" incorrect function "), want: onWindows},
	}

	for _, tt := range tests {
		if got := isBenignEnableAdapterError(tt.err); got != tt.want {
			t.Fatalf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeAdapterID(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"  ":               "",
		"hci1":             "hci1",
		" /org/bluez/hci2": "hci2",
		"/org/bluez/hci0/": "hci0",
	}

	for in, want := range tests {
		if got := NormalizeAdapterID(in); got != want {
			t.Fatalf("NormalizeAdapterID(%q) = %q, want %q", in, got, want)
		}
	}
}
