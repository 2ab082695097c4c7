package bluetoothutil

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// The peripheral exposes one custom service with a single characteristic
// that accepts host commands (write without response) and emits device
// frames (notify). Battery level uses the standard GATT battery service.
var (
	sparkinServiceUUID = mustParseUUID("4fafc201-1fb5-459e-8fcc-c5c9c331914b")
	sparkinDataUUID    = mustParseUUID("beb5483e-36e1-4688-b7f5-ea07361b26a8")
	batteryServiceUUID = bluetooth.New16BitUUID(0x180F)
	batteryLevelUUID   = bluetooth.New16BitUUID(0x2A19)
)

func mustParseUUID(raw string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}

	return uuid
}

func SparkinServiceUUID() bluetooth.UUID { return sparkinServiceUUID }

func SparkinDataUUID() bluetooth.UUID { return sparkinDataUUID }

func BatteryServiceUUID() bluetooth.UUID { return batteryServiceUUID }

func BatteryLevelUUID() bluetooth.UUID { return batteryLevelUUID }
