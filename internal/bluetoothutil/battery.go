package bluetoothutil

import "fmt"

// ParseBatteryLevel decodes a Battery Level characteristic value (percent,
// one byte, 0..100).
func ParseBatteryLevel(value []byte) (int, error) {
	if len(value) == 0 {
		return -1, fmt.Errorf("battery level value is empty")
	}
	level := int(value[0])
	if level > 100 {
		return -1, fmt.Errorf("battery level out of range: %d", level)
	}

	return level, nil
}
