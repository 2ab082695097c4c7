package config

import (
	"fmt"
	"strings"
)

const (
	EnvConfigPath    = "SPARKIN_CONFIG"
	EnvSocketPath    = "SPARKIN_SOCKET"
	EnvLogLevel      = "SPARKIN_LOG_LEVEL"
	EnvDeviceAddress = "SPARKIN_DEVICE_ADDRESS"
	EnvUpdateURL     = "SPARKIN_UPDATE_URL"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment overrides on c and returns the names of the
// variables that were applied.
func (c *AppConfig) ApplyEnv(lookup LookupFunc) []string {
	var applied []string
	set := func(key string, apply func(string)) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		apply(v)
		applied = append(applied, key)
	}

	set(EnvSocketPath, func(v string) { c.Channel.SocketPath = v })
	set(EnvLogLevel, func(v string) { c.Logging.Level = strings.ToLower(v) })
	set(EnvDeviceAddress, func(v string) { c.SetDeviceAddress(v) })
	set(EnvUpdateURL, func(v string) { c.Update.BaseURL = v })

	return applied
}

// SetDeviceAddress accepts "bluetooth:AA:BB..", "serial:/dev/ttyUSB0",
// "ip:host:port" or a bare address for the current connector.
func (c *AppConfig) SetDeviceAddress(v string) {
	kind, rest, found := strings.Cut(v, ":")
	if found {
		switch ConnectorType(strings.ToLower(kind)) {
		case ConnectorBluetooth:
			c.Device.Connector = ConnectorBluetooth
			c.Device.BluetoothAddress = rest
			return
		case ConnectorSerial:
			c.Device.Connector = ConnectorSerial
			c.Device.SerialPort = rest
			return
		case ConnectorIP:
			c.Device.Connector = ConnectorIP
			c.Device.Host = rest
			return
		}
	}

	switch c.Device.Connector {
	case ConnectorSerial:
		c.Device.SerialPort = v
	case ConnectorIP:
		c.Device.Host = v
	default:
		c.Device.BluetoothAddress = v
	}
}

// ClearTarget forgets the paired peripheral and keeps the connector choice.
func (d *DeviceConfig) ClearTarget() {
	switch d.Connector {
	case ConnectorSerial:
		d.SerialPort = ""
	case ConnectorIP:
		d.Host = ""
	default:
		d.BluetoothAddress = ""
	}
}

// ConfigPath returns the SPARKIN_CONFIG override or fallback.
func ConfigPath(lookup LookupFunc, fallback string) string {
	if v, ok := lookup(EnvConfigPath); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}

	return fallback
}

func (c ConnectorType) String() string {
	return string(c)
}

// ParseConnector validates a connector name from flags or env.
func ParseConnector(s string) (ConnectorType, error) {
	switch ct := ConnectorType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ConnectorBluetooth, ConnectorSerial, ConnectorIP:
		return ct, nil
	default:
		return "", fmt.Errorf("unknown connector: %s", s)
	}
}
