package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ConnectorType identifies which device link backend should be used.
type ConnectorType string

const (
	ConnectorIP        ConnectorType = "ip"
	ConnectorBluetooth ConnectorType = "bluetooth"
	ConnectorSerial    ConnectorType = "serial"
	DefaultSerialBaud                = 115200
	DefaultDeviceName                = "Sparkin"

	DefaultSleepSeconds   = 300
	defaultUpdateInterval = 12 * time.Hour
)

// AllowedSleepSeconds lists the sleep timeouts the peripheral accepts. Zero
// disables sleep.
var AllowedSleepSeconds = []uint32{0, 60, 120, 300, 600, 1800, 3600}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// DeviceConfig describes how the service reaches the peripheral.
type DeviceConfig struct {
	Connector        ConnectorType `json:"connector"`
	Name             string        `json:"name"`
	Host             string        `json:"host"`
	SerialPort       string        `json:"serial_port"`
	SerialBaud       int           `json:"serial_baud"`
	BluetoothAddress string        `json:"bluetooth_address"`
	BluetoothAdapter string        `json:"bluetooth_adapter"`
}

// Paired reports whether a peripheral is configured for the chosen connector.
func (d DeviceConfig) Paired() bool {
	switch d.Connector {
	case ConnectorBluetooth:
		return strings.TrimSpace(d.BluetoothAddress) != ""
	case ConnectorSerial:
		return strings.TrimSpace(d.SerialPort) != ""
	case ConnectorIP:
		return strings.TrimSpace(d.Host) != ""
	default:
		return false
	}
}

// Target is the address of the configured peripheral.
func (d DeviceConfig) Target() string {
	switch d.Connector {
	case ConnectorBluetooth:
		return strings.TrimSpace(d.BluetoothAddress)
	case ConnectorSerial:
		return strings.TrimSpace(d.SerialPort)
	default:
		return strings.TrimSpace(d.Host)
	}
}

type ChannelConfig struct {
	SocketPath string `json:"socket_path"`
}

type SleepConfig struct {
	TimeoutSeconds uint32 `json:"timeout_seconds"`
}

// UnlockConfig holds the session credentials used when a finger matches.
type UnlockConfig struct {
	Enabled  bool   `json:"enabled"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type UpdateConfig struct {
	BaseURL          string   `json:"base_url"`
	CheckInterval    Duration `json:"check_interval"`
	DownloadDir      string   `json:"download_dir"`
	CompressFirmware bool     `json:"compress_firmware"`
}

// AppConfig is the root persisted configuration shared by both binaries.
type AppConfig struct {
	Device  DeviceConfig  `json:"device"`
	Channel ChannelConfig `json:"channel"`
	Sleep   SleepConfig   `json:"sleep"`
	Unlock  UnlockConfig  `json:"unlock"`
	Update  UpdateConfig  `json:"update"`
	Logging LoggingConfig `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Device: DeviceConfig{
			Connector:  ConnectorBluetooth,
			Name:       DefaultDeviceName,
			SerialBaud: DefaultSerialBaud,
		},
		Sleep: SleepConfig{
			TimeoutSeconds: DefaultSleepSeconds,
		},
		Unlock: UnlockConfig{
			Enabled: true,
		},
		Update: UpdateConfig{
			CheckInterval:    Duration(defaultUpdateInterval),
			CompressFirmware: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app paths and points to the config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Device.Connector == "" {
		c.Device.Connector = ConnectorBluetooth
	}
	if strings.TrimSpace(c.Device.Name) == "" {
		c.Device.Name = DefaultDeviceName
	}
	if c.Device.SerialBaud <= 0 {
		c.Device.SerialBaud = DefaultSerialBaud
	}
	if c.Update.CheckInterval <= 0 {
		c.Update.CheckInterval = Duration(defaultUpdateInterval)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate returns the first problem found. An unpaired device is valid.
func (c AppConfig) Validate() error {
	switch c.Device.Connector {
	case ConnectorIP, ConnectorBluetooth:
	case ConnectorSerial:
		if c.Device.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	default:
		return fmt.Errorf("unknown connector: %s", c.Device.Connector)
	}

	if !ValidSleepSeconds(c.Sleep.TimeoutSeconds) {
		return fmt.Errorf("unsupported sleep timeout: %d seconds", c.Sleep.TimeoutSeconds)
	}
	if c.Unlock.Enabled && strings.TrimSpace(c.Unlock.Password) != "" && strings.TrimSpace(c.Unlock.User) == "" {
		return errors.New("unlock user is required when a password is set")
	}
	if u := strings.TrimSpace(c.Update.BaseURL); u != "" &&
		!strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("update base url must be http(s): %s", u)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}

	return nil
}

func ValidSleepSeconds(s uint32) bool {
	return slices.Contains(AllowedSleepSeconds, s)
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// The file can hold unlock credentials.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
