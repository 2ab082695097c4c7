package app

import (
	"fmt"
	"strings"

	"github.com/skobkin/sparkin/internal/config"
	"github.com/skobkin/sparkin/internal/events"
)

func TransportNameFromConnector(connector config.ConnectorType) string {
	switch connector {
	case config.ConnectorIP:
		return "ip"
	case config.ConnectorSerial:
		return "serial"
	case config.ConnectorBluetooth:
		return "bluetooth"
	default:
		if value := strings.TrimSpace(string(connector)); value != "" {
			return value
		}
		return "unknown"
	}
}

// ConnectionStatusFromConfig is the status reported before the first connect attempt.
func ConnectionStatusFromConfig(cfg config.DeviceConfig) events.ConnectionStatus {
	status := events.ConnectionStatus{
		State:         events.ConnectionStateDisconnected,
		TransportName: TransportNameFromConnector(cfg.Connector),
		Target:        cfg.Target(),
		DeviceName:    cfg.Name,
		Battery:       -1,
	}
	if cfg.Paired() {
		status.State = events.ConnectionStateConnecting
	}

	return status
}

// FormatConnectionStatus renders a status line for terminal output.
func FormatConnectionStatus(status events.ConnectionStatus) string {
	var b strings.Builder
	b.WriteString(string(status.State))
	if status.TransportName != "" {
		fmt.Fprintf(&b, " via %s", status.TransportName)
	}
	if status.Target != "" {
		fmt.Fprintf(&b, " (%s)", status.Target)
	}
	if status.State == events.ConnectionStateConnected && status.Battery >= 0 {
		fmt.Fprintf(&b, " battery %d%%", status.Battery)
	}
	if status.Err != "" {
		fmt.Fprintf(&b, ": %s", status.Err)
	}

	return b.String()
}
