package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/skobkin/sparkin/internal/config"
	"github.com/skobkin/sparkin/internal/transport"
)

var errNoLink = errors.New("device link is not configured")

// DeviceTransport is the service's view of the peripheral link. Pairing and
// config reloads swap the underlying link in place.
type DeviceTransport struct {
	mu   sync.RWMutex
	dev  config.DeviceConfig
	link transport.Transport
}

func NewDeviceTransport(dev config.DeviceConfig) (*DeviceTransport, error) {
	link, err := dialerFor(dev)
	if err != nil {
		return nil, err
	}

	return &DeviceTransport{dev: dev, link: link}, nil
}

// Apply rebuilds the link for dev. Changes that do not touch the link
// parameters, such as the display name, keep the current link open.
func (t *DeviceTransport) Apply(dev config.DeviceConfig) error {
	t.mu.RLock()
	same := sameLink(t.dev, dev)
	t.mu.RUnlock()
	if same {
		t.mu.Lock()
		t.dev = dev
		t.mu.Unlock()
		return nil
	}

	next, err := dialerFor(dev)
	if err != nil {
		return err
	}

	t.mu.Lock()
	prev := t.link
	t.link, t.dev = next, dev
	t.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	return nil
}

func (t *DeviceTransport) Device() config.DeviceConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.dev
}

func (t *DeviceTransport) Name() string {
	if link := t.active(); link != nil {
		return link.Name()
	}

	return "unknown"
}

// StatusTarget prefers the address the link resolved at connect time.
func (t *DeviceTransport) StatusTarget() string {
	t.mu.RLock()
	link, dev := t.link, t.dev
	t.mu.RUnlock()

	if r, ok := link.(transport.StatusTargetResolver); ok {
		if resolved := strings.TrimSpace(r.StatusTarget()); resolved != "" {
			return resolved
		}
	}

	return dev.Target()
}

// BatteryLevel is -1 for links without a battery service.
func (t *DeviceTransport) BatteryLevel(ctx context.Context) (int, error) {
	if r, ok := t.active().(transport.BatteryReporter); ok {
		return r.BatteryLevel(ctx)
	}

	return -1, nil
}

func (t *DeviceTransport) Connect(ctx context.Context) error {
	link := t.active()
	if link == nil {
		return errNoLink
	}

	return link.Connect(ctx)
}

func (t *DeviceTransport) Close() error {
	if link := t.active(); link != nil {
		return link.Close()
	}

	return nil
}

func (t *DeviceTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	link := t.active()
	if link == nil {
		return nil, errNoLink
	}

	return link.ReadFrame(ctx)
}

func (t *DeviceTransport) WriteFrame(ctx context.Context, frame []byte) error {
	link := t.active()
	if link == nil {
		return errNoLink
	}

	return link.WriteFrame(ctx, frame)
}

func (t *DeviceTransport) active() transport.Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.link
}

func sameLink(a, b config.DeviceConfig) bool {
	if a.Connector != b.Connector {
		return false
	}
	switch a.Connector {
	case config.ConnectorSerial:
		return a.SerialPort == b.SerialPort && a.SerialBaud == b.SerialBaud
	case config.ConnectorBluetooth:
		return strings.EqualFold(a.BluetoothAddress, b.BluetoothAddress) && a.BluetoothAdapter == b.BluetoothAdapter
	default:
		return a.Host == b.Host
	}
}

func dialerFor(dev config.DeviceConfig) (transport.Transport, error) {
	switch dev.Connector {
	case config.ConnectorBluetooth:
		return transport.NewBluetoothTransport(dev.BluetoothAddress, dev.BluetoothAdapter), nil
	case config.ConnectorSerial:
		return transport.NewSerialTransport(dev.SerialPort, dev.SerialBaud), nil
	case config.ConnectorIP:
		return transport.NewIPTransport(dev.Host), nil
	default:
		return nil, fmt.Errorf("unknown connector: %q", dev.Connector)
	}
}
