package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/sparkin/internal/bluetoothutil"
	"tinygo.org/x/bluetooth"
)

const (
	bluetoothFrameQueueSize  = 64
	bluetoothDiscoverWait    = 12 * time.Second
	bluetoothSubscribeWait   = 8 * time.Second
	bluetoothMaxWriteSize    = 512
	bluetoothBatteryReadSize = 8
)

type bluetoothConnState struct {
	device  bluetooth.Device
	data    bluetooth.DeviceCharacteristic
	battery *bluetooth.DeviceCharacteristic

	frameCh chan []byte
	closed  chan struct{}

	closeOnce sync.Once
	errMu     sync.RWMutex
	asyncErr  error
}

// BluetoothTransport talks to the peripheral's GATT data characteristic.
// Every notification is one device frame; every write is one host command.
type BluetoothTransport struct {
	address   string
	adapterID string

	mu      sync.RWMutex
	conn    *bluetoothConnState
	writeMu sync.Mutex
}

func NewBluetoothTransport(address, adapterID string) *BluetoothTransport {
	return &BluetoothTransport{
		address:   strings.TrimSpace(address),
		adapterID: strings.TrimSpace(adapterID),
	}
}

func (t *BluetoothTransport) Name() string {
	return "bluetooth"
}

func (t *BluetoothTransport) StatusTarget() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.address
}

func (t *BluetoothTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("bluetooth", "address", t.address, "adapter", t.adapterID)
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := parseBluetoothAddress(t.address)
	if err != nil {
		return err
	}

	adapter := bluetoothutil.ResolveAdapter(t.adapterID)
	logger.Info("connecting")
	if err := bluetoothutil.EnableAdapter(adapter); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil && shouldRetryBluetoothConnectWithDiscovery(err) {
		logger.Info("direct connect failed, trying discovery fallback", "error", err)
		if discoverErr := discoverBluetoothDevice(ctx, adapter, addr); discoverErr != nil {
			return fmt.Errorf("connect bluetooth device %q: %w", t.address, errors.Join(err, discoverErr))
		}
		device, err = adapter.Connect(addr, bluetooth.ConnectionParams{})
	}
	if err != nil {
		if bluetoothutil.IsAuthError(err) {
			logger.Warn("device rejected connection, pair it again", "error", err)
		}

		return fmt.Errorf("connect bluetooth device %q: %w", t.address, err)
	}

	data, err := discoverDataCharacteristic(device)
	if err != nil {
		_ = device.Disconnect()
		logger.Warn("service discovery failed", "error", err)

		return err
	}

	state := &bluetoothConnState{
		device:  device,
		data:    data,
		battery: discoverBatteryCharacteristic(device),
		frameCh: make(chan []byte, bluetoothFrameQueueSize),
		closed:  make(chan struct{}),
	}

	if err := enableBluetoothNotificationsWithTimeout(ctx, device, data, func(value []byte) {
		t.enqueueFrame(state, value)
	}, bluetoothSubscribeWait); err != nil {
		_ = device.Disconnect()

		return fmt.Errorf("subscribe to data notifications: %w", err)
	}

	if err := ctx.Err(); err != nil {
		state.markClosed()
		_ = data.EnableNotifications(nil)
		_ = device.Disconnect()

		return err
	}

	t.conn = state
	logger.Info("connected", "battery_service", state.battery != nil)

	return nil
}

func discoverDataCharacteristic(device bluetooth.Device) (bluetooth.DeviceCharacteristic, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{bluetoothutil.SparkinServiceUUID()})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover sparkin service: %w", err)
	}
	if len(services) == 0 {
		return bluetooth.DeviceCharacteristic{}, errors.New("sparkin BLE service is not available")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bluetoothutil.SparkinDataUUID()})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover data characteristic: %w", err)
	}
	if len(chars) != 1 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("unexpected characteristic count: %d", len(chars))
	}

	return chars[0], nil
}

// The battery service is optional; a missing one only disables level reports.
func discoverBatteryCharacteristic(device bluetooth.Device) *bluetooth.DeviceCharacteristic {
	services, err := device.DiscoverServices([]bluetooth.UUID{bluetoothutil.BatteryServiceUUID()})
	if err != nil || len(services) == 0 {
		return nil
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bluetoothutil.BatteryLevelUUID()})
	if err != nil || len(chars) == 0 {
		return nil
	}

	return &chars[0]
}

func (t *BluetoothTransport) Close() error {
	t.mu.Lock()
	logger := transportLogger("bluetooth", "address", t.address)
	state := t.conn
	t.conn = nil
	t.mu.Unlock()
	if state == nil {
		return nil
	}

	state.markClosed()

	var closeErr error
	if err := state.data.EnableNotifications(nil); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("disable data notifications: %w", err))
	}
	if err := state.device.Disconnect(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("disconnect bluetooth device: %w", err))
	}
	if closeErr != nil {
		logger.Warn("close failed", "error", closeErr)

		return closeErr
	}
	logger.Info("closed")

	return nil
}

func (t *BluetoothTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	state, err := t.currentState()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-state.frameCh:
		transportLogger("bluetooth").Debug("read frame", "len", len(payload))

		return payload, nil
	case <-state.closed:
		if err := state.closeErr(); err != nil {
			return nil, err
		}

		return nil, errors.New("transport is closed")
	}
}

func (t *BluetoothTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) == 0 || len(payload) > bluetoothMaxWriteSize {
		return fmt.Errorf("invalid payload size: %d", len(payload))
	}

	state, err := t.currentState()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-state.closed:
		if err := state.closeErr(); err != nil {
			return err
		}

		return errors.New("transport is closed")
	default:
	}

	written, err := state.data.WriteWithoutResponse(payload)
	if err != nil {
		transportLogger("bluetooth").Warn("write frame failed", "payload_len", len(payload), "error", err)
		t.failState(state, err)

		return fmt.Errorf("write data characteristic: %w", err)
	}
	if written != len(payload) {
		return fmt.Errorf("short write to data characteristic: wrote %d of %d", written, len(payload))
	}
	transportLogger("bluetooth").Debug("write frame", "payload_len", len(payload))

	return nil
}

// BatteryLevel reads the standard battery characteristic; -1 when the
// peripheral has none.
func (t *BluetoothTransport) BatteryLevel(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	state, err := t.currentState()
	if err != nil {
		return -1, err
	}
	if state.battery == nil {
		return -1, nil
	}

	buf := make([]byte, bluetoothBatteryReadSize)
	n, err := state.battery.Read(buf)
	if err != nil {
		return -1, fmt.Errorf("read battery level: %w", err)
	}

	return bluetoothutil.ParseBatteryLevel(buf[:n])
}

func (t *BluetoothTransport) currentState() (*bluetoothConnState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}

	return t.conn, nil
}

func (t *BluetoothTransport) failState(state *bluetoothConnState, err error) {
	state.setAsyncError(err)
	state.markClosed()

	t.mu.Lock()
	if t.conn == state {
		t.conn = nil
	}
	t.mu.Unlock()

	_ = state.data.EnableNotifications(nil)
	_ = state.device.Disconnect()
}

// enqueueFrame copies the notification value; when the reader lags the
// oldest queued frame is dropped.
func (t *BluetoothTransport) enqueueFrame(state *bluetoothConnState, value []byte) {
	if len(value) == 0 {
		return
	}
	frame := append([]byte(nil), value...)

	select {
	case <-state.closed:
		return
	default:
	}

	select {
	case state.frameCh <- frame:
	default:
		transportLogger("bluetooth").Warn("frame queue full, dropping oldest frame", "capacity", cap(state.frameCh))
		select {
		case <-state.frameCh:
		default:
		}
		select {
		case state.frameCh <- frame:
		default:
		}
	}
}

func parseBluetoothAddress(raw string) (bluetooth.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return bluetooth.Address{}, errors.New("bluetooth address is empty")
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(trimmed))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid bluetooth address %q: %w", trimmed, err)
	}

	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

// BlueZ answers Properties.Get on an unknown device path when the device was
// never seen in this boot; a scan makes it known.
func shouldRetryBluetoothConnectWithDiscovery(err error) bool {
	if err == nil || runtime.GOOS != "linux" {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "org.freedesktop.dbus.properties") || !strings.Contains(msg, "method \"get\"") {
		return false
	}

	return bluetoothutil.IsDBusErrorName(err, "org.freedesktop.DBus.Error.UnknownMethod") ||
		strings.Contains(msg, "doesn't exist")
}

func discoverBluetoothDevice(ctx context.Context, adapter *bluetooth.Adapter, target bluetooth.Address) error {
	logger := transportLogger("bluetooth", "target", target.String())
	if err := bluetoothutil.StopScan(adapter); err != nil {
		return fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, bluetoothDiscoverWait)
	defer cancel()

	foundCh := make(chan struct{}, 1)
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.Address.MAC != target.MAC {
				return
			}
			select {
			case foundCh <- struct{}{}:
			default:
			}
			_ = a.StopScan()
		})
	}()

	found := false
	select {
	case <-foundCh:
		found = true
	case <-scanCtx.Done():
		_ = bluetoothutil.StopScan(adapter)
	}

	if scanErr := bluetoothutil.NormalizeScanError(<-scanErrCh); scanErr != nil {
		return fmt.Errorf("scan bluetooth devices: %w", scanErr)
	}
	if !found {
		return fmt.Errorf("device %q was not discovered; keep it awake and nearby", target.String())
	}
	logger.Info("target device discovered")

	return nil
}

func (s *bluetoothConnState) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func (s *bluetoothConnState) setAsyncError(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.asyncErr == nil {
		s.asyncErr = err
	}
	s.errMu.Unlock()
}

func (s *bluetoothConnState) closeErr() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()

	return s.asyncErr
}

func enableBluetoothNotificationsWithTimeout(
	ctx context.Context,
	device bluetooth.Device,
	char bluetooth.DeviceCharacteristic,
	callback func([]byte),
	wait time.Duration,
) error {
	done := make(chan error, 1)
	go func() {
		done <- char.EnableNotifications(callback)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = device.Disconnect()

		return ctx.Err()
	case <-timer.C:
		_ = device.Disconnect()

		return fmt.Errorf("timed out after %s", wait)
	}
}
