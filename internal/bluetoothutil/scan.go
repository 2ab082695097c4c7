package bluetoothutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

const DefaultScanDuration = 10 * time.Second

// ScanDevice is one advertiser seen during discovery.
type ScanDevice struct {
	Name    string
	Address string
	RSSI    int
	// Sparkin is set when the advertisement carries the sensor service.
	Sparkin bool
}

// Scan runs discovery on adapterID until ctx ends or duration passes and
// returns the advertisers, sensors first.
func Scan(ctx context.Context, adapterID string, duration time.Duration) ([]ScanDevice, error) {
	if duration <= 0 {
		duration = DefaultScanDuration
	}

	adapter := ResolveAdapter(adapterID)
	if err := EnableAdapter(adapter); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	if err := StopScan(adapter); err != nil {
		return nil, fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		mu      sync.Mutex
		devices = make(map[string]ScanDevice)
	)
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- runScan(adapter, func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			entry := ScanDevice{
				Name:    strings.TrimSpace(result.LocalName()),
				Address: strings.ToUpper(strings.TrimSpace(result.Address.String())),
				RSSI:    int(result.RSSI),
				Sparkin: result.HasServiceUUID(SparkinServiceUUID()),
			}
			if entry.Address == "" {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if existing, ok := devices[entry.Address]; ok {
				entry = mergeScanDevice(existing, entry)
			}
			devices[entry.Address] = entry
		})
	}()

	if err := awaitScan(scanCtx, adapter, scanErrCh); err != nil {
		return nil, err
	}

	mu.Lock()
	out := make([]ScanDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	mu.Unlock()
	SortScanDevices(out)

	return out, nil
}

// runScan retries once when a stale discovery from another process is still
// registered with the adapter.
func runScan(adapter *bluetooth.Adapter, callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := adapter.Scan(callback)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsScanAlreadyInProgressError(err) {
			return err
		}
		if stopErr := StopScan(adapter); stopErr != nil {
			return errors.Join(err, fmt.Errorf("stop stale bluetooth scan: %w", stopErr))
		}
	}

	return lastErr
}

func awaitScan(ctx context.Context, adapter *bluetooth.Adapter, scanErrCh <-chan error) error {
	select {
	case err := <-scanErrCh:
		if err = NormalizeScanError(err); err != nil {
			return fmt.Errorf("scan bluetooth devices: %w", err)
		}
		return nil
	case <-ctx.Done():
		if err := StopScan(adapter); err != nil {
			return fmt.Errorf("stop bluetooth scan: %w", err)
		}
		if err := NormalizeScanError(<-scanErrCh); err != nil {
			return fmt.Errorf("scan bluetooth devices: %w", err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		return ctx.Err()
	}
}

func mergeScanDevice(existing, next ScanDevice) ScanDevice {
	merged := existing
	if len(next.Name) > len(merged.Name) {
		merged.Name = next.Name
	}
	if next.RSSI > merged.RSSI {
		merged.RSSI = next.RSSI
	}
	merged.Sparkin = merged.Sparkin || next.Sparkin

	return merged
}

// SortScanDevices orders sensors first, then by signal strength and name.
func SortScanDevices(devices []ScanDevice) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Sparkin != devices[j].Sparkin {
			return devices[i].Sparkin
		}
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		left := strings.ToLower(devices[i].Name)
		right := strings.ToLower(devices[j].Name)
		if left != right {
			return left < right
		}

		return devices[i].Address < devices[j].Address
	})
}
