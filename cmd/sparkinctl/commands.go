package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/skobkin/sparkin/internal/app"
	"github.com/skobkin/sparkin/internal/bluetoothutil"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/enroll"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/firmware"
	"github.com/skobkin/sparkin/internal/persistence"
	"github.com/skobkin/sparkin/internal/slots"
	"github.com/skobkin/sparkin/internal/update"
)

const defaultHistoryLimit = 10

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	return fs
}

func noArgs(e env) error {
	if len(e.args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", e.args)
	}

	return nil
}

// parseSlot turns a 1-based slot number from the command line into an index.
func parseSlot(raw string) (uint8, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 || n > slots.MaxSlots {
		return 0, fmt.Errorf("slot must be a number from 1 to %d, got %q", slots.MaxSlots, raw)
	}

	return uint8(n - 1), nil
}

func runInfo(e env, rt *app.ControlRuntime) error {
	if err := noArgs(e); err != nil {
		return err
	}
	w, err := attach(e, rt, events.TopicDeviceInfo)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Wait(e.ctx, requireDevice(untilDeviceInfo)); err != nil {
		return err
	}
	info, _ := rt.Controller.DeviceInfo()
	printDeviceInfo(e.out, info, rt.Controller.Battery())

	return nil
}

func runSlots(e env, rt *app.ControlRuntime) error {
	fs := newFlagSet("slots")
	offline := fs.Bool("offline", false, "answer from the service cache when the device is away")
	if err := fs.Parse(e.args); err != nil {
		return err
	}

	w, err := attach(e, rt, events.TopicSlots)
	if err != nil {
		return err
	}
	defer w.Close()

	match := requireDevice(untilSlots)
	if *offline {
		if err := rt.Controller.RequestSlots(e.ctx); err != nil {
			return err
		}
		match = untilSlots
	}
	if err := w.Wait(e.ctx, match); err != nil {
		if errors.Is(err, errDeviceOffline) {
			return fmt.Errorf("%w, use --offline for cached names", err)
		}
		return err
	}
	printSlots(e.out, rt.Controller.Slots())

	return nil
}

func runEnroll(e env, rt *app.ControlRuntime) error {
	fs := newFlagSet("enroll")
	name := fs.String("name", "", "finger name (default: Finger N)")
	if err := fs.Parse(e.args); err != nil {
		return err
	}
	if *name != "" {
		if err := slots.ValidateName(*name); err != nil {
			return err
		}
	}

	w, err := attach(e, rt, events.TopicSlots)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Wait(e.ctx, requireDevice(untilSlots)); err != nil {
		return err
	}

	session, err := rt.Controller.Enroll(e.ctx, *name, enroll.Options{
		Observer: func(ev enroll.Event) {
			printEnrollEvent(e.out, ev)
		},
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.out, "enrolling into slot %d, place your finger on the sensor\n", session.Slot()+1)

	select {
	case <-session.Done():
	case <-e.ctx.Done():
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.opts.Timeout)
		defer cancel()
		_ = session.Close(closeCtx)
		return e.ctx.Err()
	}

	switch st := session.State(); st {
	case enroll.StateCompleted:
		if err := w.Wait(e.ctx, untilSlots); err != nil {
			return fmt.Errorf("enrolled, but the slot list did not refresh: %w", err)
		}
		printSlots(e.out, rt.Controller.Slots())
		return nil
	default:
		return fmt.Errorf("enrollment %s", st)
	}
}

// slotCommand waits for the slot list, runs op and waits for the refresh the
// device's success reply triggers.
func slotCommand(e env, rt *app.ControlRuntime, op func(ctx context.Context) error) error {
	w, err := attach(e, rt, events.TopicSlots, events.TopicDeviceFrame)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Wait(e.ctx, requireDevice(untilSlots)); err != nil {
		return err
	}
	if err := op(e.ctx); err != nil {
		return err
	}
	if err := w.Wait(e.ctx, requireDevice(rejectFrames(untilSlots))); err != nil {
		return err
	}
	printSlots(e.out, rt.Controller.Slots())

	return nil
}

// rejectFrames turns a failure reply to a slot command into an error.
func rejectFrames(inner matcher) matcher {
	return func(ev any) (bool, error) {
		if f, ok := ev.(devicelink.Frame); ok {
			switch f.Opcode {
			case devicelink.OpDelete, devicelink.OpSetFingerName, devicelink.OpRenameFinger:
				if st, ok := f.Status(); ok && st == devicelink.StatusFailure {
					return false, fmt.Errorf("device rejected %s", f.Opcode)
				}
			}
		}

		return inner(ev)
	}
}

func runDelete(e env, rt *app.ControlRuntime) error {
	if len(e.args) != 1 {
		return errors.New("usage: delete SLOT")
	}
	index, err := parseSlot(e.args[0])
	if err != nil {
		return err
	}

	return slotCommand(e, rt, func(ctx context.Context) error {
		if _, ok := slotByIndex(rt.Controller.Slots(), index); !ok {
			return fmt.Errorf("slot %d is empty", index+1)
		}
		return rt.Controller.Delete(ctx, index)
	})
}

func runRename(e env, rt *app.ControlRuntime) error {
	if len(e.args) < 2 {
		return errors.New("usage: rename SLOT NAME")
	}
	index, err := parseSlot(e.args[0])
	if err != nil {
		return err
	}
	name := strings.Join(e.args[1:], " ")
	if err := slots.ValidateName(name); err != nil {
		return err
	}

	return slotCommand(e, rt, func(ctx context.Context) error {
		return rt.Controller.Rename(ctx, index, name)
	})
}

func runSleep(e env, rt *app.ControlRuntime) error {
	if len(e.args) != 1 {
		return errors.New("usage: sleep SECONDS")
	}
	seconds, err := strconv.ParseUint(strings.TrimSpace(e.args[0]), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid seconds %q", e.args[0])
	}

	w, err := attach(e, rt, events.TopicDeviceInfo, events.TopicDeviceFrame)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Wait(e.ctx, requireDevice(untilDeviceInfo)); err != nil {
		return err
	}
	if err := rt.Controller.SetSleepTime(e.ctx, uint32(seconds)); err != nil {
		return err
	}
	if err := w.Wait(e.ctx, untilFrameResult(devicelink.OpSetSleepTime)); err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.out, "sleep timeout set to %s\n", formatSleep(uint32(seconds)))

	return err
}

func runLockStatus(e env, rt *app.ControlRuntime) error {
	if err := noArgs(e); err != nil {
		return err
	}
	w, err := attach(e, rt, events.TopicLockScreen)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := rt.Controller.RequestLockStatus(e.ctx); err != nil {
		return err
	}
	var locked bool
	err = w.Wait(e.ctx, func(ev any) (bool, error) {
		change, ok := ev.(events.LockScreenChange)
		locked = change.Locked
		return ok, nil
	})
	if err != nil {
		return err
	}
	state := "unlocked"
	if locked {
		state = "locked"
	}
	_, err = fmt.Fprintf(e.out, "session %s\n", state)

	return err
}

func waitConnState(e env, rt *app.ControlRuntime, want events.ConnectionState, op func(context.Context) error) error {
	w, err := attach(e, rt)
	if err != nil {
		return err
	}
	defer w.Close()

	// The first status answers the attach.
	if err := w.Wait(e.ctx, func(ev any) (bool, error) {
		_, ok := ev.(events.ConnectionStatus)
		return ok, nil
	}); err != nil {
		return err
	}
	if rt.Controller.DeviceConnected() == (want == events.ConnectionStateConnected) {
		_, err := fmt.Fprintf(e.out, "device already %s\n", want)
		return err
	}
	if err := op(e.ctx); err != nil {
		return err
	}
	err = w.Wait(e.ctx, func(ev any) (bool, error) {
		st, ok := ev.(events.ConnectionStatus)
		return ok && st.State == want, nil
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.out, "device %s\n", want)

	return err
}

func runConnect(e env, rt *app.ControlRuntime) error {
	if err := noArgs(e); err != nil {
		return err
	}

	return waitConnState(e, rt, events.ConnectionStateConnected, rt.Controller.ConnectDevice)
}

func runDisconnect(e env, rt *app.ControlRuntime) error {
	if err := noArgs(e); err != nil {
		return err
	}

	return waitConnState(e, rt, events.ConnectionStateDisconnected, rt.Controller.DisconnectDevice)
}

func pairingCommand(e env, rt *app.ControlRuntime, op func(context.Context) error) error {
	w, err := attach(e, rt, events.TopicPairing)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := op(e.ctx); err != nil {
		return err
	}
	var change events.PairingChange
	err = w.Wait(e.ctx, func(ev any) (bool, error) {
		p, ok := ev.(events.PairingChange)
		if ok {
			change = p
		}
		return ok, nil
	})
	if err != nil {
		return err
	}
	printPairing(e.out, change)

	return nil
}

func runScan(e env, rt *app.ControlRuntime) error {
	fs := newFlagSet("scan")
	adapter := fs.String("adapter", rt.Config.Device.BluetoothAdapter, "bluetooth adapter id, e.g. hci1")
	duration := fs.Duration("duration", bluetoothutil.DefaultScanDuration, "scan duration")
	all := fs.Bool("all", false, "list every advertiser, not only sensors")
	if err := fs.Parse(e.args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(e.out, "scanning for %s\n", *duration)
	devices, err := bluetoothutil.Scan(e.ctx, *adapter, *duration)
	if err != nil {
		return err
	}
	printScan(e.out, devices, *all)

	return nil
}

func runPair(e env, rt *app.ControlRuntime) error {
	if len(e.args) != 1 {
		return errors.New("usage: pair ADDRESS")
	}
	address := e.args[0]

	return pairingCommand(e, rt, func(ctx context.Context) error {
		return rt.Controller.Pair(ctx, address)
	})
}

func runPairStatus(e env, rt *app.ControlRuntime) error {
	if err := noArgs(e); err != nil {
		return err
	}

	return pairingCommand(e, rt, rt.Controller.RequestPairStatus)
}

func runUnpair(e env, rt *app.ControlRuntime) error {
	if err := noArgs(e); err != nil {
		return err
	}

	return pairingCommand(e, rt, rt.Controller.Unpair)
}

// runReloadConfig follows the reload with a pair status query so the command
// returns only after the service processed it.
func runReloadConfig(e env, rt *app.ControlRuntime) error {
	if err := noArgs(e); err != nil {
		return err
	}

	return pairingCommand(e, rt, func(ctx context.Context) error {
		if err := rt.Controller.ReloadConfig(ctx); err != nil {
			return err
		}
		return rt.Controller.RequestPairStatus(ctx)
	})
}

func parseKind(raw string) (update.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "firmware", "fw":
		return update.KindFirmware, nil
	case "software", "client", "sw":
		return update.KindSoftware, nil
	default:
		return 0, fmt.Errorf("unknown update kind %q", raw)
	}
}

func runUpdateCheck(e env, rt *app.ControlRuntime) error {
	fs := newFlagSet("update-check")
	rawKind := fs.String("kind", "firmware", "firmware or software")
	if err := fs.Parse(e.args); err != nil {
		return err
	}
	kind, err := parseKind(*rawKind)
	if err != nil {
		return err
	}
	if !rt.Updates.Configured() {
		return update.ErrNotConfigured
	}

	current := app.BuildVersion()
	if kind == update.KindFirmware {
		current, err = currentFirmware(e, rt)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.Timeout)
	defer cancel()
	snap, err := rt.Controller.CheckUpdate(ctx, kind, current)
	if err != nil {
		return err
	}
	printSnapshot(e.out, snap)

	return nil
}

func currentFirmware(e env, rt *app.ControlRuntime) (string, error) {
	w, err := attach(e, rt, events.TopicDeviceInfo)
	if err != nil {
		return "", err
	}
	defer w.Close()

	if err := w.Wait(e.ctx, requireDevice(untilDeviceInfo)); err != nil {
		return "", err
	}
	info, _ := rt.Controller.DeviceInfo()

	return info.FirmwareVersion, nil
}

func runUpdateFirmware(e env, rt *app.ControlRuntime) error {
	fs := newFlagSet("update-firmware")
	file := fs.String("file", "", "flash a local image instead of the latest release")
	force := fs.Bool("force", false, "flash even when the device is up to date")
	if err := fs.Parse(e.args); err != nil {
		return err
	}

	current, err := currentFirmware(e, rt)
	if err != nil {
		return err
	}

	path := *file
	expectedHash := ""
	if path == "" {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.Timeout)
		snap, err := rt.Controller.CheckUpdate(ctx, update.KindFirmware, current)
		cancel()
		if err != nil {
			return err
		}
		if !snap.UpdateAvailable && !*force {
			_, err := fmt.Fprintf(e.out, "firmware %s is up to date\n", current)
			return err
		}
		_, _ = fmt.Fprintf(e.out, "downloading firmware %s\n", snap.Manifest.Version)
		path, err = rt.Updates.Download(e.ctx, snap.Manifest, progressPrinter(e.out, "download"))
		if err != nil {
			return err
		}
		expectedHash = snap.Manifest.HashCRC32
	}

	img, err := firmware.PrepareImage(path, expectedHash)
	if err != nil {
		return err
	}
	img.Compress = rt.Config.Update.CompressFirmware

	res := rt.Controller.UpdateFirmware(e.ctx, img, firmware.ReporterFuncs{
		OnProgress: progressPrinter(e.out, "flash"),
	})
	if !res.Success {
		return fmt.Errorf("firmware update failed during %s: %s", res.Phase, res.Reason)
	}
	_, err = fmt.Fprintln(e.out, "firmware updated, the device restarts")

	return err
}

func runWatch(e env, rt *app.ControlRuntime) error {
	if err := noArgs(e); err != nil {
		return err
	}
	topics := []string{
		events.TopicConnStatus,
		events.TopicDeviceInfo,
		events.TopicSlots,
		events.TopicLockScreen,
		events.TopicDeviceFrame,
		events.TopicPairing,
		events.TopicFirmwareProgress,
		events.TopicEnrollment,
		events.TopicUpdateSnapshot,
	}
	sub := rt.Bus.Subscribe(append(topics, events.TopicServiceError)...)
	defer rt.Bus.Unsubscribe(sub, append(topics, events.TopicServiceError)...)

	if err := rt.Connect(e.opts.Timeout); err != nil {
		return err
	}
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case raw, ok := <-sub:
			if !ok {
				return errors.New("event stream closed")
			}
			if line := formatEvent(raw); line != "" {
				_, _ = fmt.Fprintln(e.out, line)
			}
		}
	}
}

func runHistory(e env, rt *app.ControlRuntime) error {
	fs := newFlagSet("history")
	limit := fs.Int("limit", defaultHistoryLimit, "number of entries")
	clear := fs.Bool("clear", false, "forget the recorded history")
	if err := fs.Parse(e.args); err != nil {
		return err
	}
	if *clear {
		if err := persistence.ClearDatabase(e.ctx, rt.DB); err != nil {
			return err
		}
		_, err := fmt.Fprintln(e.out, "history cleared")
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be positive")
	}

	records, err := rt.History.ListRecent(e.ctx, *limit)
	if err != nil {
		return err
	}
	printHistory(e.out, records)

	return nil
}
