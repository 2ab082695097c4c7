// Package control is the foreground side of sparkin: it talks to the service
// over the local channel and runs the multi-step device workflows (firmware
// updates, enrollment, slot management) on top of the forwarded frames.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/sparkin/internal/bus"
	"github.com/skobkin/sparkin/internal/config"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/dispatch"
	"github.com/skobkin/sparkin/internal/enroll"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/firmware"
	"github.com/skobkin/sparkin/internal/ipc"
	"github.com/skobkin/sparkin/internal/slots"
	"github.com/skobkin/sparkin/internal/update"
)

const updateCheckTimeout = 30 * time.Second

var ErrDeviceNotConnected = errors.New("device is not connected")

// UpdateChecker looks up newer releases on the update server.
type UpdateChecker interface {
	Configured() bool
	Check(ctx context.Context, kind update.Kind, currentVersion string) (update.Snapshot, error)
}

type Options struct {
	Logger  *slog.Logger
	Bus     bus.MessageBus
	Channel Channel
	// Updates is optional; without it the attach flow skips the firmware check.
	Updates  UpdateChecker
	Firmware firmware.Options
	// Interactive keeps the device awake while the control process is attached.
	Interactive bool
	// CheckFirmware runs a firmware update check after the device reports its info.
	CheckFirmware bool
}

type Controller struct {
	logger      *slog.Logger
	bus         bus.MessageBus
	channel     Channel
	sender      channelSender
	updates     UpdateChecker
	interactive bool
	checkFW     bool

	dispatcher *dispatch.Dispatcher
	firmware   *firmware.Orchestrator
	enroll     *enroll.Manager
	slots      *slots.Table

	mu            sync.RWMutex
	connected     bool
	deviceName    string
	battery       int
	info          devicelink.DeviceInfo
	haveInfo      bool
	attachPending bool
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sender := channelSender{ch: opts.Channel}
	c := &Controller{
		logger:      logger,
		bus:         opts.Bus,
		channel:     opts.Channel,
		sender:      sender,
		updates:     opts.Updates,
		interactive: opts.Interactive,
		checkFW:     opts.CheckFirmware,
		dispatcher:  dispatch.New(logger.With("role", "control"), opts.Bus),
		firmware:    firmware.NewOrchestrator(sender, logger.With("component", "firmware"), opts.Firmware),
		enroll:      enroll.NewManager(sender, logger.With("component", "enroll")),
		slots:       slots.NewTable(),
		battery:     -1,
	}
	c.dispatcher.SetInterceptor(func(f devicelink.Frame) bool {
		return c.firmware.HandleFrame(f) || c.enroll.HandleFrame(f)
	})
	c.registerFrameHandlers()
	c.registerMessageHandlers()

	return c
}

// HandleMessage is the channel receive callback.
func (c *Controller) HandleMessage(msg ipc.Message) {
	c.dispatcher.DispatchMessage(msg)
}

// Attach asks the service for the link state; the rest of the attach flow
// follows the replies.
func (c *Controller) Attach(ctx context.Context) error {
	c.mu.Lock()
	c.attachPending = true
	c.mu.Unlock()

	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindGetConnectState})
}

// Detach lets the device sleep again and drops any enrollment in progress.
func (c *Controller) Detach(ctx context.Context) error {
	var errs []error
	if s := c.enroll.Active(); s != nil {
		errs = append(errs, s.Close(ctx))
	}
	if c.interactive && c.DeviceConnected() && c.channel.Connected() {
		errs = append(errs, c.SetEnableSleep(ctx, true))
	}

	return errors.Join(errs...)
}

func (c *Controller) DeviceConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Battery is the last reported level, or -1.
func (c *Controller) Battery() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.battery
}

func (c *Controller) DeviceInfo() (devicelink.DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.info, c.haveInfo
}

func (c *Controller) Slots() []slots.Slot {
	return c.slots.List()
}

// Busy reports whether an update or enrollment needs the device awake.
func (c *Controller) Busy() bool {
	return c.firmware.Running() || c.enroll.Active() != nil
}

func (c *Controller) RequestDeviceInfo(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindGetDeviceInfo})
}

func (c *Controller) RequestSlots(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindGetFingerNames})
}

func (c *Controller) RequestConnectState(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindGetConnectState})
}

func (c *Controller) RequestLockStatus(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindGetLockScreenStatus})
}

func (c *Controller) RequestPairStatus(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindPairStatus})
}

func (c *Controller) Pair(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("pair address is empty")
	}

	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindPair, Text: address})
}

func (c *Controller) Unpair(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindUnpair})
}

func (c *Controller) ReloadConfig(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindReloadConfig})
}

func (c *Controller) ConnectDevice(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindConnectDevice})
}

func (c *Controller) DisconnectDevice(ctx context.Context) error {
	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindDisconnectDevice})
}

func (c *Controller) SetSleepTime(ctx context.Context, seconds uint32) error {
	if !config.ValidSleepSeconds(seconds) {
		return fmt.Errorf("unsupported sleep timeout %ds, allowed: %v", seconds, config.AllowedSleepSeconds)
	}

	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindSetSleepTime, Text: strconv.FormatUint(uint64(seconds), 10)})
}

func (c *Controller) SetEnableSleep(ctx context.Context, enable bool) error {
	flag := byte(0)
	if enable {
		flag = 1
	}

	return c.sender.send(ctx, ipc.Message{Kind: ipc.KindSetEnableSleep, Data: []byte{flag}})
}

func (c *Controller) Rename(ctx context.Context, index uint8, name string) error {
	if err := slots.ValidateName(name); err != nil {
		return err
	}
	if _, ok := c.slots.Get(index); !ok && c.slots.Len() > 0 {
		return fmt.Errorf("%w: slot %d is empty", slots.ErrInvalidIndex, index)
	}
	cmd, err := devicelink.EncodeRenameFinger(index, name)
	if err != nil {
		return err
	}

	return c.sender.SendCommand(ctx, cmd)
}

func (c *Controller) Delete(ctx context.Context, index uint8) error {
	cmd, err := devicelink.EncodeDelete(index)
	if err != nil {
		return err
	}

	return c.sender.SendCommand(ctx, cmd)
}

// Enroll registers a finger in the lowest free slot. name may be empty for
// the default slot name.
func (c *Controller) Enroll(ctx context.Context, name string, opts enroll.Options) (*enroll.Session, error) {
	if !c.DeviceConnected() {
		return nil, ErrDeviceNotConnected
	}
	slot, err := c.slots.Allocate()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = slots.DefaultName(slot)
	}

	observer := opts.Observer
	opts.Observer = func(ev enroll.Event) {
		if c.bus != nil {
			c.bus.Publish(events.TopicEnrollment, ev)
		}
		if ev.Kind == enroll.EventCompleted {
			c.nameEnrolled(context.WithoutCancel(ctx), ev.Slot, name)
		}
		if observer != nil {
			observer(ev)
		}
	}

	return c.enroll.Start(ctx, slot, opts)
}

func (c *Controller) nameEnrolled(ctx context.Context, slot uint8, name string) {
	err := c.sender.send(ctx, ipc.Message{Kind: ipc.KindSetFingerName, Data: []byte{slot}, Text: name})
	if err != nil {
		c.logger.Warn("name enrolled finger failed", "slot", slot, "error", err)

		return
	}
	_ = c.slots.Put(slots.Slot{Index: slot, Name: slots.TruncateName(name)})
}

// UpdateFirmware streams img to the device and blocks until the update ends.
func (c *Controller) UpdateFirmware(ctx context.Context, img firmware.Image, rep firmware.Reporter) firmware.Result {
	if rep == nil {
		rep = firmware.ReporterFuncs{}
	}
	wrapped := firmware.ReporterFuncs{
		OnProgress: func(percent int) {
			c.publishFirmware(events.FirmwareProgress{Percent: percent})
			rep.Progress(percent)
		},
		OnFinished: func(res firmware.Result) {
			c.publishFirmware(events.FirmwareProgress{
				SessionID: res.SessionID,
				Percent:   100,
				Done:      true,
				Success:   res.Success,
				Reason:    res.Reason,
			})
			rep.Finished(res)
		},
	}
	if !c.DeviceConnected() {
		res := firmware.Result{Reason: ErrDeviceNotConnected.Error(), Phase: firmware.PhaseFailed, Err: ErrDeviceNotConnected}
		wrapped.Finished(res)

		return res
	}

	return c.firmware.Run(ctx, img, wrapped)
}

func (c *Controller) publishFirmware(p events.FirmwareProgress) {
	if c.bus != nil {
		c.bus.Publish(events.TopicFirmwareProgress, p)
	}
}

// CheckUpdate compares the server manifest with the running firmware or
// client version.
func (c *Controller) CheckUpdate(ctx context.Context, kind update.Kind, currentVersion string) (update.Snapshot, error) {
	if c.updates == nil || !c.updates.Configured() {
		return update.Snapshot{}, update.ErrNotConfigured
	}
	snap, err := c.updates.Check(ctx, kind, currentVersion)
	if err != nil {
		return update.Snapshot{}, err
	}
	if c.bus != nil {
		c.bus.Publish(events.TopicUpdateSnapshot, snap)
	}

	return snap, nil
}
