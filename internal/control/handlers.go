package control

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/ipc"
	"github.com/skobkin/sparkin/internal/slots"
	"github.com/skobkin/sparkin/internal/update"
)

func (c *Controller) registerMessageHandlers() {
	c.dispatcher.HandleMessage(ipc.KindDeviceConnected, c.onDeviceConnected)
	c.dispatcher.HandleMessage(ipc.KindDeviceDisconnected, c.onDeviceDisconnected)
	c.dispatcher.HandleMessage(ipc.KindDeviceError, c.onDeviceError)
	c.dispatcher.HandleMessage(ipc.KindCheckSleepRequest, c.onCheckSleepRequest)
	c.dispatcher.HandleMessage(ipc.KindPairStatus, c.onPairStatus)
	c.dispatcher.HandleMessage(ipc.KindPair, c.onPaired)
	c.dispatcher.HandleMessage(ipc.KindUnpair, c.onUnpaired)
}

func (c *Controller) registerFrameHandlers() {
	c.dispatcher.HandleFrame(devicelink.OpGetInfo, c.onDeviceInfo)
	c.dispatcher.HandleFrame(devicelink.OpGetFingerNames, c.onFingerNames)
	c.dispatcher.HandleFrame(devicelink.OpDelete, c.refreshOnSuccess)
	c.dispatcher.HandleFrame(devicelink.OpSetFingerName, c.refreshOnSuccess)
	c.dispatcher.HandleFrame(devicelink.OpRenameFinger, c.refreshOnSuccess)
	c.dispatcher.HandleFrame(devicelink.OpLockScreenStatus, c.onLockStatus)
	c.dispatcher.SetFallbackFrame(func(f devicelink.Frame) {
		c.logger.Debug("device frame", "frame", f)
	})
}

// parseConnected splits "name|battery"; a missing or bad battery is -1.
func parseConnected(text string) (string, int) {
	name, rawBattery, _ := strings.Cut(text, "|")
	battery, err := strconv.Atoi(strings.TrimSpace(rawBattery))
	if err != nil || battery < 0 || battery > 100 {
		battery = -1
	}

	return strings.TrimSpace(name), battery
}

func (c *Controller) onDeviceConnected(msg ipc.Message) {
	name, battery := parseConnected(msg.Text)

	c.mu.Lock()
	c.connected = true
	c.deviceName = name
	c.battery = battery
	attach := c.attachPending
	c.mu.Unlock()

	c.logger.Info("device connected", "name", name, "battery", battery)
	c.publishStatus(events.ConnectionStatus{
		State:      events.ConnectionStateConnected,
		DeviceName: name,
		Battery:    battery,
		Timestamp:  time.Now(),
	})

	if attach {
		if err := c.RequestDeviceInfo(context.Background()); err != nil {
			c.logger.Warn("request device info failed", "error", err)
		}
	}
}

func (c *Controller) onDeviceDisconnected(msg ipc.Message) {
	c.mu.Lock()
	c.connected = false
	c.battery = -1
	c.haveInfo = false
	c.mu.Unlock()

	c.logger.Info("device disconnected")
	c.publishStatus(events.ConnectionStatus{
		State:      events.ConnectionStateDisconnected,
		DeviceName: strings.TrimSpace(msg.Text),
		Battery:    -1,
		Timestamp:  time.Now(),
	})
}

func (c *Controller) onDeviceError(msg ipc.Message) {
	c.logger.Warn("service reported error", "error", msg.Text)
	if c.bus != nil {
		c.bus.Publish(events.TopicServiceError, events.ServiceError{Message: msg.Text, Timestamp: time.Now()})
	}
}

// onCheckSleepRequest keeps the device awake while an update or enrollment runs.
func (c *Controller) onCheckSleepRequest(ipc.Message) {
	canSleep := byte(1)
	if c.Busy() {
		canSleep = 0
	}
	err := c.sender.send(context.Background(), ipc.Message{Kind: ipc.KindCheckSleepResponse, Data: []byte{canSleep}})
	if err != nil {
		c.logger.Warn("answer check sleep failed", "error", err)
	}
}

// onPairStatus parses "name|paired|target".
func (c *Controller) onPairStatus(msg ipc.Message) {
	parts := strings.SplitN(msg.Text, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	paired, _ := strconv.ParseBool(strings.TrimSpace(parts[1]))
	c.publishPairing(events.PairingChange{
		Name:   strings.TrimSpace(parts[0]),
		Paired: paired,
		Target: strings.TrimSpace(parts[2]),
	})
}

func (c *Controller) onPaired(msg ipc.Message) {
	target := strings.TrimSpace(msg.Text)
	c.publishPairing(events.PairingChange{Paired: target != "", Target: target})
}

func (c *Controller) onUnpaired(msg ipc.Message) {
	c.slots.Replace(nil)
	c.publishPairing(events.PairingChange{Paired: false, Target: strings.TrimSpace(msg.Text)})
}

func (c *Controller) onDeviceInfo(f devicelink.Frame) {
	info, err := devicelink.DecodeDeviceInfo(f)
	if err != nil {
		c.logger.Warn("bad device info", "error", err)

		return
	}

	c.mu.Lock()
	c.info = info
	c.haveInfo = true
	attach := c.attachPending
	c.attachPending = false
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.TopicDeviceInfo, info)
	}
	if attach {
		c.afterAttach(info)
	}
}

// afterAttach runs once per attach after the device identified itself.
func (c *Controller) afterAttach(info devicelink.DeviceInfo) {
	ctx := context.Background()
	if err := c.RequestSlots(ctx); err != nil {
		c.logger.Warn("request finger names failed", "error", err)
	}
	if c.interactive {
		if err := c.SetEnableSleep(ctx, false); err != nil {
			c.logger.Warn("hold device awake failed", "error", err)
		}
	}
	if c.checkFW && c.updates != nil && c.updates.Configured() {
		go c.checkFirmware(info.FirmwareVersion)
	}
}

func (c *Controller) checkFirmware(current string) {
	ctx, cancel := context.WithTimeout(context.Background(), updateCheckTimeout)
	defer cancel()

	snap, err := c.CheckUpdate(ctx, update.KindFirmware, current)
	if err != nil {
		c.logger.Warn("firmware update check failed", "error", err)

		return
	}
	if snap.UpdateAvailable {
		c.logger.Info("firmware update available", "current", current, "latest", snap.Manifest.Version)
	}
}

func (c *Controller) onFingerNames(f devicelink.Frame) {
	list, err := devicelink.DecodeFingerNames(f)
	if err != nil {
		c.logger.Warn("bad finger names", "error", err)

		return
	}
	if dropped := c.slots.Replace(list); len(dropped) > 0 {
		c.logger.Warn("device listed slots past the host limit", "max", slots.MaxSlots, "skipped", len(dropped))
	}
	if c.bus != nil {
		c.bus.Publish(events.TopicSlots, c.slots.List())
	}
}

func (c *Controller) refreshOnSuccess(f devicelink.Frame) {
	st, ok := f.Status()
	if !ok {
		return
	}
	if st != devicelink.StatusSuccess {
		c.logger.Warn("device rejected request", "opcode", f.Opcode, "status", st)

		return
	}
	if err := c.RequestSlots(context.Background()); err != nil {
		c.logger.Warn("refresh finger names failed", "error", err)
	}
}

func (c *Controller) onLockStatus(f devicelink.Frame) {
	st, ok := f.Status()
	if !ok || c.bus == nil {
		return
	}
	c.bus.Publish(events.TopicLockScreen, events.LockScreenChange{Locked: st == 1, Timestamp: time.Now()})
}

func (c *Controller) publishStatus(status events.ConnectionStatus) {
	if c.bus != nil {
		c.bus.Publish(events.TopicConnStatus, status)
	}
}

func (c *Controller) publishPairing(p events.PairingChange) {
	if c.bus != nil {
		c.bus.Publish(events.TopicPairing, p)
	}
}
