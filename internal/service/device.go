package service

import (
	"context"
	"errors"
	"time"

	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/ipc"
	"github.com/skobkin/sparkin/internal/platform"
	"github.com/skobkin/sparkin/internal/slots"
)

const (
	lockTimeout  = 10 * time.Second
	cacheTimeout = 5 * time.Second
)

func (s *Service) registerFrameHandlers() {
	s.dispatcher.HandleFrame(devicelink.OpSearch, s.handleSearch)
	s.dispatcher.HandleFrame(devicelink.OpLockScreenStatus, s.handleLockStatusQuery)
	s.dispatcher.HandleFrame(devicelink.OpCheckSleep, s.handleCheckSleep)
	s.dispatcher.HandleFrame(devicelink.OpGetInfo, s.handleDeviceInfo)
	s.dispatcher.HandleFrame(devicelink.OpGetFingerNames, s.handleFingerNames)
	s.dispatcher.SetFallbackFrame(s.forwardFrame)
}

// handleSearch unlocks the session after the device matched a finger. The
// unlock runs off the reader goroutine so a slow logind call does not hold up
// other frames. Matches arriving while an unlock is running are ignored.
func (s *Service) handleSearch(frame devicelink.Frame) {
	cfg := s.settings.Current().Unlock
	if !cfg.Enabled {
		s.logger.Info("finger matched, unlock disabled")

		return
	}
	if s.locker == nil {
		s.logger.Warn("finger matched, no screen locker available")

		return
	}
	if !s.unlocking.CompareAndSwap(false, true) {
		s.logger.Debug("finger matched, unlock already in progress")

		return
	}

	go func() {
		defer s.unlocking.Store(false)
		s.unlockSession(frame, platform.Credentials{User: cfg.User, Password: cfg.Password})
	}()
}

func (s *Service) unlockSession(frame devicelink.Frame, creds platform.Credentials) {
	ctx, cancel := context.WithTimeout(s.rootContext(), lockTimeout)
	defer cancel()

	if locked, err := s.locker.Locked(ctx); err == nil && !locked {
		s.logger.Debug("finger matched, session already unlocked")

		return
	}
	if err := s.locker.Unlock(ctx, creds); err != nil {
		s.logger.Warn("unlock after finger match failed", "error", err)

		return
	}
	s.logger.Info("session unlocked by fingerprint", "frame", frame)
	s.publishLockState(false)
}

// handleLockStatusQuery answers the device asking whether the session is locked.
func (s *Service) handleLockStatusQuery(devicelink.Frame) {
	s.send(devicelink.EncodeLockScreenStatus(s.screenLocked()))
}

func (s *Service) handleCheckSleep(devicelink.Frame) {
	if s.channel != nil && s.channel.Connected() {
		err := s.channel.Send(ipc.Message{Kind: ipc.KindCheckSleepRequest})
		if err == nil {
			return
		}
		s.logger.Debug("check sleep request not delivered, allowing sleep", "error", err)
	}
	s.send(devicelink.EncodeCheckSleepResponse(true))
}

func (s *Service) handleDeviceInfo(frame devicelink.Frame) {
	info, err := devicelink.DecodeDeviceInfo(frame)
	if err != nil {
		s.logger.Warn("bad device info frame", "error", err)
	} else {
		s.mu.Lock()
		s.deviceID = info.DeviceID
		s.mu.Unlock()
		s.logger.Info("device info", "device_id", info.DeviceID, "firmware", info.FirmwareVersion, "build_date", info.BuildDate)
		if s.bus != nil {
			s.bus.Publish(events.TopicDeviceInfo, info)
		}
	}
	s.forwardFrame(frame)
}

func (s *Service) handleFingerNames(frame devicelink.Frame) {
	list, err := devicelink.DecodeFingerNames(frame)
	if err != nil {
		s.logger.Debug("finger names not cached", "error", err)
	} else {
		list, dropped := slots.Split(list)
		if len(dropped) > 0 {
			s.logger.Warn("device listed slots past the host limit", "max", slots.MaxSlots, "skipped", len(dropped))
		}
		s.cacheSlots(list)
		if s.bus != nil {
			s.bus.Publish(events.TopicSlots, list)
		}
	}
	s.forwardFrame(frame)
}

func (s *Service) forwardFrame(frame devicelink.Frame) {
	if !frame.Opcode.Forwarded() {
		s.logger.Debug("frame not forwarded", "opcode", frame.Opcode, "len", len(frame.Raw))

		return
	}
	s.notifyClient(ipc.Message{Kind: ipc.KindDeviceDataReceived, Data: frame.Raw})
}

func (s *Service) cacheSlots(list []slots.Slot) {
	deviceID := s.DeviceID()
	if s.slotCache == nil || deviceID == "" {
		return
	}
	snapshot := append([]slots.Slot(nil), list...)
	write := func(ctx context.Context) error {
		return s.slotCache.ReplaceAll(ctx, deviceID, snapshot)
	}
	if s.writer != nil {
		s.writer.Enqueue("cache_slots", write)

		return
	}

	ctx, cancel := context.WithTimeout(s.rootContext(), cacheTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		s.logger.Warn("cache slot names failed", "device_id", deviceID, "error", err)
	}
}

// cachedSlotsFrame rebuilds a finger name listing from the cache. Without a
// known device id the cache is used only when it holds a single device.
func (s *Service) cachedSlotsFrame(ctx context.Context) ([]byte, error) {
	if s.slotCache == nil {
		return nil, ErrDeviceNotConnected
	}
	deviceID := s.DeviceID()
	if deviceID == "" {
		devices, err := s.slotCache.Devices(ctx)
		if err != nil {
			return nil, err
		}
		if len(devices) != 1 {
			return nil, ErrDeviceNotConnected
		}
		deviceID = devices[0]
	}

	list, err := s.slotCache.List(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	return devicelink.EncodeFingerNames(list), nil
}

// screenLocked treats an unknown lock state as unlocked.
func (s *Service) screenLocked() bool {
	if s.locker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(s.rootContext(), lockTimeout)
	defer cancel()

	locked, err := s.locker.Locked(ctx)
	if err != nil {
		if !errors.Is(err, platform.ErrScreenLockUnsupported) {
			s.logger.Debug("read lock state failed", "error", err)
		}

		return false
	}
	s.publishLockState(locked)

	return locked
}

func (s *Service) publishLockState(locked bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicLockScreen, events.LockScreenChange{Locked: locked, Timestamp: time.Now()})
}
