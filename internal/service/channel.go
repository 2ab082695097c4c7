package service

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/skobkin/sparkin/internal/config"
	"github.com/skobkin/sparkin/internal/devicelink"
	"github.com/skobkin/sparkin/internal/ipc"
)

var errUnlockRefused = errors.New("screen unlock is only triggered by a device finger match")

func (s *Service) registerMessageHandlers() {
	handlers := map[ipc.Kind]func(ipc.Message){
		ipc.KindConnectDevice:       s.onConnectDevice,
		ipc.KindDisconnectDevice:    s.onDisconnectDevice,
		ipc.KindSendDeviceCommand:   s.onSendDeviceCommand,
		ipc.KindGetDeviceInfo:       s.onGetDeviceInfo,
		ipc.KindGetFingerNames:      s.onGetFingerNames,
		ipc.KindGetConnectState:     s.onGetConnectState,
		ipc.KindGetLockScreenStatus: s.onGetLockScreenStatus,
		ipc.KindSetSleepTime:        s.onSetSleepTime,
		ipc.KindSetFingerName:       s.onSetFingerName,
		ipc.KindSetEnableSleep:      s.onSetEnableSleep,
		ipc.KindReloadConfig:        s.onReloadConfig,
		ipc.KindFirmwareUpdateStart: s.onFirmwareStart,
		ipc.KindFirmwareUpdateChunk: s.onFirmwareChunk,
		ipc.KindFirmwareUpdateEnd:   s.onFirmwareEnd,
		ipc.KindCheckSleepResponse:  s.onCheckSleepResponse,
		ipc.KindPair:                s.onPair,
		ipc.KindPairStatus:          s.onPairStatus,
		ipc.KindUnpair:              s.onUnpair,
		ipc.KindUnlockScreen:        s.onUnlockScreen,
	}
	for kind, fn := range handlers {
		s.dispatcher.HandleMessage(kind, fn)
	}
}

func (s *Service) reject(msg ipc.Message, err error) {
	s.logger.Warn("channel request rejected", "kind", msg.Kind, "error", err)
	s.notifyClient(ipc.Message{Kind: ipc.KindDeviceError, Text: fmt.Sprintf("%s: %v", msg.Kind, err)})
}

// sendConnected queues cmd, or reports that the device link is down.
func (s *Service) sendConnected(msg ipc.Message, cmd []byte) {
	if !s.Connected() {
		s.reject(msg, ErrDeviceNotConnected)

		return
	}
	s.send(cmd)
}

// onConnectDevice resumes the link, pairing first when Text names a target.
func (s *Service) onConnectDevice(msg ipc.Message) {
	if addr := strings.TrimSpace(msg.Text); addr != "" {
		if _, err := s.pair(addr); err != nil {
			s.reject(msg, err)

			return
		}
	}
	s.resume()
	s.notifyClient(ipc.Message{Kind: ipc.KindPair, Text: s.settings.Current().Device.Target()})
}

func (s *Service) onDisconnectDevice(ipc.Message) {
	s.logger.Info("device link suspended by client")
	s.suspend()
}

func (s *Service) onSendDeviceCommand(msg ipc.Message) {
	if len(msg.Data) == 0 {
		s.reject(msg, devicelink.ErrInvalidCommand)

		return
	}
	s.sendConnected(msg, append([]byte(nil), msg.Data...))
}

func (s *Service) onGetDeviceInfo(msg ipc.Message) {
	s.sendConnected(msg, devicelink.EncodeGetInfo())
}

// onGetFingerNames asks the device, or answers from the cache while the
// device is away.
func (s *Service) onGetFingerNames(msg ipc.Message) {
	if s.Connected() {
		s.send(devicelink.EncodeGetFingerNames())

		return
	}

	frame, err := s.cachedSlotsFrame(s.rootContext())
	if err != nil {
		s.reject(msg, err)

		return
	}
	s.logger.Debug("finger names served from cache")
	s.notifyClient(ipc.Message{Kind: ipc.KindDeviceDataReceived, Data: frame})
}

func (s *Service) onGetConnectState(ipc.Message) {
	s.sendConnectState(s.rootContext())
}

func (s *Service) onGetLockScreenStatus(ipc.Message) {
	locked := byte(0)
	if s.screenLocked() {
		locked = 1
	}
	s.notifyClient(ipc.Message{
		Kind: ipc.KindDeviceDataReceived,
		Data: []byte{byte(devicelink.OpLockScreenStatus), 0x01, 0x00, locked},
	})
}

func (s *Service) onSetSleepTime(msg ipc.Message) {
	v, err := strconv.ParseUint(strings.TrimSpace(msg.Text), 10, 32)
	if err != nil {
		s.reject(msg, fmt.Errorf("parse sleep seconds %q: %w", msg.Text, err))

		return
	}
	seconds := uint32(v)
	if !config.ValidSleepSeconds(seconds) {
		s.reject(msg, fmt.Errorf("sleep timeout %ds is not supported", seconds))

		return
	}
	if !s.Connected() {
		s.reject(msg, ErrDeviceNotConnected)

		return
	}
	s.send(devicelink.EncodeSetSleepTime(seconds))
	if _, err := s.settings.Update(func(c *config.AppConfig) { c.Sleep.TimeoutSeconds = seconds }); err != nil {
		s.logger.Warn("store sleep timeout failed", "error", err)
	}
}

func (s *Service) onSetFingerName(msg ipc.Message) {
	if len(msg.Data) < 1 {
		s.reject(msg, devicelink.ErrInvalidCommand)

		return
	}
	cmd, err := devicelink.EncodeSetFingerName(msg.Data[0], msg.Text)
	if err != nil {
		s.reject(msg, err)

		return
	}
	s.sendConnected(msg, cmd)
}

func (s *Service) onSetEnableSleep(msg ipc.Message) {
	if len(msg.Data) != 1 {
		s.reject(msg, devicelink.ErrInvalidCommand)

		return
	}
	s.sendConnected(msg, devicelink.EncodeEnableSleep(msg.Data[0] != 0))
}

func (s *Service) onReloadConfig(msg ipc.Message) {
	before := s.settings.Current().Device
	cfg, err := s.settings.Reload()
	if err != nil {
		s.reject(msg, err)

		return
	}
	s.logger.Info("configuration reloaded")
	if cfg.Device != before {
		s.applyDevice(cfg.Device)
	}
}

func (s *Service) onFirmwareStart(msg ipc.Message) {
	if len(msg.Data) != 4 {
		s.reject(msg, devicelink.ErrInvalidCommand)

		return
	}
	s.sendConnected(msg, devicelink.EncodeFirmwareStart(binary.LittleEndian.Uint32(msg.Data)))
}

func (s *Service) onFirmwareChunk(msg ipc.Message) {
	cmd, err := devicelink.EncodeFirmwareChunk(msg.Data)
	if err != nil {
		s.reject(msg, err)

		return
	}
	s.sendConnected(msg, cmd)
}

func (s *Service) onFirmwareEnd(msg ipc.Message) {
	checksum := msg.Text
	if checksum == "" {
		checksum = string(msg.Data)
	}
	cmd, err := devicelink.EncodeFirmwareEnd(checksum)
	if err != nil {
		s.reject(msg, err)

		return
	}
	s.sendConnected(msg, cmd)
}

func (s *Service) onCheckSleepResponse(msg ipc.Message) {
	if len(msg.Data) < 1 {
		s.reject(msg, devicelink.ErrInvalidCommand)

		return
	}
	s.sendConnected(msg, devicelink.EncodeCheckSleepResponse(msg.Data[0] != 0))
}

func (s *Service) onPair(msg ipc.Message) {
	addr := strings.TrimSpace(msg.Text)
	if addr == "" {
		s.reject(msg, errors.New("pair target is empty"))

		return
	}
	if _, err := s.pair(addr); err != nil {
		s.reject(msg, err)

		return
	}
	s.resume()
	s.notifyClient(s.pairStatusMessage())
}

func (s *Service) onPairStatus(ipc.Message) {
	s.notifyClient(s.pairStatusMessage())
}

func (s *Service) onUnpair(msg ipc.Message) {
	prev := s.settings.Current().Device.Target()
	cfg, err := s.settings.Update(func(c *config.AppConfig) {
		c.Device.ClearTarget()
	})
	if err != nil {
		s.reject(msg, err)

		return
	}
	s.logger.Info("device unpaired", "target", prev)
	s.mu.Lock()
	s.deviceID = ""
	s.mu.Unlock()
	s.applyDevice(cfg.Device)
	s.notifyClient(ipc.Message{Kind: ipc.KindUnpair, Text: prev})
}

// onUnlockScreen refuses client unlock requests: any local user can reach the
// channel.
func (s *Service) onUnlockScreen(msg ipc.Message) {
	s.reject(msg, errUnlockRefused)
}

func (s *Service) pair(addr string) (config.AppConfig, error) {
	cfg, err := s.settings.Update(func(c *config.AppConfig) {
		c.SetDeviceAddress(addr)
	})
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("store pairing: %w", err)
	}
	s.logger.Info("device paired", "connector", cfg.Device.Connector, "target", cfg.Device.Target())
	s.applyDevice(cfg.Device)

	return cfg, nil
}

// pairStatusMessage reports "name|paired|target".
func (s *Service) pairStatusMessage() ipc.Message {
	dev := s.settings.Current().Device

	return ipc.Message{
		Kind: ipc.KindPairStatus,
		Text: strings.Join([]string{dev.Name, strconv.FormatBool(dev.Paired()), dev.Target()}, "|"),
	}
}
