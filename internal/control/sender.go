package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/skobkin/sparkin/internal/ipc"
)

var ErrServiceUnavailable = errors.New("sparkin service is not available")

// Channel is the client end of the local message channel.
type Channel interface {
	Send(m ipc.Message) error
	Connected() bool
}

// channelSender turns firmware and enrollment commands into channel messages.
type channelSender struct {
	ch Channel
}

func (s channelSender) send(ctx context.Context, m ipc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.ch.Connected() {
		return ErrServiceUnavailable
	}
	if err := s.ch.Send(m); err != nil {
		if errors.Is(err, ipc.ErrNotConnected) {
			return ErrServiceUnavailable
		}

		return fmt.Errorf("send %s: %w", m.Kind, err)
	}

	return nil
}

func (s channelSender) StartUpdate(ctx context.Context, total uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, total)

	return s.send(ctx, ipc.Message{Kind: ipc.KindFirmwareUpdateStart, Data: data})
}

func (s channelSender) SendChunk(ctx context.Context, chunk []byte) error {
	return s.send(ctx, ipc.Message{Kind: ipc.KindFirmwareUpdateChunk, Data: chunk})
}

func (s channelSender) EndUpdate(ctx context.Context, checksum string) error {
	return s.send(ctx, ipc.Message{Kind: ipc.KindFirmwareUpdateEnd, Text: checksum})
}

func (s channelSender) SendCommand(ctx context.Context, cmd []byte) error {
	return s.send(ctx, ipc.Message{Kind: ipc.KindSendDeviceCommand, Data: cmd})
}
