package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single channel payload.
const MaxFrameLen = 1 << 20

var ErrInvalidFrameLength = errors.New("invalid channel frame length")

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameLength, len(payload))
	}

	frame := make([]byte, 4+len(payload))
	// #nosec G115 -- length is bounded by MaxFrameLen above.
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	return frame, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if ln <= 0 || ln > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameLength, ln)
	}

	payload := make([]byte, ln)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

func writeMessage(w io.Writer, m Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func readMessage(r io.Reader) (Message, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Message{}, err
	}

	return Unmarshal(payload)
}
