package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Serial and TCP bridges prefix every device frame with the ASCII marker "SK"
// and a big-endian payload length. A reader that starts mid-stream slides
// forward until it sees the marker.
const (
	bridgeMarker    = "SK"
	bridgePrefixLen = len(bridgeMarker) + 2
)

var errEmptyFrame = errors.New("empty bridge frame")

// fillFunc fills buf completely or fails.
type fillFunc func(buf []byte) error

func streamFill(r io.Reader) fillFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)
		return err
	}
}

func wrapBridgeFrame(payload []byte) ([]byte, error) {
	switch {
	case len(payload) == 0:
		return nil, errEmptyFrame
	case len(payload) > math.MaxUint16:
		return nil, fmt.Errorf("bridge frame too large: %d bytes", len(payload))
	}

	out := make([]byte, 0, bridgePrefixLen+len(payload))
	out = append(out, bridgeMarker...)
	// #nosec G115 -- bounded by math.MaxUint16 above.
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))

	return append(out, payload...), nil
}

func unwrapBridgeFrame(fill fillFunc) ([]byte, error) {
	var window [2]byte
	if err := fill(window[:]); err != nil {
		return nil, fmt.Errorf("read bridge marker: %w", err)
	}
	for string(window[:]) != bridgeMarker {
		window[0] = window[1]
		if err := fill(window[1:]); err != nil {
			return nil, fmt.Errorf("read bridge marker: %w", err)
		}
	}

	if err := fill(window[:]); err != nil {
		return nil, fmt.Errorf("read bridge length: %w", err)
	}
	n := binary.BigEndian.Uint16(window[:])
	if n == 0 {
		return nil, errEmptyFrame
	}

	payload := make([]byte, n)
	if err := fill(payload); err != nil {
		return nil, fmt.Errorf("read bridge payload: %w", err)
	}

	return payload, nil
}
