package devicelink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/skobkin/sparkin/internal/slots"
)

const (
	deviceIDLen      = 20
	buildDateLen     = 10
	firmwareVerLen   = 10
	deviceInfoLen    = 4 + deviceIDLen + buildDateLen + firmwareVerLen
	fingerRecordLen  = 1 + slots.MaxNameLen
	fingerListOffset = StatusOffset + 1
)

// DeviceInfo is the GET_INFO response body.
type DeviceInfo struct {
	SleepTimeout    uint32
	DeviceID        string
	BuildDate       string
	FirmwareVersion string
}

func DecodeDeviceInfo(f Frame) (DeviceInfo, error) {
	if f.Opcode != OpGetInfo {
		return DeviceInfo{}, fmt.Errorf("decode device info: unexpected %s frame", f.Opcode)
	}
	body := f.Payload()
	if len(body) < deviceInfoLen {
		return DeviceInfo{}, fmt.Errorf("decode device info: %w: %d of %d bytes", ErrTruncated, len(body), deviceInfoLen)
	}

	off := 4
	info := DeviceInfo{SleepTimeout: binary.LittleEndian.Uint32(body[:4])}
	info.DeviceID = fixedText(body[off : off+deviceIDLen])
	off += deviceIDLen
	info.BuildDate = fixedText(body[off : off+buildDateLen])
	off += buildDateLen
	info.FirmwareVersion = fixedText(body[off : off+firmwareVerLen])

	return info, nil
}

// EncodeDeviceInfo lays out info the way the firmware sends it.
func EncodeDeviceInfo(info DeviceInfo) []byte {
	body := make([]byte, deviceInfoLen)
	binary.LittleEndian.PutUint32(body[:4], info.SleepTimeout)
	off := 4
	copy(body[off:off+deviceIDLen], info.DeviceID)
	off += deviceIDLen
	copy(body[off:off+buildDateLen], info.BuildDate)
	off += buildDateLen
	copy(body[off:off+firmwareVerLen], info.FirmwareVersion)

	return Response(OpGetInfo, body...)
}

// DecodeFingerNames parses a GET_FINGER_NAMES response: a count byte followed
// by count records of index + NUL padded name.
func DecodeFingerNames(f Frame) ([]slots.Slot, error) {
	if f.Opcode != OpGetFingerNames {
		return nil, fmt.Errorf("decode finger names: unexpected %s frame", f.Opcode)
	}
	if len(f.Raw) <= StatusOffset {
		return nil, fmt.Errorf("decode finger names: %w: no count byte", ErrTruncated)
	}
	count := int(f.Raw[StatusOffset])
	if Status(count) == StatusFailure {
		return nil, fmt.Errorf("decode finger names: device reported %s", StatusFailure)
	}

	out := make([]slots.Slot, 0, count)
	for i := 0; i < count; i++ {
		start := fingerListOffset + i*fingerRecordLen
		end := start + fingerRecordLen
		if end > len(f.Raw) {
			return nil, fmt.Errorf("decode finger names: %w: record %d of %d", ErrTruncated, i+1, count)
		}
		rec := f.Raw[start:end]
		out = append(out, slots.Slot{Index: rec[0], Name: fixedText(rec[1:])})
	}

	return out, nil
}

// EncodeFingerNames builds a GET_FINGER_NAMES response for list.
func EncodeFingerNames(list []slots.Slot) []byte {
	body := make([]byte, 1+len(list)*fingerRecordLen)
	// #nosec G115 -- the device never stores more than 255 fingerprints.
	body[0] = byte(len(list))
	for i, s := range list {
		rec := body[1+i*fingerRecordLen:]
		rec[0] = s.Index
		copy(rec[1:fingerRecordLen], slots.TruncateName(s.Name))
	}

	return Response(OpGetFingerNames, body...)
}

func fixedText(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return strings.TrimSpace(string(b))
}
