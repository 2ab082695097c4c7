// Package checksum computes the CRC-32 digests used to validate downloaded
// update artifacts and firmware images.
package checksum

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlockSize is the read size used when streaming files.
const BlockSize = 4096

// ErrMismatch reports that a computed checksum differs from the expected one.
var ErrMismatch = errors.New("checksum mismatch")

// Format renders a CRC-32 value the way update manifests declare it.
func Format(sum uint32) string {
	return fmt.Sprintf("%08X", sum)
}

func Bytes(b []byte) string {
	return Format(crc32.ChecksumIEEE(b))
}

// Reader streams r in BlockSize reads and returns the formatted digest.
func Reader(r io.Reader) (string, error) {
	h := crc32.NewIEEE()
	buf := make([]byte, BlockSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read checksum input: %w", err)
		}
	}

	return Format(h.Sum32()), nil
}

func File(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path points to a downloaded artifact in the app cache dir.
	f, err := os.Open(cleanPath)
	if err != nil {
		return "", fmt.Errorf("open checksum input: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	return Reader(f)
}

// Equal compares two formatted digests ignoring case and surrounding spaces.
func Equal(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}

	return strings.EqualFold(a, b)
}

// Verify returns ErrMismatch when the file digest differs from want.
func Verify(path, want string) error {
	got, err := File(path)
	if err != nil {
		return err
	}
	if !Equal(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, got, strings.TrimSpace(want))
	}

	return nil
}
