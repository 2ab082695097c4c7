package firmware

import (
	"bytes"
	"fmt"
	"os"

	"github.com/klauspost/compress/flate"

	"github.com/skobkin/sparkin/internal/checksum"
)

// Image is a firmware payload ready to be streamed.
type Image struct {
	Data []byte
	// Checksum always describes the uncompressed Data.
	Checksum string
	Compress bool
}

// PrepareImage loads a downloaded image and checks it against the manifest
// hash. An empty expectedHash skips the comparison.
func PrepareImage(path, expectedHash string) (Image, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the download directory.
	if err != nil {
		return Image{}, fmt.Errorf("read firmware image: %w", err)
	}
	sum := checksum.Bytes(data)
	if expectedHash != "" && !checksum.Equal(sum, expectedHash) {
		return Image{}, fmt.Errorf("%w: got %s want %s", checksum.ErrMismatch, sum, expectedHash)
	}

	return Image{Data: data, Checksum: sum}, nil
}

// payload returns the bytes that go on the wire.
func (img Image) payload() ([]byte, error) {
	if !img.Compress {
		return img.Data, nil
	}

	return deflate(img.Data)
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("deflate image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish deflate: %w", err)
	}

	return buf.Bytes(), nil
}
