package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/skobkin/sparkin/internal/checksum"
)

const downloadBufferSize = 8 << 10

var ErrInvalidFileName = errors.New("manifest file name is invalid")

// ProgressFunc receives download progress in percent. It stays at 0 when the
// server does not announce a length.
type ProgressFunc func(percent int)

// Download fetches the artifact announced by m into the download directory.
// A cached file whose CRC-32 matches the manifest is reused.
func (c *Checker) Download(ctx context.Context, m Manifest, progress ProgressFunc) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if progress == nil {
		progress = func(int) {}
	}

	name, err := artifactName(m.FileName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.downloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	path := filepath.Join(c.downloadDir, name)

	if reused := c.reuseCached(path, m.HashCRC32); reused {
		progress(100)
		return path, nil
	}

	source, err := c.artifactURL(m.FileName)
	if err != nil {
		return "", err
	}
	if err := c.fetch(ctx, source, path, progress); err != nil {
		return "", err
	}

	if m.HashCRC32 != "" {
		if err := checksum.Verify(path, m.HashCRC32); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("verify download: %w", err)
		}
	}
	c.logger.Info("update downloaded", "path", path, "version", m.Version)

	return path, nil
}

func (c *Checker) reuseCached(path, hash string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}

	sum, err := checksum.File(path)
	if err == nil && hash != "" && checksum.Equal(sum, hash) {
		c.logger.Info("cached update matches manifest, skipping download", "path", path)
		return true
	}

	c.logger.Info("cached update is stale, removing", "path", path, "crc32", sum)
	if err := os.Remove(path); err != nil {
		c.logger.Warn("remove stale update", "path", path, "error", err)
	}

	return false
}

func (c *Checker) artifactURL(fileName string) (string, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimLeft(fileName, "/"))
	if err != nil {
		return "", fmt.Errorf("parse artifact url: %w", err)
	}

	return base.ResolveReference(ref).String(), nil
}

func (c *Checker) fetch(ctx context.Context, source, path string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	c.setUserAgent(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request download: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request download: unexpected status %d", resp.StatusCode)
	}

	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) // #nosec G304 -- path is inside the download dir.
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}

	copyErr := copyWithProgress(f, resp.Body, resp.ContentLength, progress)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write download: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize download: %w", err)
	}

	return nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, progress ProgressFunc) error {
	buf := make([]byte, downloadBufferSize)
	var read int64
	last := -1
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			read += int64(n)
			percent := 0
			if total > 0 {
				percent = int(min(read*100/total, 100))
			}
			if percent != last {
				last = percent
				progress(percent)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func artifactName(fileName string) (string, error) {
	name := filepath.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}

	return name, nil
}
