package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultCheckInterval  = 12 * time.Hour
	defaultRequestTimeout = 15 * time.Second
	maxManifestSize       = 64 << 10
)

var ErrNotConfigured = errors.New("update server is not configured")

// Snapshot stores a single successful check result.
type Snapshot struct {
	Kind            Kind
	CurrentVersion  string
	Manifest        Manifest
	UpdateAvailable bool
	CheckedAt       time.Time
}

type CheckerConfig struct {
	BaseURL string
	// DownloadDir receives downloaded artifacts.
	DownloadDir string
	// CurrentVersion is the client version checked by the periodic loop.
	CurrentVersion string
	HTTPClient     *http.Client
	Interval       time.Duration
	Logger         *slog.Logger
	// UserAgent is sent with every request when set.
	UserAgent string
}

// Checker fetches manifests on demand and, once started, periodically checks
// for client releases.
type Checker struct {
	baseURL        string
	downloadDir    string
	currentVersion string
	client         *http.Client
	interval       time.Duration
	logger         *slog.Logger
	userAgent      string

	snapshots chan Snapshot

	mu     sync.RWMutex
	latest map[Kind]Snapshot

	startOnce sync.Once
}

func NewChecker(cfg CheckerConfig) *Checker {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Checker{
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		downloadDir:    cfg.DownloadDir,
		currentVersion: strings.TrimSpace(cfg.CurrentVersion),
		client:         client,
		interval:       interval,
		logger:         logger,
		userAgent:      strings.TrimSpace(cfg.UserAgent),
		snapshots:      make(chan Snapshot, 1),
		latest:         make(map[Kind]Snapshot),
	}
}

func (c *Checker) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Start launches the periodic client release check. Repeated calls are no-ops.
func (c *Checker) Start(ctx context.Context) {
	if !c.Configured() {
		return
	}

	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Snapshots delivers the most recent check result. A slow reader only ever
// sees the latest one.
func (c *Checker) Snapshots() <-chan Snapshot {
	if c == nil {
		return nil
	}

	return c.snapshots
}

func (c *Checker) CurrentSnapshot(kind Kind) (Snapshot, bool) {
	if c == nil {
		return Snapshot{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[kind]
	return s, ok
}

func (c *Checker) run(ctx context.Context) {
	c.logger.Info("update checker started", "base_url", c.baseURL, "interval", c.interval.String(), "current_version", c.currentVersion)

	if _, err := c.Check(ctx, KindSoftware, c.currentVersion); err != nil {
		c.logger.Warn("check for updates", "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("update checker stopped")
			return
		case <-ticker.C:
			c.logger.Debug("running scheduled update check")
			if _, err := c.Check(ctx, KindSoftware, c.currentVersion); err != nil {
				c.logger.Warn("check for updates", "error", err)
			}
		}
	}
}

// Check fetches the manifest for kind and compares it with currentVersion.
func (c *Checker) Check(ctx context.Context, kind Kind, currentVersion string) (Snapshot, error) {
	if !c.Configured() {
		return Snapshot{}, ErrNotConfigured
	}

	m, err := c.fetchManifest(ctx, kind)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		Kind:            kind,
		CurrentVersion:  strings.TrimSpace(currentVersion),
		Manifest:        m,
		UpdateAvailable: isReleaseNewer(currentVersion, m.Version),
		CheckedAt:       time.Now().UTC(),
	}

	c.mu.Lock()
	c.latest[kind] = snapshot
	c.mu.Unlock()

	c.publish(snapshot)
	c.logger.Info(
		"update check completed",
		"kind", kind,
		"current_version", snapshot.CurrentVersion,
		"latest_version", m.Version,
		"update_available", snapshot.UpdateAvailable,
	)

	return snapshot, nil
}

func (c *Checker) publish(snapshot Snapshot) {
	select {
	case c.snapshots <- snapshot:
		return
	default:
	}
	c.logger.Debug("update snapshot channel full, replacing stale value")

	select {
	case <-c.snapshots:
	default:
	}

	select {
	case c.snapshots <- snapshot:
	default:
		c.logger.Debug("skipped update snapshot publish after replace attempt")
	}
}

func (c *Checker) setUserAgent(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func (c *Checker) fetchManifest(ctx context.Context, kind Kind) (Manifest, error) {
	endpoint := c.baseURL + kind.ManifestPath()
	c.logger.Debug("requesting manifest", "endpoint", endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("create manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/xml, text/xml")
	c.setUserAgent(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("request manifest: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		trimmedBody := strings.TrimSpace(string(body))
		if trimmedBody == "" {
			return Manifest{}, fmt.Errorf("request manifest: unexpected status %d", resp.StatusCode)
		}

		return Manifest{}, fmt.Errorf("request manifest: unexpected status %d: %s", resp.StatusCode, trimmedBody)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	return parseManifest(data)
}
