// Package update checks the update server for new firmware and client
// releases and downloads the announced artifacts.
package update

import (
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

type Kind int

const (
	KindFirmware Kind = iota
	KindSoftware
)

func (k Kind) String() string {
	switch k {
	case KindFirmware:
		return "firmware"
	case KindSoftware:
		return "software"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ManifestPath is relative to the configured base URL.
func (k Kind) ManifestPath() string {
	if k == KindSoftware {
		return "/ClientUpdate.xml"
	}

	return "/FirmwareUpdate.xml"
}

// Manifest is the XML document the update server publishes per kind.
type Manifest struct {
	XMLName     xml.Name `xml:"UpdateInfo"`
	Version     string   `xml:"Version"`
	FileName    string   `xml:"FileName"`
	HashCRC32   string   `xml:"HashCRC32"`
	Description string   `xml:"Description"`
}

func parseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	m.Version = strings.TrimSpace(m.Version)
	m.FileName = strings.TrimSpace(m.FileName)
	m.HashCRC32 = strings.TrimSpace(m.HashCRC32)
	m.Description = strings.TrimSpace(m.Description)
	if m.Version == "" {
		return Manifest{}, fmt.Errorf("manifest has no version")
	}

	return m, nil
}

func isReleaseNewer(currentVersion string, latestVersion string) bool {
	current := normalizeSemver(currentVersion)
	latest := normalizeSemver(latestVersion)

	if !semver.IsValid(latest) {
		return false
	}
	if !semver.IsValid(current) {
		return true
	}

	return semver.Compare(current, latest) < 0
}

// normalizeSemver also accepts the device's "1.2" style versions.
func normalizeSemver(version string) string {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "v") {
		return "v" + trimmed
	}

	return trimmed
}
