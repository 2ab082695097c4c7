package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths stores resolved runtime file locations for one process.
type Paths struct {
	ConfigFile  string
	StateDir    string
	DBFile      string
	LogFile     string
	CacheDir    string
	DownloadDir string
	SocketPath  string
}

// ResolveServicePaths returns the machine-wide locations used by sparkind.
func ResolveServicePaths() (Paths, error) {
	state := filepath.Join(systemStateRoot, Name)
	if err := os.MkdirAll(state, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create service state dir: %w", err)
	}

	return Paths{
		ConfigFile: filepath.Join(systemConfigRoot, Name, ConfigFilename),
		StateDir:   state,
		DBFile:     filepath.Join(state, DBFilename),
		LogFile:    filepath.Join(state, LogFilename),
		CacheDir:   state,
		SocketPath: DefaultSocketPath(),
	}, nil
}

// ResolveControlPaths returns per-user locations for sparkinctl. The config
// file is shared with the service.
func ResolveControlPaths() (Paths, error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}
	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve cache dir: %w", err)
	}

	state := filepath.Join(cfgRoot, Name)
	if err := os.MkdirAll(state, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app config dir: %w", err)
	}
	cache := filepath.Join(cacheRoot, Name)
	downloads := filepath.Join(cache, DownloadsDir)
	if err := os.MkdirAll(downloads, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create download dir: %w", err)
	}

	return Paths{
		ConfigFile:  filepath.Join(systemConfigRoot, Name, ConfigFilename),
		StateDir:    state,
		DBFile:      filepath.Join(state, DBFilename),
		LogFile:     filepath.Join(state, ControlName+".log"),
		CacheDir:    cache,
		DownloadDir: downloads,
		SocketPath:  DefaultSocketPath(),
	}, nil
}

func DefaultSocketPath() string {
	return filepath.Join(systemRuntimeRoot, Name, SocketFilename)
}
