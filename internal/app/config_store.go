package app

import (
	"fmt"
	"sync"

	"github.com/skobkin/sparkin/internal/config"
)

// ConfigStore owns the on-disk config file of one process. Environment
// overrides are layered on every load and never written back.
type ConfigStore struct {
	mu       sync.RWMutex
	path     string
	lookup   config.LookupFunc
	cfg      config.AppConfig
	onChange func(config.AppConfig)
}

func LoadConfigStore(path string, lookup config.LookupFunc) (*ConfigStore, error) {
	s := &ConfigStore{path: path, lookup: lookup}
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg

	return s, nil
}

func (s *ConfigStore) Path() string {
	return s.path
}

// OnChange registers fn to run after every successful Reload or Update.
func (s *ConfigStore) OnChange(fn func(config.AppConfig)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *ConfigStore) Current() config.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cfg
}

func (s *ConfigStore) Reload() (config.AppConfig, error) {
	cfg, err := s.load()
	if err != nil {
		return config.AppConfig{}, err
	}

	return s.commit(cfg), nil
}

// Update applies fn to the file contents, saves the result and returns the
// effective config with overrides applied.
func (s *ConfigStore) Update(fn func(*config.AppConfig)) (config.AppConfig, error) {
	s.mu.Lock()
	onDisk, err := config.Load(s.path)
	if err != nil {
		s.mu.Unlock()

		return config.AppConfig{}, err
	}
	fn(&onDisk)
	onDisk.FillMissingDefaults()
	if err := config.Save(s.path, onDisk); err != nil {
		s.mu.Unlock()

		return config.AppConfig{}, fmt.Errorf("save config: %w", err)
	}
	s.mu.Unlock()

	cfg := onDisk
	if s.lookup != nil {
		cfg.ApplyEnv(s.lookup)
	}

	return s.commit(cfg), nil
}

func (s *ConfigStore) load() (config.AppConfig, error) {
	cfg, err := config.Load(s.path)
	if err != nil {
		return config.AppConfig{}, err
	}
	if s.lookup != nil {
		cfg.ApplyEnv(s.lookup)
	}
	if err := cfg.Validate(); err != nil {
		return config.AppConfig{}, fmt.Errorf("invalid config %s: %w", s.path, err)
	}

	return cfg, nil
}

func (s *ConfigStore) commit(cfg config.AppConfig) config.AppConfig {
	s.mu.Lock()
	s.cfg = cfg
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(cfg)
	}

	return cfg
}
