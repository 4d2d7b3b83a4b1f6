package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Store holds the live configuration behind an atomically-swapped
// pointer, matching the "deep configuration object" re-architecture
// spec.md §9 calls for: readers never block a writer publishing a new
// snapshot, and every reader sees a fully-formed Config, never a
// partially-edited one.
type Store struct {
	current atomic.Pointer[Config]
	path    string
}

// NewStore wraps an already-loaded Config for atomic hot-reload.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Load reads path as YAML, falling back to Default() for any field
// whose zero value would be invalid by starting from Default and
// decoding on top of it.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrCreate loads dataDir/config.yaml, writing the defaults if the
// file does not yet exist, mirroring klingond's LoadConfig startup
// contract.
func LoadOrCreate(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("config: create data dir: %w", err)
		}
		cfg := Default()
		cfg.DataDir = dataDir
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ConfigPath returns the canonical config file location inside a data
// directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Get returns the current snapshot. Never mutate the returned value;
// call Clone() first if you intend to edit a section.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Swap atomically publishes a new snapshot. Callers are expected to
// have validated cfg and to record a config_audit row themselves
// (internal/store.AppendConfigAudit) for every section that changed --
// Swap itself does not audit, since it has no actor/reason context.
func (s *Store) Swap(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(cfg)
	if s.path != "" {
		return Save(s.path, cfg)
	}
	return nil
}
