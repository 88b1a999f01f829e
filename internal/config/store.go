package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Store defines persistence operations for app settings.
type Store interface {
	Load() (Config, error)
	Save(Config) error
}

// TOMLStore persists settings in a single TOML file on disk.
type TOMLStore struct {
	path string
}

// NewTOMLStore creates a TOML-backed settings store.
func NewTOMLStore(path string) *TOMLStore {
	return &TOMLStore{path: path}
}

// Path returns the backing file location.
func (s *TOMLStore) Path() string {
	return s.path
}

// Load reads settings from disk or returns defaults when missing.
func (s *TOMLStore) Load() (Config, error) {
	cfg, _, _, err := Load(s.path)
	if err != nil {
		return Config{}, err
	}
	return *cfg, nil
}

// Save validates settings and writes them as TOML, creating parent
// directories. A cloud key that came from the environment is not written.
func (s *TOMLStore) Save(cfg Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.apiKeyFromEnv {
		cfg.Cloud.APIKey = ""
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return os.WriteFile(s.path, data, 0o600)
}
