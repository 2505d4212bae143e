package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists agent configuration to a human-readable JSON file.
// Configuration writes through the control surface delegate here.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store writing to <dir>/config.json.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "config.json")}
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes the configuration to disk. The write goes through a temp
// file and rename so a crash mid-write cannot leave a truncated config.
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
