// Package credentials persists the machine's identity credential,
// encrypted at rest with a machine-scoped master key.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/driftworks/outpost/internal/common/logger"
)

// CredentialFile is the filename for the encrypted machine credential.
const CredentialFile = "machine.cred"

// credentialEnvelope is the on-disk format: nonce and ciphertext, both
// base64-encoded by encoding/json.
type credentialEnvelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Store holds the machine credential. The credential is loaded once at
// construction and kept in memory; Set and Clear write through to disk
// synchronously and propagate I/O errors to the caller.
type Store struct {
	path   string
	master *MasterKeyProvider
	logger *logger.Logger

	mu       sync.RWMutex
	value    string
	present  bool
	onChange []func()
}

// NewStore opens the credential store in dataDir, creating the master key
// on first use and loading any persisted credential.
func NewStore(dataDir string, log *logger.Logger) (*Store, error) {
	master, err := NewMasterKeyProvider(dataDir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:   filepath.Join(dataDir, CredentialFile),
		master: master,
		logger: log.WithComponent("credential-store"),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}

	var env credentialEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse credential file: %w", err)
	}

	plaintext, err := Decrypt(env.Ciphertext, env.Nonce, s.master.Key())
	if err != nil {
		return fmt.Errorf("decrypt credential: %w", err)
	}

	s.value = string(plaintext)
	s.present = true
	s.logger.Info("loaded machine credential")
	return nil
}

// HasCredential reports whether a credential is stored.
func (s *Store) HasCredential() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.present
}

// Get returns the credential value. Returns an error when none is stored.
func (s *Store) Get() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.present {
		return "", fmt.Errorf("no machine credential stored")
	}
	return s.value, nil
}

// Set encrypts and persists the credential, then updates the in-memory
// copy. A write failure leaves the previous credential in place.
func (s *Store) Set(value string) error {
	s.mu.Lock()

	ciphertext, nonce, err := Encrypt([]byte(value), s.master.Key())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encrypt credential: %w", err)
	}

	data, err := json.Marshal(credentialEnvelope{Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode credential: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write credential: %w", err)
	}

	s.value = value
	s.present = true
	listeners := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	s.logger.Info("machine credential updated")
	notify(listeners)
	return nil
}

// Clear removes the persisted credential and the in-memory copy.
// Removing a credential that does not exist is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("remove credential: %w", err)
	}

	s.value = ""
	s.present = false
	listeners := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	s.logger.Info("machine credential cleared")
	notify(listeners)
	return nil
}

// OnChange registers a callback invoked after every successful Set or
// Clear. Callers use this to invalidate state derived from the credential.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}
