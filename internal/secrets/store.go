// Package secrets implements the authenticated-encrypted key/value vault.
// Values exist only as plaintext in memory or AEAD-sealed bytes on disk.
// The sealing key is derived from stable machine-identifying material plus
// a per-install random salt, so a copied vault does not open elsewhere.
package secrets

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrNotFound is returned by Get for unknown keys.
	ErrNotFound = errors.New("secret not found")
	// ErrVaultSealed is returned when the vault cannot be decrypted.
	// Fails closed: a MAC mismatch never yields partial plaintext.
	ErrVaultSealed = errors.New("vault cannot be opened with the derived key")
)

const vaultVersion = 1

type vaultEntry struct {
	Nonce string `json:"nonce"` // base64
	Data  string `json:"data"`  // base64 ciphertext||tag
}

type vaultFile struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"` // base64 per-install salt
	Entries map[string]vaultEntry `json:"entries"`
}

// Store is the secret vault. Single writer, multiple readers.
type Store struct {
	path      string
	key       []byte
	mu        sync.RWMutex
	values    map[string][]byte
	machineID func() ([]byte, error) // swappable for tests
}

// Open loads (or initialises) the vault at path. Decryption failure is
// unrecoverable for the caller.
func Open(path string) (*Store, error) {
	s := &Store{path: path, machineID: readMachineID}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenWithMachineID is Open with explicit machine material (tests).
func OpenWithMachineID(path string, machineID func() ([]byte, error)) (*Store, error) {
	s := &Store{path: path, machineID: machineID}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.initialise()
		}
		return fmt.Errorf("read vault: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return fmt.Errorf("parse vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(vf.Salt)
	if err != nil {
		return fmt.Errorf("vault salt: %w", err)
	}
	key, err := s.deriveKey(salt)
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}

	values := make(map[string][]byte, len(vf.Entries))
	for name, entry := range vf.Entries {
		nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
		if err != nil {
			return fmt.Errorf("vault entry %s: %w", name, err)
		}
		sealed, err := base64.StdEncoding.DecodeString(entry.Data)
		if err != nil {
			return fmt.Errorf("vault entry %s: %w", name, err)
		}
		plain, err := aead.Open(nil, nonce, sealed, []byte(name))
		if err != nil {
			return ErrVaultSealed
		}
		values[name] = plain
	}

	s.key = key
	s.values = values
	return nil
}

func (s *Store) initialise() error {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key, err := s.deriveKey(salt)
	if err != nil {
		return err
	}
	s.key = key
	s.values = make(map[string][]byte)
	return s.persist(salt)
}

func (s *Store) deriveKey(salt []byte) ([]byte, error) {
	machine, err := s.machineID()
	if err != nil {
		return nil, fmt.Errorf("machine id: %w", err)
	}
	return hkdf.Key(sha256.New, machine, salt, "qclaw-vault-v1", chacha20poly1305.KeySize)
}

// Get returns a copy of the value for key.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// GetString is Get for string values.
func (s *Store) GetString(key string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Set writes a value and persists the vault.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return s.persistLocked()
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.persistLocked()
}

// Has reports whether key exists.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// List returns the sorted key names. Values are never included.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) persistLocked() error {
	// Re-read the salt from disk so rotation of entries keeps the install salt.
	salt, err := s.currentSalt()
	if err != nil {
		return err
	}
	return s.persist(salt)
}

func (s *Store) currentSalt() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			salt := make([]byte, 32)
			if _, err := rand.Read(salt); err != nil {
				return nil, err
			}
			return salt, nil
		}
		return nil, err
	}
	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(vf.Salt)
}

func (s *Store) persist(salt []byte) error {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}

	vf := vaultFile{
		Version: vaultVersion,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: make(map[string]vaultEntry, len(s.values)),
	}
	for name, plain := range s.values {
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		sealed := aead.Seal(nil, nonce, plain, []byte(name))
		vf.Entries[name] = vaultEntry{
			Nonce: base64.StdEncoding.EncodeToString(nonce),
			Data:  base64.StdEncoding.EncodeToString(sealed),
		}
	}

	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// readMachineID returns stable machine-identifying material.
func readMachineID() ([]byte, error) {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil && len(data) > 0 {
			return data, nil
		}
	}
	// Containers and BSDs may lack a machine-id; hostname is the weakest
	// acceptable binding.
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return []byte(host), nil
}
