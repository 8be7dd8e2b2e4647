// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package secstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a Store backed by a single AES-256-GCM encrypted file. The whole
// password map is sealed as one blob with a fresh nonce per write, so a
// partial read can never yield plaintext. Writes go through a temp file and
// rename for crash consistency.
type File struct {
	path string
	aead cipher.AEAD

	mu sync.Mutex
}

var _ Store = (*File)(nil)

// NewFile opens (or lazily creates) an encrypted password store at path.
// key must be 32 bytes.
func NewFile(path string, key []byte) (*File, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secstore: bad key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secstore: %w", err)
	}
	return &File{path: path, aead: aead}, nil
}

// LoadPassword implements Store.
func (f *File) LoadPassword(deviceID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.read()
	if err != nil {
		return nil, err
	}
	p, ok := m[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// SavePassword implements Store.
func (f *File) SavePassword(deviceID string, password []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.read()
	if err != nil {
		return err
	}
	m[deviceID] = append([]byte(nil), password...)
	return f.write(m)
}

// RemovePassword implements Store.
func (f *File) RemovePassword(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := m[deviceID]; !ok {
		return nil
	}
	delete(m, deviceID)
	return f.write(m)
}

func (f *File) read() (map[string][]byte, error) {
	sealed, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, fmt.Errorf("secstore: read %s: %w", f.path, err)
	}
	if len(sealed) < f.aead.NonceSize() {
		return nil, fmt.Errorf("secstore: %s: ciphertext shorter than nonce", f.path)
	}
	nonce, ct := sealed[:f.aead.NonceSize()], sealed[f.aead.NonceSize():]
	plain, err := f.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("secstore: decrypt %s: %w", f.path, err)
	}
	defer wipe(plain)
	var m map[string][]byte
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("secstore: decode %s: %w", f.path, err)
	}
	if m == nil {
		m = make(map[string][]byte)
	}
	return m, nil
}

func (f *File) write(m map[string][]byte) error {
	plain, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("secstore: encode: %w", err)
	}
	defer wipe(plain)
	nonce := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secstore: nonce: %w", err)
	}
	sealed := f.aead.Seal(nonce, nonce, plain, nil)

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("secstore: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("secstore: %w", err)
	}
	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("secstore: write %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secstore: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("secstore: %w", err)
	}
	return nil
}
