// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package secstore

import "sync"

// Memory is an in-memory Store for tests and ephemeral deployments.
// Passwords are wiped in place when replaced or removed.
type Memory struct {
	mu        sync.Mutex
	passwords map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{passwords: make(map[string][]byte)}
}

// LoadPassword implements Store.
func (m *Memory) LoadPassword(deviceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passwords[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), p...), nil
}

// SavePassword implements Store.
func (m *Memory) SavePassword(deviceID string, password []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wipe(m.passwords[deviceID])
	m.passwords[deviceID] = append([]byte(nil), password...)
	return nil
}

// RemovePassword implements Store.
func (m *Memory) RemovePassword(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wipe(m.passwords[deviceID])
	delete(m.passwords, deviceID)
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
