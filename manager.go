// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package oath

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/openoath/oathd/apdu"
	"github.com/openoath/oathd/secstore"
)

// Manager owns the sessions of all known devices, keyed by stable device id.
// Presence sources call Attach when a card appears and Detach when it
// vanishes; a detached device stays known (its session parks in
// Disconnected) until Forget removes it.
type Manager struct {
	store  secstore.Store
	events *dispatcher

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager backed by the given secret store.
func NewManager(store secstore.Store) *Manager {
	return &Manager{
		store:    store,
		events:   newDispatcher(),
		sessions: make(map[string]*Session),
	}
}

// Subscribe registers a handler for all device and credential events.
// Handlers for one manager are invoked sequentially in emission order.
func (m *Manager) Subscribe(h Handler) {
	m.events.subscribe(h)
}

// DetectBrand probes the card with a SELECT and classifies the applet by its
// response shape: a serial-number TLV marks the trussed implementation, its
// absence the Yubico one. The probe response doubles as the first SELECT of
// the connect pipeline, so no challenge is wasted.
func DetectBrand(card apdu.Card) (Brand, SelectInfo, error) {
	// The probe appends Le: required by one brand's CCID stack, ignored by
	// the other.
	le := byte(0x00)
	resp, err := apdu.Exchange(card, apdu.Command{
		Instruction: apdu.InsSelect,
		P1:          0x04,
		Data:        AID,
		Le:          &le,
	})
	if err != nil {
		return BrandUnknown, SelectInfo{}, fmt.Errorf("probe: %w", err)
	}
	if err := resp.Err(); err != nil {
		return BrandUnknown, SelectInfo{}, fmt.Errorf("probe: %w", err)
	}

	info := SelectInfo{
		DeviceID:  apdu.FindTag(resp.Data, apdu.TagName),
		Challenge: apdu.FindTag(resp.Data, apdu.TagChallenge),
		Version:   ParseVersion(apdu.FindTag(resp.Data, apdu.TagVersion)),
	}
	if len(info.DeviceID) == 0 {
		return BrandUnknown, SelectInfo{}, fmt.Errorf("probe: %w: missing device id", apdu.ErrBadTLV)
	}

	raw := apdu.FindTag(resp.Data, apdu.TagSerialNumber)
	if len(raw) == 4 {
		info.Serial = binary.BigEndian.Uint32(raw)
		return BrandNitrokey, info, nil
	}
	return BrandYubiKey, info, nil
}

func adapterFor(brand Brand) (Adapter, error) {
	switch brand {
	case BrandYubiKey:
		return NewYubiKeyAdapter(), nil
	case BrandNitrokey:
		return NewNitrokeyAdapter(), nil
	default:
		return nil, fmt.Errorf("oath: no adapter for brand %s", brand)
	}
}

// Attach takes ownership of a newly present card: probes the brand, resolves
// the stable device id, creates or revives the session and drives the
// connect pipeline to completion. The returned session may be in Ready,
// Error (password required or rejected) or Disconnected (lost mid-connect).
func (m *Manager) Attach(ctx context.Context, card apdu.Card) (*Session, error) {
	brand, info, err := DetectBrand(card)
	if err != nil {
		return nil, err
	}
	adapter, err := adapterFor(brand)
	if err != nil {
		return nil, err
	}

	id := StableID(info.Serial, info.DeviceID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrDisconnected
	}
	session, known := m.sessions[id]
	if !known {
		device := Device{
			ID:               id,
			DeviceID:         append([]byte(nil), info.DeviceID...),
			Serial:           info.Serial,
			Version:          info.Version,
			Brand:            brand,
			Model:            modelName(brand, info.Version, info.Serial),
			FormFactor:       FormUnknown,
			RequiresPassword: info.RequiresPassword(),
		}
		session = newSession(device, adapter, m.store, m.events)
		m.sessions[id] = session
	}
	m.mu.Unlock()

	if !known {
		m.events.emit(Event{Type: EventDeviceAdded, DeviceID: id, Data: DeviceEventData{Device: session.Device()}})
	}

	session.connect(ctx, card, info)
	return session, nil
}

// Detach reacts to the physical device disappearing. The session transitions
// to Disconnected but stays known; a later Attach with the same stable id
// revives it.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	session := m.sessions[id]
	m.mu.Unlock()
	if session != nil {
		session.disconnect()
	}
}

// Forget removes a device entirely: its session, its published presence and
// its stored password.
func (m *Manager) Forget(id string) error {
	m.mu.Lock()
	session := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if session == nil {
		return fmt.Errorf("oath: unknown device %q", id)
	}

	session.disconnect()
	err := m.store.RemovePassword(id)
	m.events.emit(Event{Type: EventDeviceRemoved, DeviceID: id, Data: DeviceEventData{Device: session.Device()}})
	return err
}

// Session returns the session for a known device id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns all known sessions sorted by device id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close disconnects every session and stops event delivery after draining
// queued events.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.disconnect()
	}
	m.events.close()
}
