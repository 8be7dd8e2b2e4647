// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package oath

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openoath/oathd/apdu"
	"github.com/openoath/oathd/otp"
	"github.com/openoath/oathd/secstore"
)

// Session errors.
var (
	// ErrNotReady is returned for operations that need a Ready session.
	ErrNotReady = errors.New("oath: session not ready")

	// ErrDisconnected is returned when the device vanished before or during
	// an operation.
	ErrDisconnected = errors.New("oath: device disconnected")

	// ErrAuthenticationFailed covers a rejected password and secret-store
	// load/save failures, which are treated identically.
	ErrAuthenticationFailed = errors.New("oath: authentication failed")

	// ErrNoSuchCredential is returned for operations naming an unknown
	// credential.
	ErrNoSuchCredential = errors.New("oath: no such credential")
)

// Session is the per-device state machine. It owns the device's transport
// exclusively: a session-scoped mutex serializes APDU exchanges, so
// independent devices operate fully concurrently while one device never has
// two commands in flight.
//
// State transitions follow
//
//	Disconnected -> Connecting -> Authenticating -> FetchingCredentials -> Ready
//
// with Error reachable from any transitional state and Disconnected entered
// on loss of the physical device. Credentials are never trusted across a
// disconnect; every reconnect restarts at Connecting and re-fetches.
type Session struct {
	id      string
	adapter Adapter
	store   secstore.Store
	events  *dispatcher
	catalog *Catalog

	// xmu serializes card exchanges. State transitions deliberately do not
	// take it: a disconnect must be observable immediately even while a
	// touch-required calculation is blocked on the card.
	xmu sync.Mutex

	mu               sync.Mutex
	card             apdu.Card
	gen              uint64 // bumped on every disconnect; stale ops discard results
	device           Device
	name             string
	state            SessionState
	stateMsg         string
	lastSeen         time.Time
	hasValidPassword bool
}

func newSession(device Device, adapter Adapter, store secstore.Store, events *dispatcher) *Session {
	return &Session{
		id:      device.ID,
		adapter: adapter,
		store:   store,
		events:  events,
		catalog: NewCatalog(),
		device:  device,
		name:    device.Model,
		state:   StateDisconnected,
	}
}

// ID returns the stable published device id.
func (s *Session) ID() string { return s.id }

// Device returns the immutable hardware identity.
func (s *Session) Device() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Name returns the published mutable device name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State returns the current session state and its message.
func (s *Session) State() (SessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.stateMsg
}

// LastSeen returns when the device was last successfully talked to.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// HasValidPassword reports whether the current connection authenticated
// successfully with a stored or submitted password.
func (s *Session) HasValidPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasValidPassword
}

// Credentials returns the current credential catalog, sorted by name.
func (s *Session) Credentials() []Credential {
	return s.catalog.Credentials()
}

func (s *Session) emit(typ EventType, data EventData) {
	s.events.emit(Event{Type: typ, DeviceID: s.id, Data: data})
}

func (s *Session) setState(state SessionState, msg string) {
	s.mu.Lock()
	changed := s.state != state || s.stateMsg != msg
	s.state = state
	s.stateMsg = msg
	s.mu.Unlock()
	if changed {
		s.emit(EventStateChanged, StateEventData{State: state, Message: msg})
	}
}

// setStateGen applies a transition only while gen is the current connection
// generation. A pipeline racing a disconnect must not overwrite the
// Disconnected state with a transitional one; reports whether it applied.
func (s *Session) setStateGen(gen uint64, state SessionState, msg string) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	changed := s.state != state || s.stateMsg != msg
	s.state = state
	s.stateMsg = msg
	s.mu.Unlock()
	if changed {
		s.emit(EventStateChanged, StateEventData{State: state, Message: msg})
	}
	return true
}

func (s *Session) touchLastSeen() {
	now := time.Now()
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
	s.emit(EventLastSeen, LastSeenEventData{LastSeen: now})
}

func (s *Session) setPasswordValid(valid bool) {
	s.mu.Lock()
	changed := s.hasValidPassword != valid
	s.hasValidPassword = valid
	required := s.device.RequiresPassword
	s.mu.Unlock()
	if changed {
		s.emit(EventPasswordValidity, PasswordEventData{Valid: valid, Required: required})
	}
}

// cardRef snapshots the current transport and generation for an operation.
func (s *Session) cardRef() (apdu.Card, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil {
		return nil, s.gen, ErrDisconnected
	}
	return s.card, s.gen, nil
}

// lost transitions to Disconnected if gen is still current. Stale calls
// (a disconnect already happened, or a newer connection exists) are no-ops.
func (s *Session) lost(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.card == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.disconnect()
}

// disconnect clears session-scoped state and enters Disconnected. The
// last-seen timestamp survives; the validated-password flag and the
// credential set do not.
func (s *Session) disconnect() {
	s.mu.Lock()
	s.card = nil
	s.gen++
	s.mu.Unlock()

	s.setPasswordValid(false)
	if removed := s.catalog.Clear(); len(removed) > 0 {
		s.emit(EventCredentialsRemoved, CredentialEventData{Credentials: removed})
	}
	s.setState(StateDisconnected, "")
}

// checkOp inspects an operation error: transport failures force Disconnected
// for this session only and are reported as ErrDisconnected; protocol and
// security errors pass through typed.
func (s *Session) checkOp(gen uint64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apdu.ErrTransport) {
		s.lost(gen)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}

// connect drives the connect pipeline for a freshly presented card. info is
// the SELECT response already parsed during brand detection.
func (s *Session) connect(ctx context.Context, card apdu.Card, info SelectInfo) {
	s.mu.Lock()
	s.card = card
	s.gen++
	gen := s.gen
	s.device.RequiresPassword = info.RequiresPassword()
	s.mu.Unlock()

	s.touchLastSeen()
	if !s.setStateGen(gen, StateConnecting, "") {
		return
	}

	if !info.RequiresPassword() {
		s.fetch(ctx, gen)
		return
	}

	if !s.setStateGen(gen, StateAuthenticating, "") {
		return
	}
	password, err := s.store.LoadPassword(s.id)
	if err != nil || len(password) == 0 {
		// Store failure and missing password both mean authentication is
		// unsatisfied; the consumer prompts and retries via SubmitPassword.
		s.setPasswordValid(false)
		s.setStateGen(gen, StateError, "password required")
		return
	}

	if err := s.authenticate(gen, info, password); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return
		}
		s.setPasswordValid(false)
		s.setStateGen(gen, StateError, "invalid password")
		return
	}

	s.setPasswordValid(true)
	s.fetch(ctx, gen)
}

// authenticate derives the key from password and the SELECT challenge and
// performs mutual validation. The password and derived key are wiped on
// every exit path.
func (s *Session) authenticate(gen uint64, info SelectInfo, password []byte) error {
	defer otp.Wipe(password)
	key := otp.DeriveKey(password, info.DeviceID)
	defer otp.Wipe(key)

	card, cardGen, err := s.cardRef()
	if err != nil {
		return err
	}
	if cardGen != gen {
		return ErrDisconnected
	}

	s.xmu.Lock()
	err = s.adapter.Validate(card, key, info.Challenge)
	s.xmu.Unlock()

	if err := s.checkOp(gen, err); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return nil
}

// fetch lists credentials, merges bulk-calculate metadata where the brand
// supports it, refreshes the catalog and reaches Ready.
func (s *Session) fetch(ctx context.Context, gen uint64) {
	if !s.setStateGen(gen, StateFetchingCredentials, "") {
		return
	}

	card, cardGen, err := s.cardRef()
	if err != nil || cardGen != gen {
		return
	}

	s.xmu.Lock()
	creds, err := s.adapter.List(card)
	s.xmu.Unlock()
	if err := s.checkOp(gen, err); err != nil {
		if !errors.Is(err, ErrDisconnected) {
			s.setStateGen(gen, StateError, "communication error")
		}
		return
	}

	for i := range creds {
		creds[i].DeviceID = s.id
	}

	// Brands whose LIST carries no touch metadata reveal it through bulk
	// calculation; run one to fill the flags and prime the code cache.
	var entries []CalcEntry
	if s.adapter.Capabilities().CalculateAll {
		now := time.Now()
		challenge := otp.Challenge(otp.TOTPCounter(now, 30))
		s.xmu.Lock()
		entries, err = s.adapter.CalculateAll(card, challenge)
		s.xmu.Unlock()
		if err := s.checkOp(gen, err); err != nil {
			if !errors.Is(err, ErrDisconnected) {
				s.setStateGen(gen, StateError, "communication error")
			}
			return
		}
		byName := make(map[string]CalcEntry, len(entries))
		for _, e := range entries {
			byName[e.Name] = e
		}
		for i := range creds {
			if e, ok := byName[creds[i].Name]; ok {
				if e.TouchRequired {
					creds[i].RequiresTouch = true
				}
				if e.HOTP {
					creds[i].Type = HOTP
				}
			}
		}
	}

	added, removed := s.catalog.Refresh(creds)
	if len(removed) > 0 {
		s.emit(EventCredentialsRemoved, CredentialEventData{Credentials: removed})
	}
	if len(added) > 0 {
		s.emit(EventCredentialsAdded, CredentialEventData{Credentials: added})
	}

	now := time.Now()
	for _, e := range entries {
		if e.Code.Value == "" {
			continue
		}
		if cred, ok := s.catalog.Get(e.Name); ok && cred.Type == TOTP {
			s.catalog.StoreCode(e.Name, Code{Value: e.Code.Value, ValidUntil: otp.ValidUntil(now, cred.Period)})
		}
	}

	s.touchLastSeen()
	s.setStateGen(gen, StateReady, "")
}

// requireReady fails fast for operations that need an established session.
func (s *Session) requireReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil {
		return ErrDisconnected
	}
	if s.state != StateReady {
		return fmt.Errorf("%w: state %s", ErrNotReady, s.state)
	}
	return nil
}

// SubmitPassword authenticates with a caller-supplied password. A fresh
// SELECT obtains a new challenge, the derived key is validated, and on
// success the password is persisted to the secret store before being wiped.
// A store save failure is an authentication failure. Success re-enters the
// fetch pipeline.
func (s *Session) SubmitPassword(ctx context.Context, password []byte) error {
	defer otp.Wipe(password)

	card, gen, err := s.cardRef()
	if err != nil {
		return err
	}

	if !s.setStateGen(gen, StateConnecting, "") {
		return ErrDisconnected
	}
	s.xmu.Lock()
	info, err := s.adapter.Select(card)
	s.xmu.Unlock()
	if err := s.checkOp(gen, err); err != nil {
		return err
	}

	if info.RequiresPassword() {
		if !s.setStateGen(gen, StateAuthenticating, "") {
			return ErrDisconnected
		}
		candidate := append([]byte(nil), password...)
		if err := s.authenticate(gen, info, candidate); err != nil {
			if !errors.Is(err, ErrDisconnected) {
				s.setPasswordValid(false)
				s.setStateGen(gen, StateError, "invalid password")
			}
			return err
		}
		if err := s.store.SavePassword(s.id, password); err != nil {
			s.setPasswordValid(false)
			s.setStateGen(gen, StateError, "password storage failed")
			return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		s.setPasswordValid(true)
	}

	s.fetch(ctx, gen)
	return nil
}

// GenerateCode returns a one-time code for the named credential, serving
// from the per-credential cache when the previous code is still inside its
// validity window. A touch-required credential yields a touch result, not a
// code; the session emits a touch event so consumers can prompt.
func (s *Session) GenerateCode(ctx context.Context, name string) (CalcResult, error) {
	if err := s.requireReady(); err != nil {
		return CalcResult{}, err
	}
	cred, ok := s.catalog.Get(name)
	if !ok {
		return CalcResult{}, fmt.Errorf("%w: %q", ErrNoSuchCredential, name)
	}

	now := time.Now()
	if code, ok := s.catalog.CachedCode(name, now); ok {
		return CalcResult{Name: name, Code: code}, nil
	}

	card, gen, err := s.cardRef()
	if err != nil {
		return CalcResult{}, err
	}
	challenge := otp.Challenge(otp.TOTPCounter(now, cred.Period))

	s.xmu.Lock()
	result, err := s.adapter.Calculate(card, name, challenge)
	s.xmu.Unlock()
	if err := s.checkOp(gen, err); err != nil {
		return CalcResult{}, err
	}

	if result.TouchRequired {
		s.emit(EventTouchRequested, TouchEventData{CredentialName: name})
		return result, nil
	}

	if cred.Type == TOTP {
		result.Code.ValidUntil = otp.ValidUntil(now, cred.Period)
		s.catalog.StoreCode(name, result.Code)
	}
	s.touchLastSeen()
	return result, nil
}

// CalculateAll computes codes for every catalogued credential. Brands with
// the bulk instruction answer in one exchange; for the rest the session
// falls back to per-credential calculation, skipping HOTP and touch
// credentials the same way the bulk instruction does.
func (s *Session) CalculateAll(ctx context.Context) ([]CalcEntry, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	card, gen, err := s.cardRef()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	challenge := otp.Challenge(otp.TOTPCounter(now, 30))

	if s.adapter.Capabilities().CalculateAll {
		s.xmu.Lock()
		entries, err := s.adapter.CalculateAll(card, challenge)
		s.xmu.Unlock()
		if err := s.checkOp(gen, err); err != nil {
			return nil, err
		}
		s.cacheEntries(entries, now)
		s.touchLastSeen()
		return entries, nil
	}

	var entries []CalcEntry
	for _, cred := range s.catalog.Credentials() {
		switch {
		case cred.Type == HOTP:
			entries = append(entries, CalcEntry{Name: cred.Name, HOTP: true})
		case cred.RequiresTouch:
			entries = append(entries, CalcEntry{Name: cred.Name, TouchRequired: true})
		default:
			s.xmu.Lock()
			result, err := s.adapter.Calculate(card, cred.Name, otp.Challenge(otp.TOTPCounter(now, cred.Period)))
			s.xmu.Unlock()
			if err := s.checkOp(gen, err); err != nil {
				return nil, err
			}
			entries = append(entries, CalcEntry{Name: cred.Name, Code: result.Code, TouchRequired: result.TouchRequired})
		}
	}
	s.cacheEntries(entries, now)
	s.touchLastSeen()
	return entries, nil
}

func (s *Session) cacheEntries(entries []CalcEntry, now time.Time) {
	for _, e := range entries {
		if e.Code.Value == "" {
			continue
		}
		if cred, ok := s.catalog.Get(e.Name); ok && cred.Type == TOTP {
			s.catalog.StoreCode(e.Name, Code{Value: e.Code.Value, ValidUntil: otp.ValidUntil(now, cred.Period)})
		}
	}
}

// AddCredential stores a new credential on the device and refreshes the
// catalog so consumers receive a precise add notification.
func (s *Session) AddCredential(ctx context.Context, data CredentialData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	if err := s.requireReady(); err != nil {
		return err
	}
	card, gen, err := s.cardRef()
	if err != nil {
		return err
	}

	s.xmu.Lock()
	err = s.adapter.Put(card, data)
	s.xmu.Unlock()
	if err := s.checkOp(gen, err); err != nil {
		return err
	}
	return s.refresh(ctx, gen)
}

// DeleteCredential removes a credential from the device and the catalog.
func (s *Session) DeleteCredential(ctx context.Context, name string) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	if _, ok := s.catalog.Get(name); !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchCredential, name)
	}
	card, gen, err := s.cardRef()
	if err != nil {
		return err
	}

	s.xmu.Lock()
	err = s.adapter.Delete(card, name)
	s.xmu.Unlock()
	if err := s.checkOp(gen, err); err != nil {
		return err
	}
	return s.refresh(ctx, gen)
}

// refresh re-lists credentials after a mutation and emits diff events.
func (s *Session) refresh(ctx context.Context, gen uint64) error {
	card, cardGen, err := s.cardRef()
	if err != nil {
		return err
	}
	if cardGen != gen {
		return ErrDisconnected
	}
	s.xmu.Lock()
	creds, err := s.adapter.List(card)
	s.xmu.Unlock()
	if err := s.checkOp(gen, err); err != nil {
		return err
	}
	for i := range creds {
		creds[i].DeviceID = s.id
	}
	added, removed := s.catalog.Refresh(creds)
	if len(removed) > 0 {
		s.emit(EventCredentialsRemoved, CredentialEventData{Credentials: removed})
	}
	if len(added) > 0 {
		s.emit(EventCredentialsAdded, CredentialEventData{Credentials: added})
	}
	s.touchLastSeen()
	return nil
}

// SetPassword sets or changes the applet password. The derived key is
// written to the card, the password persisted to the secret store, and both
// buffers wiped regardless of outcome.
func (s *Session) SetPassword(ctx context.Context, password []byte) error {
	defer otp.Wipe(password)
	if err := s.requireReady(); err != nil {
		return err
	}
	card, gen, err := s.cardRef()
	if err != nil {
		return err
	}

	key := otp.DeriveKey(password, s.Device().DeviceID)
	defer otp.Wipe(key)

	s.xmu.Lock()
	err = s.adapter.SetCode(card, key)
	s.xmu.Unlock()
	if err := s.checkOp(gen, err); err != nil {
		return err
	}

	if err := s.store.SavePassword(s.id, password); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	s.mu.Lock()
	s.device.RequiresPassword = true
	s.mu.Unlock()
	s.setPasswordValid(true)
	s.touchLastSeen()
	return nil
}

// RemovePassword clears the applet password and forgets the stored secret.
func (s *Session) RemovePassword(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	card, gen, err := s.cardRef()
	if err != nil {
		return err
	}

	s.xmu.Lock()
	err = s.adapter.SetCode(card, nil)
	s.xmu.Unlock()
	if err := s.checkOp(gen, err); err != nil {
		return err
	}

	if err := s.store.RemovePassword(s.id); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	s.mu.Lock()
	s.device.RequiresPassword = false
	s.mu.Unlock()
	s.setPasswordValid(false)
	s.touchLastSeen()
	return nil
}

// Rename updates the published device name. The name lives in the session
// only; nothing is written to the card.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	changed := s.name != name
	s.name = name
	s.mu.Unlock()
	if changed {
		s.emit(EventDeviceRenamed, RenameEventData{Name: name})
	}
}
