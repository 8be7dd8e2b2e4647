// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package oathtest provides a scripted in-memory OATH applet for testing the
// protocol engine without hardware. The applet speaks the real wire format,
// including brand differences: serial TLV in SELECT, LIST v1 properties
// bytes, touch status words and response chaining.
package oathtest

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/openoath/oathd/apdu"
	"github.com/openoath/oathd/otp"
)

// Cred is one stored credential.
type Cred struct {
	Name    string
	Secret  []byte
	TypeAlg byte // type high nibble, algorithm low nibble
	Digits  int
	Counter uint64
	Touch   bool
}

// Applet is a scripted OATH applet implementing apdu.Card. The zero value is
// not usable; construct with NewYubiKey or NewNitrokey. All exported fields
// may be adjusted before handing the applet to the code under test; mutating
// them mid-exchange is not supported.
type Applet struct {
	DeviceID []byte
	Version  [3]byte
	Serial   uint32

	// Brand behavior knobs.
	SerialInSelect bool
	CalculateAll   bool
	TouchSW        uint16
	ListVersioned  bool

	// ListQuirks makes the next n LIST commands answer with the touch
	// status word, exercising the spurious-touch firmware quirk.
	ListQuirks int

	// Key is the password validation key; nil means no password set.
	Key []byte

	// TouchApprove resolves pending-touch credentials immediately with a
	// code, as if the user touched the key.
	TouchApprove bool

	// ChunkSize forces response chaining: payloads longer than this are
	// split and continued via SEND REMAINING. Zero disables chaining.
	ChunkSize int

	// TransmitErr simulates the device being unplugged: every Transmit
	// fails with this error once set.
	TransmitErr error

	mu        sync.Mutex
	creds     []*Cred
	challenge []byte
	selected  bool
	authed    bool
	pending   []byte
	script    []byte // instruction bytes seen, in order
	selects   int
}

var _ apdu.Card = (*Applet)(nil)

// NewYubiKey returns an applet with Yubico semantics: bulk calculate, touch
// as conditions-not-met, no serial in SELECT.
func NewYubiKey(deviceID []byte) *Applet {
	return &Applet{
		DeviceID:     deviceID,
		Version:      [3]byte{5, 4, 3},
		CalculateAll: true,
		TouchSW:      apdu.SWConditionsNotMet,
	}
}

// NewNitrokey returns an applet with trussed semantics: no bulk calculate,
// touch as security-not-satisfied, serial TLV in SELECT, LIST v1 entries.
func NewNitrokey(deviceID []byte, serial uint32) *Applet {
	return &Applet{
		DeviceID:       deviceID,
		Version:        [3]byte{4, 13, 0},
		Serial:         serial,
		SerialInSelect: true,
		TouchSW:        apdu.SWSecurityNotSatisfied,
		ListVersioned:  true,
	}
}

// AddCred stores a credential directly, bypassing the PUT instruction.
func (a *Applet) AddCred(c Cred) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upsert(&c)
}

// Creds returns the names of stored credentials in insertion order.
func (a *Applet) Creds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.creds))
	for i, c := range a.creds {
		out[i] = c.Name
	}
	return out
}

// Instructions returns the instruction bytes of every command received.
func (a *Applet) Instructions() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.script...)
}

// Unplug makes all further transmits fail like a vanished reader.
func (a *Applet) Unplug() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.TransmitErr = errors.New("oathtest: device unplugged")
}

// Transmit implements apdu.Card.
func (a *Applet) Transmit(raw []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.TransmitErr != nil {
		return nil, a.TransmitErr
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("oathtest: command shorter than header: %d bytes", len(raw))
	}
	ins, p1 := raw[1], raw[2]
	a.script = append(a.script, ins)

	data, err := commandData(raw)
	if err != nil {
		return nil, err
	}

	switch {
	case ins == apdu.InsSelect && p1 == 0x04:
		return a.handleSelect(data)
	case ins == apdu.InsSendRemaining:
		return a.continueChain(len(raw) >= 5)
	}

	if !a.selected {
		return status(apdu.SWConditionsNotMet), nil
	}

	switch ins {
	case apdu.InsValidate:
		return a.handleValidate(data)
	case apdu.InsSetCode:
		return a.handleSetCode(data)
	}

	if len(a.Key) > 0 && !a.authed {
		return status(apdu.SWSecurityNotSatisfied), nil
	}

	switch ins {
	case apdu.InsList:
		return a.handleList()
	case apdu.InsCalculate:
		return a.handleCalculate(data)
	case apdu.InsCalculateAll:
		return a.handleCalculateAll(data)
	case apdu.InsPut:
		return a.handlePut(data)
	case apdu.InsDelete:
		return a.handleDelete(data)
	}
	return status(apdu.SWNotSupported), nil
}

// commandData extracts the Lc-prefixed payload. Four-byte commands carry
// none; five-byte commands are header plus Le.
func commandData(raw []byte) ([]byte, error) {
	if len(raw) <= 5 {
		return nil, nil
	}
	lc := int(raw[4])
	if len(raw) < 5+lc {
		return nil, fmt.Errorf("oathtest: Lc %d exceeds command length %d", lc, len(raw))
	}
	return raw[5 : 5+lc], nil // trailing Le, if present, is ignored
}

func status(sw uint16) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

// respond appends the OK status word, splitting the payload into chained
// chunks when ChunkSize is set.
func (a *Applet) respond(data []byte) []byte {
	if a.ChunkSize <= 0 || len(data) <= a.ChunkSize {
		return append(data, status(apdu.SWOK)...)
	}
	chunk := data[:a.ChunkSize]
	a.pending = data[a.ChunkSize:]
	more := len(a.pending)
	if more > 0xFF {
		more = 0xFF
	}
	return append(append([]byte(nil), chunk...), 0x61, byte(more))
}

// continueChain serves the next pending chunk. A continuation is a case-2
// command and must carry Le; a four-byte frame cannot return data over CCID.
func (a *Applet) continueChain(hasLe bool) ([]byte, error) {
	if !hasLe {
		return status(apdu.SWWrongLength), nil
	}
	if len(a.pending) == 0 {
		return status(apdu.SWWrongData), nil
	}
	data := a.pending
	a.pending = nil
	return a.respond(data), nil
}

func (a *Applet) handleSelect([]byte) ([]byte, error) {
	a.selects++
	a.selected = true
	a.authed = len(a.Key) == 0
	a.pending = nil

	out := apdu.AppendTLV(nil, apdu.TagVersion, a.Version[:])
	out = apdu.AppendTLV(out, apdu.TagName, a.DeviceID)
	if a.SerialInSelect {
		out = apdu.AppendTLV(out, apdu.TagSerialNumber, binary.BigEndian.AppendUint32(nil, a.Serial))
	}
	if len(a.Key) > 0 {
		a.challenge = make([]byte, 8)
		if _, err := rand.Read(a.challenge); err != nil {
			return nil, err
		}
		out = apdu.AppendTLV(out, apdu.TagChallenge, a.challenge)
	}
	return a.respond(out), nil
}

func (a *Applet) handleValidate(data []byte) ([]byte, error) {
	if len(a.Key) == 0 {
		return status(apdu.SWWrongData), nil
	}
	response := apdu.FindTag(data, apdu.TagResponse)
	theirs := apdu.FindTag(data, apdu.TagChallenge)
	if !hmac.Equal(response, otp.ChallengeResponse(a.Key, a.challenge)) {
		return status(apdu.SWWrongData), nil
	}
	a.authed = true
	out := apdu.AppendTLV(nil, apdu.TagResponse, otp.ChallengeResponse(a.Key, theirs))
	return a.respond(out), nil
}

func (a *Applet) handleSetCode(data []byte) ([]byte, error) {
	keyField := apdu.FindTag(data, apdu.TagKey)
	if len(keyField) == 0 {
		a.Key = nil
		a.authed = true
		return status(apdu.SWOK), nil
	}
	challenge := apdu.FindTag(data, apdu.TagChallenge)
	response := apdu.FindTag(data, apdu.TagResponse)
	key := keyField[1:] // leading type/algorithm byte
	if !hmac.Equal(response, otp.ChallengeResponse(key, challenge)) {
		return status(apdu.SWWrongData), nil
	}
	a.Key = append([]byte(nil), key...)
	a.authed = true
	return status(apdu.SWOK), nil
}

func (a *Applet) handleList() ([]byte, error) {
	if a.ListQuirks > 0 {
		a.ListQuirks--
		return status(a.TouchSW), nil
	}
	var out []byte
	for _, c := range a.creds {
		entry := append([]byte{c.TypeAlg}, c.Name...)
		if a.ListVersioned {
			var props byte
			if c.Touch {
				props |= 0x01
			}
			entry = append(entry, props)
		}
		out = apdu.AppendTLV(out, apdu.TagNameList, entry)
	}
	return a.respond(out), nil
}

func (a *Applet) handleCalculate(data []byte) ([]byte, error) {
	name := apdu.FindTag(data, apdu.TagName)
	challenge := apdu.FindTag(data, apdu.TagChallenge)
	c := a.find(string(name))
	if c == nil {
		return status(apdu.SWNoSuchObject), nil
	}
	if c.Touch && !a.TouchApprove {
		return status(a.TouchSW), nil
	}
	return a.respond(apdu.AppendTLV(nil, apdu.TagTruncated, a.truncated(c, challenge))), nil
}

func (a *Applet) handleCalculateAll(data []byte) ([]byte, error) {
	if !a.CalculateAll {
		return status(apdu.SWNotSupported), nil
	}
	challenge := apdu.FindTag(data, apdu.TagChallenge)
	var out []byte
	for _, c := range a.creds {
		out = apdu.AppendTLV(out, apdu.TagName, []byte(c.Name))
		switch {
		case c.TypeAlg&0xF0 == 0x10: // HOTP: never computed in bulk
			out = apdu.AppendTLV(out, apdu.TagHOTP, nil)
		case c.Touch && !a.TouchApprove:
			out = apdu.AppendTLV(out, apdu.TagTouch, nil)
		default:
			out = apdu.AppendTLV(out, apdu.TagTruncated, a.truncated(c, challenge))
		}
	}
	return a.respond(out), nil
}

func (a *Applet) handlePut(data []byte) ([]byte, error) {
	nameTag, name, rest, err := apdu.Next(data)
	if err != nil || nameTag != apdu.TagName {
		return status(apdu.SWWrongData), nil
	}
	keyTag, key, rest, err := apdu.Next(rest)
	if err != nil || keyTag != apdu.TagKey || len(key) < 2 {
		return status(apdu.SWWrongData), nil
	}

	c := &Cred{
		Name:    string(name),
		TypeAlg: key[0],
		Digits:  int(key[1]),
		Secret:  append([]byte(nil), key[2:]...),
	}
	// The property field is a bare tag/value pair, not a TLV.
	if len(rest) >= 2 && rest[0] == apdu.TagProperty {
		c.Touch = rest[1]&0x02 != 0
		rest = rest[2:]
	}
	if len(rest) > 0 {
		imfTag, imf, _, err := apdu.Next(rest)
		if err == nil && imfTag == apdu.TagIMF && len(imf) == 4 {
			c.Counter = uint64(binary.BigEndian.Uint32(imf))
		}
	}
	a.upsert(c)
	return status(apdu.SWOK), nil
}

func (a *Applet) handleDelete(data []byte) ([]byte, error) {
	name := string(apdu.FindTag(data, apdu.TagName))
	for i, c := range a.creds {
		if c.Name == name {
			a.creds = append(a.creds[:i], a.creds[i+1:]...)
			return status(apdu.SWOK), nil
		}
	}
	return status(apdu.SWNoSuchObject), nil
}

func (a *Applet) find(name string) *Cred {
	for _, c := range a.creds {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (a *Applet) upsert(c *Cred) {
	for i, old := range a.creds {
		if old.Name == c.Name {
			a.creds[i] = c
			return
		}
	}
	a.creds = append(a.creds, c)
}

// truncated computes the dynamically truncated response for a credential:
// digits byte followed by the four truncation bytes with the top bit masked.
// TOTP hashes the challenge as sent; HOTP hashes and advances the stored
// counter.
func (a *Applet) truncated(c *Cred, challenge []byte) []byte {
	input := challenge
	if c.TypeAlg&0xF0 == 0x10 {
		input = binary.BigEndian.AppendUint64(nil, c.Counter)
		c.Counter++
	}
	alg := otp.Algorithm(c.TypeAlg & 0x0F)
	mac := hmac.New(alg.New(), c.Secret)
	mac.Write(input)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	out := make([]byte, 0, 5)
	out = append(out, byte(c.Digits))
	out = append(out, sum[offset:offset+4]...)
	out[1] &= 0x7F
	return out
}

// ExpectedCode returns the formatted code the applet would produce for the
// named credential at the given TOTP counter (or the credential's current
// HOTP counter). Tests use it to assert exact code values.
func (a *Applet) ExpectedCode(name string, counter uint64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.find(name)
	if c == nil {
		return "", fmt.Errorf("oathtest: no credential %q", name)
	}
	input := binary.BigEndian.AppendUint64(nil, counter)
	if c.TypeAlg&0xF0 == 0x10 {
		input = binary.BigEndian.AppendUint64(nil, c.Counter)
	}
	alg := otp.Algorithm(c.TypeAlg & 0x0F)
	return otp.Code(c.Secret, binary.BigEndian.Uint64(input), alg, c.Digits)
}

// SelectCount reports how many SELECT commands the applet has seen; used to
// assert reconnect behavior.
func (a *Applet) SelectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selects
}
