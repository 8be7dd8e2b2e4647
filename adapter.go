// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package oath

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/openoath/oathd/apdu"
	"github.com/openoath/oathd/otp"
)

// AID selects the OATH applet.
var AID = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}

// SelectInfo is the parsed SELECT response.
type SelectInfo struct {
	// DeviceID is the applet identity from the name TLV; it doubles as the
	// PBKDF2 salt.
	DeviceID []byte

	// Challenge is present only when the applet has a password set; it is
	// the card's half of the mutual authentication exchange.
	Challenge []byte

	Version Version

	// Serial is non-zero only for brands that include a serial-number TLV
	// in the SELECT response.
	Serial uint32
}

// RequiresPassword reports whether the applet demanded authentication.
func (si SelectInfo) RequiresPassword() bool { return len(si.Challenge) > 0 }

// Capabilities is the per-brand behavior table. The brand set is closed, so
// differences are data here rather than an open inheritance hierarchy.
type Capabilities struct {
	// CalculateAll reports whether the bulk calculate instruction is
	// available. When false the adapter returns instruction-not-supported;
	// per-credential fallback looping belongs to the session, never here.
	CalculateAll bool

	// SerialInSelect reports whether SELECT carries a serial-number TLV.
	SerialInSelect bool

	// TouchStatus is the status word this brand uses for pending touch.
	TouchStatus uint16

	// ListVersioned selects the v1 LIST request whose entries end with a
	// raw properties byte (bit 0 = touch required). The byte is part of the
	// entry value, not a nested TLV.
	ListVersioned bool

	// ListTouchQuirk marks firmware that can spuriously answer LIST with
	// the touch status word; such a response is retryable, not fatal.
	ListTouchQuirk bool

	// AppendLe adds a trailing Le byte to commands expecting response data,
	// required by CCID transports for this brand's firmware.
	AppendLe bool
}

// CalcEntry is one entry of a bulk calculate or a merged list+calculate
// result: a name with either a code, a touch-required marker, or an HOTP
// marker (bulk calculation skips HOTP to avoid advancing the counter).
type CalcEntry struct {
	Name          string
	Code          Code
	TouchRequired bool
	HOTP          bool
}

// Adapter is the brand strategy: SELECT/LIST/CALCULATE semantics plus the
// brand-independent management operations.
type Adapter interface {
	Brand() Brand
	Capabilities() Capabilities

	Select(card apdu.Card) (SelectInfo, error)
	List(card apdu.Card) ([]Credential, error)
	Calculate(card apdu.Card, name string, challenge []byte) (CalcResult, error)
	CalculateAll(card apdu.Card, challenge []byte) ([]CalcEntry, error)

	Put(card apdu.Card, data CredentialData) error
	Delete(card apdu.Card, name string) error
	Validate(card apdu.Card, key, challenge []byte) error
	SetCode(card apdu.Card, key []byte) error
}

// adapter implements Adapter for one entry of the brand table.
type adapter struct {
	brand Brand
	caps  Capabilities
}

// NewYubiKeyAdapter returns the YubiKey protocol variant: bulk calculate
// available, touch reported as 0x6985, serial not present in SELECT, LIST
// subject to the spurious-touch firmware quirk.
func NewYubiKeyAdapter() Adapter {
	return &adapter{brand: BrandYubiKey, caps: Capabilities{
		CalculateAll:   true,
		TouchStatus:    apdu.SWConditionsNotMet,
		ListTouchQuirk: true,
	}}
}

// NewNitrokeyAdapter returns the Nitrokey (trussed-secrets-app) variant:
// no bulk calculate, touch reported as 0x6982, serial TLV in SELECT, LIST v1
// with the raw per-entry properties byte, trailing Le bytes for CCID.
func NewNitrokeyAdapter() Adapter {
	return &adapter{brand: BrandNitrokey, caps: Capabilities{
		SerialInSelect: true,
		TouchStatus:    apdu.SWSecurityNotSatisfied,
		ListVersioned:  true,
		AppendLe:       true,
	}}
}

func (a *adapter) Brand() Brand               { return a.brand }
func (a *adapter) Capabilities() Capabilities { return a.caps }

// le returns the trailing Le byte for brands whose transport requires it.
func (a *adapter) le() *byte {
	if !a.caps.AppendLe {
		return nil
	}
	le := byte(0x00)
	return &le
}

func (a *adapter) exchange(card apdu.Card, cmd apdu.Command) (apdu.Response, error) {
	resp, err := apdu.Exchange(card, cmd)
	if err != nil {
		return apdu.Response{}, err
	}
	return resp, resp.Err()
}

// touchPending reports whether err is this brand's pending-touch status.
func (a *adapter) touchPending(err error) bool {
	var se apdu.StatusError
	return errors.As(err, &se) && se.SW() == a.caps.TouchStatus
}

func (a *adapter) Select(card apdu.Card) (SelectInfo, error) {
	resp, err := a.exchange(card, apdu.Command{
		Instruction: apdu.InsSelect,
		P1:          0x04,
		Data:        AID,
		Le:          a.le(),
	})
	if err != nil {
		return SelectInfo{}, fmt.Errorf("select: %w", err)
	}

	info := SelectInfo{
		DeviceID:  apdu.FindTag(resp.Data, apdu.TagName),
		Challenge: apdu.FindTag(resp.Data, apdu.TagChallenge),
		Version:   ParseVersion(apdu.FindTag(resp.Data, apdu.TagVersion)),
	}
	if len(info.DeviceID) == 0 {
		return SelectInfo{}, fmt.Errorf("select: %w: missing device id", apdu.ErrBadTLV)
	}
	if a.caps.SerialInSelect {
		if raw := apdu.FindTag(resp.Data, apdu.TagSerialNumber); len(raw) == 4 {
			info.Serial = binary.BigEndian.Uint32(raw)
		}
	}
	return info, nil
}

func (a *adapter) List(card apdu.Card) ([]Credential, error) {
	cmd := apdu.Command{Instruction: apdu.InsList, Le: a.le()}
	if a.caps.ListVersioned {
		cmd.Data = []byte{0x01} // request LIST v1 with properties byte
	}

	resp, err := a.exchange(card, cmd)
	if err != nil && a.caps.ListTouchQuirk && a.touchPending(err) {
		// Firmware quirk: LIST occasionally answers with the touch status
		// word with no touch credential involved. One retry clears it.
		resp, err = a.exchange(card, cmd)
	}
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return a.parseList(resp.Data)
}

func (a *adapter) parseList(data []byte) ([]Credential, error) {
	var creds []Credential
	for len(data) > 0 {
		tag, value, rest, err := apdu.Next(data)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		data = rest
		// Versioned entries need a third byte: type, at least one label
		// byte, then the trailing properties byte.
		minEntry := 2
		if a.caps.ListVersioned {
			minEntry = 3
		}
		if tag != apdu.TagNameList || len(value) < minEntry {
			continue
		}

		typeAlg := value[0]
		nameBytes := value[1:]
		var touch bool
		if a.caps.ListVersioned {
			// The v1 entry ends with a raw properties byte appended after
			// the label. It is not length-prefixed; slicing it off the tail
			// is the only correct parse.
			props := nameBytes[len(nameBytes)-1]
			nameBytes = nameBytes[:len(nameBytes)-1]
			touch = props&0x01 != 0
		}

		typ, alg := SplitTypeAlg(typeAlg)
		name := string(nameBytes)
		issuer, account := SplitName(name)
		creds = append(creds, Credential{
			Name:          name,
			Issuer:        issuer,
			Account:       account,
			Type:          typ,
			Algorithm:     alg,
			Digits:        otp.MinDigits,
			Period:        30,
			RequiresTouch: touch,
		})
	}
	return creds, nil
}

func (a *adapter) Calculate(card apdu.Card, name string, challenge []byte) (CalcResult, error) {
	data := apdu.AppendTLV(nil, apdu.TagName, []byte(name))
	data = apdu.AppendTLV(data, apdu.TagChallenge, challenge)

	resp, err := a.exchange(card, apdu.Command{
		Instruction: apdu.InsCalculate,
		P2:          0x01, // truncated response
		Data:        data,
		Le:          a.le(),
	})
	if a.touchPending(err) {
		return CalcResult{Name: name, TouchRequired: true}, nil
	}
	if err != nil {
		return CalcResult{}, fmt.Errorf("calculate %q: %w", name, err)
	}

	raw := apdu.FindTag(resp.Data, apdu.TagTruncated)
	if raw == nil {
		return CalcResult{}, fmt.Errorf("calculate %q: %w: missing response", name, apdu.ErrBadTLV)
	}
	code, err := otp.FormatTruncated(raw)
	if err != nil {
		return CalcResult{}, fmt.Errorf("calculate %q: %w", name, err)
	}
	return CalcResult{Name: name, Code: Code{Value: code}}, nil
}

func (a *adapter) CalculateAll(card apdu.Card, challenge []byte) ([]CalcEntry, error) {
	if !a.caps.CalculateAll {
		// Explicit: brands without the instruction report it as such. Any
		// per-credential emulation is a session policy decision.
		return nil, apdu.ErrNotSupported
	}

	resp, err := a.exchange(card, apdu.Command{
		Instruction: apdu.InsCalculateAll,
		P2:          0x01,
		Data:        apdu.AppendTLV(nil, apdu.TagChallenge, challenge),
		Le:          a.le(),
	})
	if err != nil {
		return nil, fmt.Errorf("calculate all: %w", err)
	}
	return parseCalculateAll(resp.Data)
}

// parseCalculateAll walks name/result TLV pairs: each name is followed by a
// truncated response, an HOTP marker, or a touch marker.
func parseCalculateAll(data []byte) ([]CalcEntry, error) {
	var entries []CalcEntry
	for len(data) > 0 {
		tag, value, rest, err := apdu.Next(data)
		if err != nil {
			return nil, fmt.Errorf("calculate all: %w", err)
		}
		data = rest
		if tag != apdu.TagName {
			continue
		}
		entry := CalcEntry{Name: string(value)}

		if len(data) == 0 {
			return nil, fmt.Errorf("calculate all: %w: name without result", apdu.ErrBadTLV)
		}
		tag, value, rest, err = apdu.Next(data)
		if err != nil {
			return nil, fmt.Errorf("calculate all: %w", err)
		}
		data = rest

		switch tag {
		case apdu.TagTouch:
			entry.TouchRequired = true
		case apdu.TagHOTP:
			entry.HOTP = true
		case apdu.TagTruncated:
			code, err := otp.FormatTruncated(value)
			if err != nil {
				return nil, fmt.Errorf("calculate all %q: %w", entry.Name, err)
			}
			entry.Code = Code{Value: code}
		default:
			return nil, fmt.Errorf("calculate all %q: %w: unexpected tag 0x%02X", entry.Name, apdu.ErrBadTLV, tag)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (a *adapter) Put(card apdu.Card, d CredentialData) error {
	if err := d.Validate(); err != nil {
		return err
	}

	key := make([]byte, 0, 2+len(d.Secret))
	key = append(key, byte(d.Type)|byte(d.Algorithm), byte(d.Digits))
	key = append(key, d.Secret...)

	data := apdu.AppendTLV(nil, apdu.TagName, []byte(d.Name))
	data = apdu.AppendTLV(data, apdu.TagKey, key)
	if d.RequiresTouch {
		// The property field is a bare tag/value pair with no length byte.
		data = append(data, apdu.TagProperty, 0x02)
	}
	if d.Type == HOTP && d.Counter > 0 {
		imf := binary.BigEndian.AppendUint32(nil, d.Counter)
		data = apdu.AppendTLV(data, apdu.TagIMF, imf)
	}

	if _, err := a.exchange(card, apdu.Command{Instruction: apdu.InsPut, Data: data}); err != nil {
		return fmt.Errorf("put %q: %w", d.Name, err)
	}
	return nil
}

func (a *adapter) Delete(card apdu.Card, name string) error {
	data := apdu.AppendTLV(nil, apdu.TagName, []byte(name))
	if _, err := a.exchange(card, apdu.Command{Instruction: apdu.InsDelete, Data: data}); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

// Validate performs mutual authentication. It answers the card's challenge
// with HMAC(key, challenge) and sends a fresh challenge of its own; the
// card's answer to that challenge must verify under the same key, proving
// both sides hold it.
func (a *adapter) Validate(card apdu.Card, key, challenge []byte) error {
	ours := make([]byte, 8)
	if _, err := rand.Read(ours); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	data := apdu.AppendTLV(nil, apdu.TagResponse, otp.ChallengeResponse(key, challenge))
	data = apdu.AppendTLV(data, apdu.TagChallenge, ours)

	resp, err := a.exchange(card, apdu.Command{
		Instruction: apdu.InsValidate,
		Data:        data,
		Le:          a.le(),
	})
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	cardResponse := apdu.FindTag(resp.Data, apdu.TagResponse)
	if !otp.VerifyResponse(key, ours, cardResponse) {
		return fmt.Errorf("validate: %w: card response mismatch", apdu.ErrWrongData)
	}
	return nil
}

// SetCode sets the applet password to the given derived key, or removes the
// password entirely when key is empty. A non-empty key must be a full-length
// derived key; short keys are rejected before any card interaction.
func (a *adapter) SetCode(card apdu.Card, key []byte) error {
	var data []byte
	if len(key) == 0 {
		data = apdu.AppendTLV(nil, apdu.TagKey, nil)
	} else {
		if len(key) < otp.DeriveKeyLen {
			return fmt.Errorf("oath: set code: derived key must be %d bytes, got %d", otp.DeriveKeyLen, len(key))
		}
		challenge := make([]byte, 8)
		if _, err := rand.Read(challenge); err != nil {
			return fmt.Errorf("set code: %w", err)
		}
		keyField := append([]byte{byte(TOTP) | byte(otp.SHA1)}, key...)
		data = apdu.AppendTLV(nil, apdu.TagKey, keyField)
		data = apdu.AppendTLV(data, apdu.TagChallenge, challenge)
		data = apdu.AppendTLV(data, apdu.TagResponse, otp.ChallengeResponse(key, challenge))
	}

	if _, err := a.exchange(card, apdu.Command{Instruction: apdu.InsSetCode, Data: data}); err != nil {
		return fmt.Errorf("set code: %w", err)
	}
	return nil
}
