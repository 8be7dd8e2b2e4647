// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package oath

import (
	"fmt"
	"strings"
	"time"

	"github.com/openoath/oathd/otp"
)

// CredentialType is the OATH credential kind as carried in the high nibble
// of the wire type/algorithm byte.
type CredentialType byte

// Credential types.
const (
	HOTP CredentialType = 0x10
	TOTP CredentialType = 0x20
)

func (t CredentialType) String() string {
	switch t {
	case HOTP:
		return "HOTP"
	case TOTP:
		return "TOTP"
	default:
		return fmt.Sprintf("CredentialType(0x%02X)", byte(t))
	}
}

// SplitTypeAlg decodes the combined type/algorithm byte used by LIST entries
// and the PUT key header: type in the high nibble, algorithm in the low.
func SplitTypeAlg(b byte) (CredentialType, otp.Algorithm) {
	return CredentialType(b & 0xF0), otp.Algorithm(b & 0x0F)
}

// Credential is one stored credential on a device. Immutable: codes are
// computed on demand, never stored here.
type Credential struct {
	DeviceID string `json:"deviceId"`

	// Name is the full credential name, issuer:account, unique per device.
	Name    string `json:"name"`
	Issuer  string `json:"issuer"`
	Account string `json:"account"`

	Type      CredentialType `json:"-"`
	Algorithm otp.Algorithm  `json:"-"`
	Digits    int            `json:"digits"`
	Period    int            `json:"period"`

	RequiresTouch bool `json:"requiresTouch"`
}

// SplitName separates a full credential name into issuer and account at the
// first colon. A name with no colon is all issuer, matching how the applet
// ecosystem labels bare entries.
func SplitName(name string) (issuer, account string) {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// CredentialData holds the parameters for adding a credential via PUT.
type CredentialData struct {
	Name          string
	Secret        []byte // raw key bytes, already base32-decoded
	Type          CredentialType
	Algorithm     otp.Algorithm
	Digits        int
	Period        int    // TOTP period in seconds
	Counter       uint32 // HOTP initial moving factor
	RequiresTouch bool
}

// Validate rejects malformed credential data before any card interaction.
func (d CredentialData) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("oath: credential name is required")
	}
	if len(d.Name) > 64 {
		return fmt.Errorf("oath: credential name exceeds 64 bytes")
	}
	if len(d.Secret) == 0 {
		return fmt.Errorf("oath: secret is required")
	}
	if d.Type != HOTP && d.Type != TOTP {
		return fmt.Errorf("oath: unknown credential type 0x%02X", byte(d.Type))
	}
	if !d.Algorithm.Valid() {
		return fmt.Errorf("oath: unknown algorithm 0x%02X", byte(d.Algorithm))
	}
	if d.Digits < otp.MinDigits || d.Digits > otp.MaxDigits {
		return fmt.Errorf("oath: digits must be %d-%d", otp.MinDigits, otp.MaxDigits)
	}
	if d.Type == TOTP && d.Period <= 0 {
		return fmt.Errorf("oath: period must be positive")
	}
	return nil
}

// Code is an ephemeral generated code. ValidUntil is the end of the TOTP
// window the code was computed in; HOTP codes carry a zero ValidUntil and
// are never cached.
type Code struct {
	Value      string    `json:"code"`
	ValidUntil time.Time `json:"validUntil"`
}

// Expired reports whether the code's validity window has passed at now.
func (c Code) Expired(now time.Time) bool {
	return c.ValidUntil.IsZero() || !now.Before(c.ValidUntil)
}

// CalcResult is the outcome of a calculate operation: either a code or a
// touch-required indication. Touch is a result variant, not an error;
// consumers render it differently from a computed code.
type CalcResult struct {
	Name          string `json:"name"`
	Code          Code   `json:"code"`
	TouchRequired bool   `json:"touchRequired"`
}
