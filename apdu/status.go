// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package apdu

import "fmt"

// Status words returned by the OATH applet. The two touch-related words are
// brand-specific: YubiKey firmware reports pending touch as 0x6985 while
// Nitrokey (trussed-secrets-app) uses 0x6982, which doubles as the generic
// security-status-not-satisfied word.
const (
	SWOK                   uint16 = 0x9000
	SWMoreData             uint16 = 0x6100 // high byte only; low byte is remaining length
	SWSecurityNotSatisfied uint16 = 0x6982
	SWConditionsNotMet     uint16 = 0x6985
	SWWrongData            uint16 = 0x6A80
	SWNoSuchObject         uint16 = 0x6984
	SWNotSupported         uint16 = 0x6D00
	SWNoSpace              uint16 = 0x6A84
	SWWrongSyntax          uint16 = 0x6A86
	SWWrongLength          uint16 = 0x6700
)

// StatusError is a non-success status word surfaced as an error.
type StatusError uint16

// Typed status errors for errors.Is comparison.
const (
	ErrSecurityNotSatisfied = StatusError(SWSecurityNotSatisfied)
	ErrConditionsNotMet     = StatusError(SWConditionsNotMet)
	ErrWrongData            = StatusError(SWWrongData)
	ErrNoSuchObject         = StatusError(SWNoSuchObject)
	ErrNotSupported         = StatusError(SWNotSupported)
	ErrNoSpace              = StatusError(SWNoSpace)
)

func (e StatusError) Error() string {
	return fmt.Sprintf("apdu: status 0x%04X (%s)", uint16(e), statusName(uint16(e)))
}

// SW returns the raw status word.
func (e StatusError) SW() uint16 { return uint16(e) }

func statusName(sw uint16) string {
	switch sw {
	case SWSecurityNotSatisfied:
		return "security status not satisfied"
	case SWConditionsNotMet:
		return "conditions of use not satisfied"
	case SWWrongData:
		return "wrong data"
	case SWNoSuchObject:
		return "no such object"
	case SWNotSupported:
		return "instruction not supported"
	case SWNoSpace:
		return "no space"
	case SWWrongSyntax:
		return "wrong syntax"
	case SWWrongLength:
		return "wrong length"
	default:
		return "unknown"
	}
}

// Err maps the response status word to a StatusError, or nil on success.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	return StatusError(r.SW)
}
