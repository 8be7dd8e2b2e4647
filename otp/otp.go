// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package otp implements RFC 4226 / RFC 6238 one-time code computation and
// the OATH applet's password-to-key derivation profile.
package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"time"
)

// Algorithm is the OATH hash algorithm enum as carried on the wire in the
// low nibble of a credential's type/algorithm byte.
type Algorithm byte

// Supported hash algorithms.
const (
	SHA1   Algorithm = 0x01
	SHA256 Algorithm = 0x02
	SHA512 Algorithm = 0x03
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	default:
		return fmt.Sprintf("Algorithm(0x%02X)", byte(a))
	}
}

// New returns the hash constructor for the algorithm, or nil for an unknown
// value.
func (a Algorithm) New() func() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	default:
		return nil
	}
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool { return a.New() != nil }

// Digit bounds accepted by the applet.
const (
	MinDigits = 6
	MaxDigits = 8
)

// Code computes an RFC 4226 one-time code: HMAC over the 8-byte big-endian
// counter, dynamic truncation at the offset given by the low nibble of the
// final HMAC byte, then reduction modulo 10^digits with zero padding.
func Code(secret []byte, counter uint64, alg Algorithm, digits int) (string, error) {
	if !alg.Valid() {
		return "", fmt.Errorf("otp: unknown algorithm 0x%02X", byte(alg))
	}
	if digits < MinDigits || digits > MaxDigits {
		return "", fmt.Errorf("otp: digits must be %d-%d, got %d", MinDigits, MaxDigits, digits)
	}

	mac := hmac.New(alg.New(), secret)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	return Truncate(sum, digits), nil
}

// Truncate applies RFC 4226 dynamic truncation to an HMAC sum and formats
// the result as a zero-padded digit string.
func Truncate(sum []byte, digits int) string {
	offset := sum[len(sum)-1] & 0x0F
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF

	mod := uint32(1)
	for range digits {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, value%mod)
}

// FormatTruncated formats a card-truncated response (digit count byte
// followed by four big-endian code bytes) into a digit string. This is the
// value the applet returns under the truncated-response TLV.
func FormatTruncated(raw []byte) (string, error) {
	if len(raw) < 5 {
		return "", fmt.Errorf("otp: truncated response needs 5 bytes, got %d", len(raw))
	}
	digits := int(raw[0])
	if digits < MinDigits || digits > MaxDigits {
		return "", fmt.Errorf("otp: truncated response claims %d digits", digits)
	}
	value := binary.BigEndian.Uint32(raw[1:5]) & 0x7FFFFFFF
	mod := uint32(1)
	for range digits {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, value%mod), nil
}

// TOTPCounter returns floor(unix(t) / period), the moving factor for a
// time-based credential.
func TOTPCounter(t time.Time, period int) uint64 {
	if period <= 0 {
		period = 30
	}
	return uint64(t.Unix() / int64(period))
}

// Challenge encodes a moving factor as the 8-byte big-endian challenge the
// CALCULATE and VALIDATE commands carry.
func Challenge(counter uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, counter)
	return out
}

// ValidUntil returns the end of the period window containing t, which is the
// expiry instant of a code computed at t: T - (T mod period) + period.
func ValidUntil(t time.Time, period int) time.Time {
	if period <= 0 {
		period = 30
	}
	sec := t.Unix()
	return time.Unix(sec-sec%int64(period)+int64(period), 0)
}
