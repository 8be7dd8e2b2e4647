// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package otp

import (
	"crypto/hmac"
	"crypto/sha1"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation profile mandated by the OATH applet: PBKDF2 with HMAC-SHA1,
// 1000 iterations, the device ID bytes from the SELECT response as salt, and
// a 16-byte output used directly as an HMAC key.
const (
	DeriveIterations = 1000
	DeriveKeyLen     = 16
)

// DeriveKey turns a device password into the applet authentication key. The
// derivation is deterministic: identical password and salt always produce
// the identical key.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, DeriveIterations, DeriveKeyLen, sha1.New)
}

// ChallengeResponse computes HMAC-SHA1(key, challenge), the response half of
// the applet's mutual authentication exchange.
func ChallengeResponse(key, challenge []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// VerifyResponse compares a card response against the expected HMAC in
// constant time.
func VerifyResponse(key, challenge, response []byte) bool {
	return hmac.Equal(ChallengeResponse(key, challenge), response)
}

// Wipe zeroes b. Callers holding password or key material call it on every
// exit path so secrets do not outlive the operation that needed them.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
