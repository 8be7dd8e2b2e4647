// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package oath implements the OATH applet protocol spoken by hardware
// security keys: credential listing, HOTP/TOTP code calculation, credential
// management and password-protected sessions.
//
// The wire format lives in the apdu subpackage and the one-time-password
// primitives in otp. This domain package holds the entrypoint types: the
// [Manager] owns one [Session] per physical device, keyed by a stable id
// derived from the hardware serial or the applet identity. Brand differences
// between YubiKey and Nitrokey firmware (touch status words, LIST variants,
// bulk calculation support) are confined to the [Adapter] implementations;
// the session drives the same state machine over either.
//
// Transports implement the small apdu.Card interface. Reader enumeration and
// card presence detection are deliberately out of scope: presence sources
// call [Manager.Attach] and [Manager.Detach], and everything else flows from
// the resulting events. Consumers subscribe to those events directly or
// through the publish subpackage, which maintains a snapshot-plus-diff view
// of all devices and their credentials.
//
// Device passwords never persist inside this package; the secstore
// subpackage defines the storage boundary and the session wipes password and
// key material after each use.
package oath
