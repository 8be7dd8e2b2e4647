// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package secstore is the boundary between the protocol engine and secret
// persistence. Device passwords cross this boundary as byte slices the
// caller wipes after use; implementations must not retain plaintext beyond
// the call.
package secstore

import "errors"

// ErrNotFound is returned when no password is stored for a device.
var ErrNotFound = errors.New("secstore: no stored password")

// Store persists per-device applet passwords keyed by stable device id.
//
// Implementations must be safe for concurrent use. Load returns a copy the
// caller owns (and should wipe); Save must copy its input for the same
// reason.
type Store interface {
	// LoadPassword returns the stored password for the device, or
	// ErrNotFound.
	LoadPassword(deviceID string) ([]byte, error)

	// SavePassword stores the password for the device, replacing any
	// previous value.
	SavePassword(deviceID string, password []byte) error

	// RemovePassword deletes the stored password for the device. Removing
	// an absent entry is not an error.
	RemovePassword(deviceID string) error
}
