// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package oath

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Brand identifies a hardware family. The set is closed: protocol variants
// are compiled in, not discovered.
type Brand int

// Known hardware families.
const (
	BrandUnknown Brand = iota
	BrandYubiKey
	BrandNitrokey
)

func (b Brand) String() string {
	switch b {
	case BrandYubiKey:
		return "YubiKey"
	case BrandNitrokey:
		return "Nitrokey"
	default:
		return "Unknown"
	}
}

// Version is an applet firmware version as reported in the SELECT response
// version TLV.
type Version struct {
	Major, Minor, Patch byte
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion decodes the three-byte version TLV value. A missing or short
// value yields the zero Version.
func ParseVersion(raw []byte) Version {
	if len(raw) < 3 {
		return Version{}
	}
	return Version{Major: raw[0], Minor: raw[1], Patch: raw[2]}
}

// FormFactor is a coarse hardware shape classification used only for
// presentation by consumers.
type FormFactor string

// Form factors.
const (
	FormUnknown  FormFactor = "unknown"
	FormKeychain FormFactor = "keychain"
	FormNano     FormFactor = "nano"
)

// Device is the immutable hardware identity established by the first
// successful SELECT. Mutable connection state lives on the Session.
type Device struct {
	// ID is the stable published identity: the decimal serial number when
	// the hardware exposes one, otherwise an id derived from the applet's
	// device ID bytes. Stable across reconnects.
	ID string

	// DeviceID is the raw identity bytes from the SELECT response name TLV.
	// Also the PBKDF2 salt for password derivation.
	DeviceID []byte

	Serial     uint32
	Version    Version
	Brand      Brand
	Model      string
	FormFactor FormFactor

	// RequiresPassword records whether the applet demanded authentication
	// at SELECT time (a challenge TLV was present).
	RequiresPassword bool
}

// deviceIDNamespace anchors derived ids so they are stable across processes.
var deviceIDNamespace = uuid.MustParse("8df94dcc-416e-4e13-a1d5-3a3c1a51ca23")

// StableID prefers the hardware serial and falls back to a UUIDv5 derived
// from the applet device ID bytes when no serial is available.
func StableID(serial uint32, deviceID []byte) string {
	if serial != 0 {
		return strconv.FormatUint(uint64(serial), 10)
	}
	return uuid.NewSHA1(deviceIDNamespace, deviceID).String()
}

// DeviceIDString renders the raw device ID bytes the way the applet protocol
// logs them, as lowercase hex.
func DeviceIDString(deviceID []byte) string { return hex.EncodeToString(deviceID) }

// modelName maps brand and firmware to a human-readable model string. Serial
// presence distinguishes YubiKey 5 family keys from security-key editions,
// which do not expose a serial over CCID.
func modelName(brand Brand, v Version, serial uint32) string {
	switch brand {
	case BrandYubiKey:
		switch {
		case v.Major >= 5 && serial != 0:
			return fmt.Sprintf("YubiKey 5 (%s)", v)
		case v.Major >= 5:
			return fmt.Sprintf("Security Key (%s)", v)
		case v.Major == 4:
			return fmt.Sprintf("YubiKey 4 (%s)", v)
		case v.Major == 3:
			return fmt.Sprintf("YubiKey NEO (%s)", v)
		default:
			return fmt.Sprintf("YubiKey (%s)", v)
		}
	case BrandNitrokey:
		return fmt.Sprintf("Nitrokey 3 (%s)", v)
	default:
		return "OATH token"
	}
}

// SessionState is the device session lifecycle state.
type SessionState uint8

// Session states. Error is terminal until an external retry; Disconnected is
// both the initial state and the state entered on loss of the device.
const (
	StateDisconnected        SessionState = 0x00
	StateConnecting          SessionState = 0x01
	StateAuthenticating      SessionState = 0x02
	StateFetchingCredentials SessionState = 0x03
	StateReady               SessionState = 0x04
	StateError               SessionState = 0xFF
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateFetchingCredentials:
		return "fetching_credentials"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("SessionState(0x%02X)", uint8(s))
	}
}

// Transitional reports whether the state is part of the connect pipeline.
func (s SessionState) Transitional() bool {
	return s == StateConnecting || s == StateAuthenticating || s == StateFetchingCredentials
}
