// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TLV tags used by the OATH applet protocol.
const (
	TagName         byte = 0x71
	TagNameList     byte = 0x72
	TagKey          byte = 0x73
	TagChallenge    byte = 0x74
	TagResponse     byte = 0x75
	TagTruncated    byte = 0x76 // truncated (TOTP) response: digits + 4 code bytes
	TagHOTP         byte = 0x77
	TagProperty     byte = 0x78
	TagVersion      byte = 0x79
	TagIMF          byte = 0x7A // HOTP initial moving factor
	TagAlgorithm    byte = 0x7B
	TagTouch        byte = 0x7C
	TagSerialNumber byte = 0x8F
)

// ErrBadTLV is returned when a buffer does not hold a well-formed
// tag-length-value sequence.
var ErrBadTLV = errors.New("apdu: malformed TLV")

// AppendTLV appends tag | length | value to dst. Lengths use the applet's
// DER-style short/long form: one byte below 0x80, 0x81 plus one byte up to
// 0xFF, 0x82 plus a big-endian uint16 beyond that. Zero-length values encode
// as tag | 0x00.
func AppendTLV(dst []byte, tag byte, value []byte) []byte {
	dst = append(dst, tag)
	switch n := len(value); {
	case n < 0x80:
		dst = append(dst, byte(n))
	case n <= 0xFF:
		dst = append(dst, 0x81, byte(n))
	default:
		dst = append(dst, 0x82)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	}
	return append(dst, value...)
}

// Next decodes the first TLV in buf, returning its tag, value and the
// remainder of the buffer. An empty buf is reported as ErrBadTLV; callers
// iterate until the remainder is empty.
func Next(buf []byte) (tag byte, value, rest []byte, err error) {
	if len(buf) < 2 {
		return 0, nil, nil, fmt.Errorf("%w: %d bytes left", ErrBadTLV, len(buf))
	}
	tag = buf[0]
	var n int
	switch l := buf[1]; {
	case l < 0x80:
		n, rest = int(l), buf[2:]
	case l == 0x81:
		if len(buf) < 3 {
			return 0, nil, nil, fmt.Errorf("%w: truncated long-form length", ErrBadTLV)
		}
		n, rest = int(buf[2]), buf[3:]
	case l == 0x82:
		if len(buf) < 4 {
			return 0, nil, nil, fmt.Errorf("%w: truncated long-form length", ErrBadTLV)
		}
		n, rest = int(binary.BigEndian.Uint16(buf[2:4])), buf[4:]
	default:
		return 0, nil, nil, fmt.Errorf("%w: unsupported length form 0x%02X", ErrBadTLV, l)
	}
	if len(rest) < n {
		return 0, nil, nil, fmt.Errorf("%w: value needs %d bytes, %d left", ErrBadTLV, n, len(rest))
	}
	return tag, rest[:n], rest[n:], nil
}

// FindTag scans buf for the first TLV with the given tag and returns its
// value, or nil when the tag is absent or the buffer is malformed past the
// point of interest. The scan is linear and stops at the first match.
func FindTag(buf []byte, tag byte) []byte {
	for len(buf) > 0 {
		t, v, rest, err := Next(buf)
		if err != nil {
			return nil
		}
		if t == tag {
			return v
		}
		buf = rest
	}
	return nil
}
