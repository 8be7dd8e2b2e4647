// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package apdu

import (
	"bytes"
	"errors"
	"testing"
)

func TestTLVRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, 300)
	for _, tt := range []struct {
		name  string
		tag   byte
		value []byte
	}{
		{"empty", TagName, nil},
		{"one byte", TagChallenge, []byte{0x42}},
		{"short form max", TagKey, bytes.Repeat([]byte{0x01}, 0x7F)},
		{"long form one byte", TagKey, bytes.Repeat([]byte{0x02}, 0xFF)},
		{"long form two bytes", TagNameList, long},
	} {
		t.Run(tt.name, func(t *testing.T) {
			buf := AppendTLV(nil, tt.tag, tt.value)
			got := FindTag(buf, tt.tag)
			if !bytes.Equal(got, tt.value) {
				t.Fatalf("FindTag returned % X, want % X", got, tt.value)
			}
		})
	}
}

func TestFindTagFirstMatch(t *testing.T) {
	buf := AppendTLV(nil, TagName, []byte("first"))
	buf = AppendTLV(buf, TagChallenge, []byte{1, 2, 3})
	buf = AppendTLV(buf, TagName, []byte("second"))

	if got := FindTag(buf, TagName); string(got) != "first" {
		t.Errorf("FindTag returned %q, want first match", got)
	}
	if got := FindTag(buf, TagChallenge); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("FindTag challenge = % X", got)
	}
	if got := FindTag(buf, TagSerialNumber); got != nil {
		t.Errorf("FindTag of absent tag = % X, want nil", got)
	}
}

func TestNextMalformed(t *testing.T) {
	for _, tt := range []struct {
		name string
		buf  []byte
	}{
		{"single byte", []byte{TagName}},
		{"value shorter than length", []byte{TagName, 0x05, 0x01}},
		{"truncated long form", []byte{TagName, 0x82, 0x01}},
		{"unsupported length form", []byte{TagName, 0x84, 0x00}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := Next(tt.buf); !errors.Is(err, ErrBadTLV) {
				t.Fatalf("Next() error = %v, want ErrBadTLV", err)
			}
		})
	}
}

func TestFindTagMalformedReturnsNil(t *testing.T) {
	buf := AppendTLV(nil, TagChallenge, []byte{9})
	buf = append(buf, TagName, 0x40) // claims 64 bytes, has none
	if got := FindTag(buf, TagName); got != nil {
		t.Fatalf("FindTag on malformed tail = % X, want nil", got)
	}
}
