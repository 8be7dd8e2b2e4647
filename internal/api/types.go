// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package api

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	oath "github.com/openoath/oathd"
	"github.com/openoath/oathd/otp"
)

// ErrorResponse is the JSON error body for all failed requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CredentialRequest is the body for adding a credential. The secret is
// base32 per the otpauth convention, case-insensitive, padding optional.
type CredentialRequest struct {
	Name          string `json:"name"`
	Secret        string `json:"secret"`
	Type          string `json:"type"`
	Algorithm     string `json:"algorithm"`
	Digits        int    `json:"digits"`
	Period        int    `json:"period"`
	Counter       uint32 `json:"counter"`
	RequiresTouch bool   `json:"requires_touch"`
}

// PasswordRequest carries a device password.
type PasswordRequest struct {
	Password string `json:"password"`
}

// RenameRequest carries a new device name.
type RenameRequest struct {
	Name string `json:"name"`
}

// CodeResponse is a generated one-time code.
type CodeResponse struct {
	Name          string     `json:"name"`
	Code          string     `json:"code,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	TouchRequired bool       `json:"touch_required"`

	// HOTP marks entries a bulk calculation skipped to avoid advancing the
	// counter; request the code individually instead.
	HOTP bool `json:"hotp,omitempty"`
}

// CodeListResponse is the result of a bulk code calculation.
type CodeListResponse struct {
	Codes []CodeResponse `json:"codes"`
}

func codeResponse(r oath.CalcResult) CodeResponse {
	out := CodeResponse{Name: r.Name, Code: r.Code.Value, TouchRequired: r.TouchRequired}
	if !r.Code.ValidUntil.IsZero() {
		t := r.Code.ValidUntil
		out.ValidUntil = &t
	}
	return out
}

func entryResponse(e oath.CalcEntry) CodeResponse {
	out := CodeResponse{Name: e.Name, Code: e.Code.Value, TouchRequired: e.TouchRequired, HOTP: e.HOTP}
	if !e.Code.ValidUntil.IsZero() {
		t := e.Code.ValidUntil
		out.ValidUntil = &t
	}
	return out
}

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func (r CredentialRequest) toData() (oath.CredentialData, error) {
	secret, err := secretEncoding.DecodeString(strings.ToUpper(strings.TrimRight(r.Secret, "=")))
	if err != nil {
		return oath.CredentialData{}, fmt.Errorf("secret is not base32: %w", err)
	}

	typ, err := parseType(r.Type)
	if err != nil {
		return oath.CredentialData{}, err
	}
	alg, err := parseAlgorithm(r.Algorithm)
	if err != nil {
		return oath.CredentialData{}, err
	}

	digits := r.Digits
	if digits == 0 {
		digits = otp.MinDigits
	}
	period := r.Period
	if period == 0 {
		period = 30
	}

	return oath.CredentialData{
		Name:          r.Name,
		Secret:        secret,
		Type:          typ,
		Algorithm:     alg,
		Digits:        digits,
		Period:        period,
		Counter:       r.Counter,
		RequiresTouch: r.RequiresTouch,
	}, nil
}

func parseType(s string) (oath.CredentialType, error) {
	switch strings.ToLower(s) {
	case "", "totp":
		return oath.TOTP, nil
	case "hotp":
		return oath.HOTP, nil
	default:
		return 0, fmt.Errorf("unknown credential type %q", s)
	}
}

func parseAlgorithm(s string) (otp.Algorithm, error) {
	switch strings.ToUpper(s) {
	case "", "SHA1":
		return otp.SHA1, nil
	case "SHA256":
		return otp.SHA256, nil
	case "SHA512":
		return otp.SHA512, nil
	default:
		return 0, fmt.Errorf("unknown algorithm %q", s)
	}
}
