// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package apdu

import (
	"errors"
	"fmt"
)

// Instruction bytes of the OATH applet.
const (
	InsPut           byte = 0x01
	InsDelete        byte = 0x02
	InsSetCode       byte = 0x03
	InsReset         byte = 0x04
	InsList          byte = 0xA1
	InsCalculate     byte = 0xA2
	InsValidate      byte = 0xA3
	InsSelect        byte = 0xA4 // P1=0x04 selects by AID
	InsCalculateAll  byte = 0xA4 // P1=0x00, P2=0x01
	InsSendRemaining byte = 0xA5
)

// maxData is the largest payload a short-form Lc byte can carry.
const maxData = 0xFF

// ErrDataTooLong is returned when a command payload exceeds a single short
// APDU. The OATH applet protocol never needs command chaining, so oversized
// payloads are a caller bug rather than something to split silently.
var ErrDataTooLong = errors.New("apdu: command data exceeds 255 bytes")

// Command is a single command APDU.
type Command struct {
	Class       byte
	Instruction byte
	P1, P2      byte
	Data        []byte

	// Le, when non-nil, appends a trailing expected-length byte. CCID
	// transports require it on commands that expect response data; CTAPHID
	// does not. Brand adapters decide.
	Le *byte
}

// Encode serializes the command. The Lc field is omitted entirely when there
// is no data, matching what the applet expects for case-1/case-2 commands.
func (c Command) Encode() ([]byte, error) {
	if len(c.Data) > maxData {
		return nil, fmt.Errorf("%w: %d bytes", ErrDataTooLong, len(c.Data))
	}
	out := make([]byte, 0, 4+1+len(c.Data)+1)
	out = append(out, c.Class, c.Instruction, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.Le != nil {
		out = append(out, *c.Le)
	}
	return out, nil
}

// Response is a decoded response APDU.
type Response struct {
	Data []byte
	SW   uint16
}

// ErrTruncated is returned when a response is shorter than the two-byte
// status word.
var ErrTruncated = errors.New("apdu: response shorter than status word")

// ParseResponse splits a raw response into payload and status word.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, ErrTruncated
	}
	return Response{
		Data: raw[:len(raw)-2],
		SW:   uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1]),
	}, nil
}

// OK reports whether the status word indicates success.
func (r Response) OK() bool { return r.SW == SWOK }

// MoreData reports whether the card holds further response bytes (0x61xx).
func (r Response) MoreData() bool { return r.SW&0xFF00 == SWMoreData }

// Card is the raw transport boundary: one command APDU in, one response APDU
// out. Reader enumeration and card presence detection live outside this
// module; implementations must be safe for use by a single goroutine at a
// time (callers serialize).
type Card interface {
	Transmit(command []byte) ([]byte, error)
}

// Exchange encodes cmd, transmits it and reassembles chunked responses by
// issuing SEND REMAINING until the card reports no more data. The returned
// response carries the final status word and the concatenated payload.
func Exchange(card Card, cmd Command) (Response, error) {
	raw, err := cmd.Encode()
	if err != nil {
		return Response{}, err
	}
	resp, err := transmit(card, raw)
	if err != nil {
		return Response{}, err
	}
	if !resp.MoreData() {
		return resp, nil
	}

	data := append([]byte(nil), resp.Data...)
	for resp.MoreData() {
		// The continuation is a case-2 command: it carries no data but
		// expects up to 256 bytes back, so Le must be present even when
		// the triggering command omitted it.
		le := byte(0x00)
		remaining := Command{Class: cmd.Class, Instruction: InsSendRemaining, Le: &le}
		raw, err := remaining.Encode()
		if err != nil {
			return Response{}, err
		}
		resp, err = transmit(card, raw)
		if err != nil {
			return Response{}, err
		}
		data = append(data, resp.Data...)
	}
	resp.Data = data
	return resp, nil
}

// ErrTransport wraps failures of the underlying transport. A card that
// answered with a bad status word is a protocol condition; a Transmit that
// errored means the device is gone.
var ErrTransport = errors.New("apdu: transport failure")

func transmit(card Card, raw []byte) (Response, error) {
	buf, err := card.Transmit(raw)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return ParseResponse(buf)
}
