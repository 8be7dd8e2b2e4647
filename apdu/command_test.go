// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package apdu

import (
	"bytes"
	"errors"
	"testing"
)

type cardFunc func(command []byte) ([]byte, error)

func (f cardFunc) Transmit(command []byte) ([]byte, error) { return f(command) }

func TestCommandEncode(t *testing.T) {
	le := byte(0x00)
	for _, tt := range []struct {
		name string
		cmd  Command
		want []byte
	}{
		{
			"no data no le",
			Command{Instruction: InsList},
			[]byte{0x00, 0xA1, 0x00, 0x00},
		},
		{
			"no data with le",
			Command{Instruction: InsList, Le: &le},
			[]byte{0x00, 0xA1, 0x00, 0x00, 0x00},
		},
		{
			"select with aid",
			Command{Instruction: InsSelect, P1: 0x04, Data: []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}},
			[]byte{0x00, 0xA4, 0x04, 0x00, 0x07, 0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Encode()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("Encode() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestCommandEncodeTooLong(t *testing.T) {
	cmd := Command{Instruction: InsPut, Data: make([]byte, 256)}
	if _, err := cmd.Encode(); !errors.Is(err, ErrDataTooLong) {
		t.Fatalf("Encode() error = %v, want ErrDataTooLong", err)
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte{0xDE, 0xAD, 0x90, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() || !bytes.Equal(resp.Data, []byte{0xDE, 0xAD}) {
		t.Fatalf("ParseResponse = %+v", resp)
	}

	if _, err := ParseResponse([]byte{0x90}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("short response error = %v, want ErrTruncated", err)
	}
}

func TestExchangeReassemblesChunks(t *testing.T) {
	chunks := [][]byte{
		append([]byte("part1-"), 0x61, 0x06),
		append([]byte("part2-"), 0x61, 0x05),
		append([]byte("part3"), 0x90, 0x00),
	}
	var calls [][]byte
	card := cardFunc(func(command []byte) ([]byte, error) {
		calls = append(calls, command)
		return chunks[len(calls)-1], nil
	})

	resp, err := Exchange(card, Command{Instruction: InsList})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Data) != "part1-part2-part3" {
		t.Errorf("reassembled data = %q", resp.Data)
	}
	if !resp.OK() {
		t.Errorf("final SW = 0x%04X", resp.SW)
	}
	if len(calls) != 3 {
		t.Fatalf("transmit called %d times, want 3", len(calls))
	}
	for _, c := range calls[1:] {
		// Each continuation must be the full case-2 frame CLA INS P1 P2 Le:
		// without the trailing Le byte a CCID transport cannot return data.
		if want := []byte{0x00, InsSendRemaining, 0x00, 0x00, 0x00}; !bytes.Equal(c, want) {
			t.Errorf("continuation frame = % X, want % X", c, want)
		}
	}
}

func TestResponseErr(t *testing.T) {
	if err := (Response{SW: SWOK}).Err(); err != nil {
		t.Fatalf("success mapped to %v", err)
	}
	err := (Response{SW: SWWrongData}).Err()
	if !errors.Is(err, ErrWrongData) {
		t.Fatalf("0x6A80 mapped to %v, want ErrWrongData", err)
	}
	var se StatusError
	if !errors.As(err, &se) || se.SW() != SWWrongData {
		t.Fatalf("status error = %v", err)
	}
}
