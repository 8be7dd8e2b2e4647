// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package apdu implements the smart-card command and response encoding used
// to talk to an OATH applet, along with the simple-TLV helpers the applet
// protocol embeds in command and response payloads.
//
// A command APDU is encoded as
//
//	CLA | INS | P1 | P2 [| Lc | data] [| Le]
//
// and a response APDU as
//
//	data | SW1 | SW2
//
// where SW1 SW2 form a big-endian status word with 0x9000 meaning success.
// Responses larger than a single exchange are returned in chunks signalled by
// a 0x61xx status word; Exchange reassembles them transparently.
package apdu
