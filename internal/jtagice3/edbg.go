// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package jtagice3

import (
	"fmt"
	"time"

	"github.com/pdxjjb/avrhost/internal/transport"
)

// EDBG vendor command ids, spec.md §4.3b.
const (
	avrCmdRequest byte = 0x80
	avrRspReply   byte = 0x81
)

// edbgHeaderFirst/edbgHeaderRest are the header byte counts reserved
// from each USB transfer: 8 for the first fragment, 4 for subsequent
// ones (spec.md §4.3b).
const (
	edbgHeaderFirst = 8
	edbgHeaderRest  = 4
)

// FragmentSend splits a raw JTAGICE3 frame into EDBG fragments sized
// so every USB transfer is exactly maxXfer bytes, per spec.md §4.3b.
// Each fragment is [cmd=0x80][(idx<<4)|total][lenHi][lenLo][payload].
func FragmentSend(t transport.Transport, payload []byte, maxXfer int) error {
	total := fragmentCount(len(payload), maxXfer)
	if total > 15 {
		return fmt.Errorf("jtagice3/edbg: payload needs %d fragments, max 15", total)
	}
	off := 0
	for idx := 1; idx <= total; idx++ {
		headerLen := edbgHeaderRest
		if idx == 1 {
			headerLen = edbgHeaderFirst
		}
		chunkLen := maxXfer - headerLen
		if off+chunkLen > len(payload) {
			chunkLen = len(payload) - off
		}
		frame := make([]byte, maxXfer)
		frame[0] = avrCmdRequest
		frame[1] = byte(idx<<4) | byte(total)
		frame[2] = byte(chunkLen >> 8)
		frame[3] = byte(chunkLen)
		copy(frame[headerLen:], payload[off:off+chunkLen])
		if err := t.Send(frame); err != nil {
			return fmt.Errorf("jtagice3/edbg: send fragment %d/%d: %w", idx, total, err)
		}
		off += chunkLen
	}
	return nil
}

func fragmentCount(payloadLen, maxXfer int) int {
	if payloadLen <= maxXfer-edbgHeaderFirst {
		return 1
	}
	remaining := payloadLen - (maxXfer - edbgHeaderFirst)
	perFragment := maxXfer - edbgHeaderRest
	return 1 + (remaining+perFragment-1)/perFragment
}

// FragmentRecv polls with AVR_RSP until the dongle reports it has
// data, then assembles the response fragments into one contiguous
// buffer, per spec.md §4.3b's invariants: total-fragment count must
// be identical across all fragments of one response, fragment numbers
// are 1-based and strictly increasing, and a mismatch fails the whole
// transaction (spec.md §9's "abort on mismatch" Open Question is
// preserved verbatim -- no partial data is ever returned to the
// caller).
func FragmentRecv(t transport.Transport, maxXfer int, timeout time.Duration) ([]byte, error) {
	var out []byte
	expectedTotal := -1
	nextIdx := 1
	for {
		if err := t.Send([]byte{avrRspReply}); err != nil {
			return nil, fmt.Errorf("jtagice3/edbg: poll: %w", err)
		}
		raw, err := t.Recv(maxXfer, timeout)
		if err != nil {
			return nil, fmt.Errorf("jtagice3/edbg: recv: %w", err)
		}
		if len(raw) < 1 {
			return nil, fmt.Errorf("jtagice3/edbg: empty poll reply")
		}
		status := raw[0]
		if status == 0 {
			// No data yet; poll again.
			continue
		}
		const respHeaderLen = 3 // [status/fragbyte][lenHi][lenLo]
		if len(raw) < respHeaderLen {
			return nil, fmt.Errorf("jtagice3/edbg: fragment shorter than its header")
		}
		// The non-zero status byte doubles as the fragment-info byte
		// (idx<<4 | total), per spec.md §4.3b/§6.
		idx := int(status >> 4)
		total := int(status & 0x0F)
		if expectedTotal == -1 {
			expectedTotal = total
		} else if total != expectedTotal {
			return nil, fmt.Errorf("jtagice3/edbg: inconsistent # of fragments")
		}
		if idx != nextIdx {
			return nil, fmt.Errorf("jtagice3/edbg: fragment out of order: got %d want %d", idx, nextIdx)
		}
		chunkLen := int(raw[1])<<8 | int(raw[2])
		payload := raw[respHeaderLen:]
		if chunkLen > len(payload) {
			return nil, fmt.Errorf("jtagice3/edbg: fragment length exceeds transfer size")
		}
		out = append(out, payload[:chunkLen]...)
		nextIdx++
		if nextIdx > total {
			return out, nil
		}
	}
}
