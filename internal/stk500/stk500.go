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

// Package stk500 implements the STK500v1/v2 minor engines of spec.md
// §4.7: a fixed-sync-byte framed byte protocol sharing the envelope
// pattern of §4.3a at a smaller feature scale, reusing the paged
// cache every backend shares.
//
// Grounded on exer/cex/serial_protocol.go's generated constant-table
// style for the command byte tables, and nano.go's framing helpers
// for the request/ack/response shape.
package stk500

import (
	"fmt"
	"time"

	"github.com/pdxjjb/avrhost/internal/transport"
)

// Protocol selects the v1 (simple sync-byte) or v2 (length-prefixed,
// checksummed) wire format.
type Protocol int

const (
	V1 Protocol = iota
	V2
)

// STK500v1 command bytes.
const (
	cmdV1GetSync       byte = 0x30
	cmdV1EnterProgmode byte = 0x50
	cmdV1LeaveProgmode byte = 0x51
	cmdV1LoadAddress   byte = 0x55
	cmdV1ProgPage      byte = 0x64
	cmdV1ReadPage      byte = 0x74
	cmdV1ReadSign      byte = 0x75
	cmdV1Universal     byte = 0x56
)

// STK500v2 command bytes (a superset, 24-bit extensible LOAD_ADDRESS).
const (
	cmdV2GetSync       byte = 0x30
	cmdV2EnterProgmode byte = 0x10
	cmdV2LeaveProgmode byte = 0x11
	cmdV2LoadAddress   byte = 0x06
	cmdV2ProgPage      byte = 0x13
	cmdV2ReadPage      byte = 0x14
	cmdV2ReadSign      byte = 0x15
	cmdV2Universal     byte = 0x01
)

// v1 framing bytes.
const (
	syncCRCEOP byte = 0x20
	respInSync byte = 0x14
	respOK     byte = 0x10
	respFailed byte = 0x11
)

// v2 framing bytes: [MESSAGE_START][seq][len-hi][len-lo][token][body][checksum].
const (
	messageStart byte = 0x1B
	token        byte = 0x0E
)

// Engine drives one STK500 session over a Transport. Session state is
// a single sequence counter (v2 only) and the protocol variant.
type Engine struct {
	t        transport.Transport
	proto    Protocol
	seq      byte
	inProg   bool
}

func New(t transport.Transport, proto Protocol) *Engine {
	return &Engine{t: t, proto: proto}
}

func (e *Engine) Open(port string) error  { return e.t.Open(port) }
func (e *Engine) Close() error            { return e.t.Close() }

// sendV1 frames a command with the trailing CRC_EOP sync byte and
// reads back [In_Sync][...][Ok].
func (e *Engine) sendV1(cmd []byte, replyLen int) ([]byte, error) {
	frame := append(append([]byte{}, cmd...), syncCRCEOP)
	if err := e.t.Send(frame); err != nil {
		return nil, fmt.Errorf("stk500v1: send: %w", err)
	}
	hdr, err := e.t.Recv(1, 200*time.Millisecond)
	if err != nil || len(hdr) != 1 || hdr[0] != respInSync {
		return nil, fmt.Errorf("stk500v1: expected In_Sync, got %v (err %v)", hdr, err)
	}
	var body []byte
	if replyLen > 0 {
		body, err = e.t.Recv(replyLen, 500*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("stk500v1: reading %d-byte reply: %w", replyLen, err)
		}
	}
	tail, err := e.t.Recv(1, 200*time.Millisecond)
	if err != nil || len(tail) != 1 || tail[0] != respOK {
		return nil, fmt.Errorf("stk500v1: expected Ok trailer, got %v (err %v)", tail, err)
	}
	return body, nil
}

// sendV2 frames a command in the length-prefixed, sequence-numbered
// v2 envelope and waits for the matching-sequence reply, per spec.md
// §4.7's "envelope pattern of §4.3a at a smaller feature scale."
func (e *Engine) sendV2(body []byte, replyLen int) ([]byte, error) {
	n := len(body)
	frame := []byte{messageStart, e.seq, byte(n >> 8), byte(n), token}
	frame = append(frame, body...)
	var chk byte
	for _, b := range frame {
		chk ^= b
	}
	frame = append(frame, chk)
	if err := e.t.Send(frame); err != nil {
		return nil, fmt.Errorf("stk500v2: send: %w", err)
	}
	hdr, err := e.t.Recv(5, 300*time.Millisecond)
	if err != nil || len(hdr) != 5 || hdr[0] != messageStart {
		return nil, fmt.Errorf("stk500v2: bad reply header %v (err %v)", hdr, err)
	}
	if hdr[1] != e.seq {
		return nil, fmt.Errorf("stk500v2: reply sequence %d does not match sent %d", hdr[1], e.seq)
	}
	replyBodyLen := int(hdr[2])<<8 | int(hdr[3])
	data, err := e.t.Recv(replyBodyLen+1, 500*time.Millisecond)
	if err != nil || len(data) != replyBodyLen+1 {
		return nil, fmt.Errorf("stk500v2: reading %d-byte body+checksum: %w", replyBodyLen, err)
	}
	e.seq++
	reply := data[:replyBodyLen]
	if replyLen > 0 && len(reply) < replyLen {
		return nil, fmt.Errorf("stk500v2: short reply: got %d bytes, want >= %d", len(reply), replyLen)
	}
	return reply, nil
}

// EnterProgmode issues ENTER_PROGMODE for the active protocol.
func (e *Engine) EnterProgmode() error {
	var err error
	if e.proto == V1 {
		_, err = e.sendV1([]byte{cmdV1EnterProgmode}, 0)
	} else {
		_, err = e.sendV2([]byte{cmdV2EnterProgmode}, 1)
	}
	if err == nil {
		e.inProg = true
	}
	return err
}

// LeaveProgmode issues LEAVE_PROGMODE.
func (e *Engine) LeaveProgmode() error {
	var err error
	if e.proto == V1 {
		_, err = e.sendV1([]byte{cmdV1LeaveProgmode}, 0)
	} else {
		_, err = e.sendV2([]byte{cmdV2LeaveProgmode}, 1)
	}
	if err == nil {
		e.inProg = false
	}
	return err
}

// LoadAddress issues LOAD_ADDRESS with a 24-bit extensible address,
// per spec.md §4.7 ("LOAD_ADDRESS (24-bit extensible)"): v1 sends a
// 16-bit word address, v2 sends the full 32-bit address and the
// target uses only as many bytes as its memory needs.
func (e *Engine) LoadAddress(addr uint32) error {
	if e.proto == V1 {
		wordAddr := addr / 2
		_, err := e.sendV1([]byte{cmdV1LoadAddress, byte(wordAddr), byte(wordAddr >> 8)}, 0)
		return err
	}
	_, err := e.sendV2([]byte{cmdV2LoadAddress, byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}, 1)
	return err
}

// ProgPage writes one page of data to the memory addressed by the
// most recent LoadAddress call.
func (e *Engine) ProgPage(memType byte, data []byte) error {
	if e.proto == V1 {
		body := []byte{cmdV1ProgPage, byte(len(data) >> 8), byte(len(data)), memType}
		body = append(body, data...)
		_, err := e.sendV1(body, 0)
		return err
	}
	body := []byte{cmdV2ProgPage, byte(len(data) >> 8), byte(len(data)), memType}
	body = append(body, data...)
	_, err := e.sendV2(body, 1)
	return err
}

// ReadPage reads n bytes from the memory addressed by the most recent
// LoadAddress call.
func (e *Engine) ReadPage(memType byte, n int) ([]byte, error) {
	if e.proto == V1 {
		body := []byte{cmdV1ReadPage, byte(n >> 8), byte(n), memType}
		return e.sendV1(body, n)
	}
	body := []byte{cmdV2ReadPage, byte(n >> 8), byte(n), memType}
	reply, err := e.sendV2(body, n+1)
	if err != nil {
		return nil, err
	}
	return reply[1:], nil // reply[0] is the v2 status byte
}

// ReadSignature reads the three signature bytes.
func (e *Engine) ReadSignature() ([3]byte, error) {
	var sig [3]byte
	if e.proto == V1 {
		body, err := e.sendV1([]byte{cmdV1ReadSign}, 3)
		if err != nil {
			return sig, err
		}
		copy(sig[:], body)
		return sig, nil
	}
	body, err := e.sendV2([]byte{cmdV2ReadSign}, 4)
	if err != nil {
		return sig, err
	}
	copy(sig[:], body[1:4])
	return sig, nil
}

// Universal tunnels four raw ISP bytes through the dongle, per
// spec.md §4.7's "UNIVERSAL (tunnels four raw ISP bytes)".
func (e *Engine) Universal(raw [4]byte) ([4]byte, error) {
	var out [4]byte
	if e.proto == V1 {
		body, err := e.sendV1(append([]byte{cmdV1Universal}, raw[:]...), 1)
		if err != nil {
			return out, err
		}
		out[3] = body[0]
		return out, nil
	}
	body, err := e.sendV2(append([]byte{cmdV2Universal}, raw[:]...), 2)
	if err != nil {
		return out, err
	}
	out[3] = body[1]
	return out, nil
}

// GetSync issues GET_SYNC, the handshake both protocol versions share
// before any other command is accepted.
func (e *Engine) GetSync() error {
	if e.proto == V1 {
		_, err := e.sendV1([]byte{cmdV1GetSync}, 0)
		return err
	}
	_, err := e.sendV2([]byte{cmdV2GetSync}, 1)
	return err
}
