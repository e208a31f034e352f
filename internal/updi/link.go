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

// Package updi implements the UPDI link layer, device state machine,
// and the V0-V5 NVM-version driver family of spec.md §4.4: a 1-wire
// 8N1 UART-with-echo protocol layered under a neutral facade so the
// driver layer never has to know which NVM controller generation a
// part carries.
//
// Grounded on emul/cpu.go's state-enum-driven dispatch and
// emul/exec.go's command-table pattern, applied to the UPDI
// unknown->normal->enabled->nvmprog->unlocked progression instead of
// the wut4 CPU's execution states.
package updi

import (
	"fmt"
	"time"

	"github.com/pdxjjb/avrhost/internal/transport"
)

// Link-layer primitives, spec.md §4.4a.
const (
	synch byte = 0x55
	ack   byte = 0x40
)

// LDCS/STCS control/status register indices (the 16 CS registers).
const (
	csStatusA  byte = 0x00
	csStatusB  byte = 0x01
	csControlA byte = 0x02
	csControlB byte = 0x03
	csASI      byte = 0x05
)

// Control/status bits.
const (
	ctrlAEnableUPDI byte = 0x01 << 2 // UPDIDIS cleared, enables UPDI
	statusAEnabled  byte = 0x01 << 0
)

// instruction base opcodes, spec.md §4.4a.
const (
	opLDS  byte = 0x00
	opSTS  byte = 0x40
	opLD   byte = 0x20
	opST   byte = 0x60
	opLDCS byte = 0x80
	opSTCS byte = 0xC0
	opREP  byte = 0xA0
	opKEY  byte = 0xE0
)

// Pointer-access sub-codes for LD/ST (the *_PTR, post-increment forms).
const (
	ptrModeImmediate byte = 0x00 << 2
	ptrModeIndirect  byte = 0x01 << 2
	ptrModeIndIncr   byte = 0x02 << 2
)

// Size codes embedded in LD/ST/LDS/STS opcodes (bits 0-1).
const (
	sizeByte byte = 0x00
	sizeWord byte = 0x01
	size3    byte = 0x02 // 24-bit addressing, AVR-Dx/Ex
)

// KEY sequences, spec.md §4.4a: 8-byte magic strings opening NVM
// programming and chip erase, sent most-significant-byte-last per the
// UPDI protocol's reversed-KEY convention.
var (
	keyNVMProg  = []byte("NVMProg ")
	keyChipErase = []byte("NVMErase")
)

// Link is the single-wire UART transport plus the echo-check and
// guard-time handling every UPDI primitive needs.
type Link struct {
	t    transport.Transport
	baud int
}

func NewLink(t transport.Transport, baud int) *Link {
	return &Link{t: t, baud: baud}
}

func (l *Link) Open(port string) error {
	return l.t.Open(port)
}

func (l *Link) Close() error {
	return l.t.Close()
}

// send writes data and consumes the echoed bytes (every sent byte
// reads back over the single wire), per spec.md §4.4a.
func (l *Link) send(data []byte) error {
	if err := l.t.Send(data); err != nil {
		return fmt.Errorf("updi: send: %w", err)
	}
	echo, err := l.t.Recv(len(data), 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("updi: echo read: %w", err)
	}
	if len(echo) != len(data) {
		return fmt.Errorf("updi: short echo: got %d bytes, want %d", len(echo), len(data))
	}
	for i := range data {
		if echo[i] != data[i] {
			return fmt.Errorf("updi: echo mismatch at byte %d: sent 0x%02X got 0x%02X", i, data[i], echo[i])
		}
	}
	return nil
}

// Break sends the BREAK condition as a single 0x00 byte at the link's
// current baud rate; the baud rate is not lowered for it. No echo is
// expected for BREAK.
func (l *Link) Break() error {
	if err := l.t.Send([]byte{0x00}); err != nil {
		return fmt.Errorf("updi: break: %w", err)
	}
	return nil
}

// Synch sends the SYNCH character that establishes bit-rate lock.
func (l *Link) Synch() error {
	return l.send([]byte{synch})
}

// STCS writes one of the 16 control/status registers.
func (l *Link) STCS(reg, value byte) error {
	return l.send([]byte{opSTCS | (reg & 0x0F), value})
}

// LDCS reads one of the 16 control/status registers.
func (l *Link) LDCS(reg byte) (byte, error) {
	if err := l.t.Send([]byte{opLDCS | (reg & 0x0F)}); err != nil {
		return 0, fmt.Errorf("updi: ldcs: %w", err)
	}
	reply, err := l.t.Recv(1, 100*time.Millisecond)
	if err != nil {
		return 0, fmt.Errorf("updi: ldcs reply: %w", err)
	}
	if len(reply) != 1 {
		return 0, fmt.Errorf("updi: ldcs: short reply")
	}
	return reply[0], nil
}

// ST writes one byte or word at an absolute address via STS (direct
// addressing, no pointer-register side effect).
func (l *Link) ST(addr uint32, data []byte) error {
	size := sizeByte
	if len(data) == 2 {
		size = sizeWord
	}
	addrBytes := addrField(addr)
	cmd := append([]byte{opSTS | byte(len(addrBytes)-1)<<2 | size}, addrBytes...)
	if err := l.send(cmd); err != nil {
		return err
	}
	return l.send(data)
}

// LD reads one byte or word at an absolute address via LDS.
func (l *Link) LD(addr uint32, size byte) ([]byte, error) {
	addrBytes := addrField(addr)
	cmd := append([]byte{opLDS | byte(len(addrBytes)-1)<<2 | size}, addrBytes...)
	if err := l.t.Send(cmd); err != nil {
		return nil, fmt.Errorf("updi: lds: %w", err)
	}
	echo, err := l.t.Recv(len(cmd), 100*time.Millisecond)
	if err != nil || len(echo) != len(cmd) {
		return nil, fmt.Errorf("updi: lds echo: %w", err)
	}
	n := 1
	if size == sizeWord {
		n = 2
	}
	reply, err := l.t.Recv(n, 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("updi: lds reply: %w", err)
	}
	return reply, nil
}

// Rep sets the repeat count for the next LD/ST-ptr operation,
// allowing block transfers without re-issuing the instruction byte,
// per spec.md §4.4a. count is the number of additional repetitions
// (hardware counts from 0 meaning "one transfer").
func (l *Link) Rep(count byte) error {
	return l.send([]byte{opREP, count})
}

// KEY sends one of the 8-byte magic sequences that unlock NVM
// programming or chip erase.
func (l *Link) KEY(key []byte) error {
	if len(key) != 8 {
		return fmt.Errorf("updi: KEY must be 8 bytes, got %d", len(key))
	}
	cmd := []byte{opKEY} // size field 0: 8-byte key
	for i := len(key) - 1; i >= 0; i-- {
		cmd = append(cmd, key[i])
	}
	return l.send(cmd)
}

// sibSize is the "32 bytes" SIB length code UPDI overloads onto the
// KEY instruction's size field (0x02 selects SIB rather than an 8-byte
// key), spec.md's glossary entry for SIB.
const sibSize byte = 0x02

// SIB reads the 32-byte ASCII System Information Block. The target
// replies directly with no command echo, unlike KEY/ST/LDS.
func (l *Link) SIB() ([]byte, error) {
	if err := l.t.Send([]byte{opKEY | sibSize}); err != nil {
		return nil, fmt.Errorf("updi: sib: %w", err)
	}
	reply, err := l.t.Recv(32, 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("updi: sib reply: %w", err)
	}
	if len(reply) != 32 {
		return nil, fmt.Errorf("updi: sib: short reply, got %d bytes", len(reply))
	}
	return reply, nil
}

func addrField(addr uint32) []byte {
	if addr > 0xFFFF {
		return []byte{byte(addr), byte(addr >> 8), byte(addr >> 16)}
	}
	return []byte{byte(addr), byte(addr >> 8)}
}
