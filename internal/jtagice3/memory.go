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
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pdxjjb/avrhost/internal/avrpart"
)

// Command ids within SCOPE_AVR, spec.md §4.3d.
const (
	cmd3ReadMemory  byte = 0x05
	cmd3WriteMemory byte = 0x04
	cmd3EraseMemory byte = 0x08
	cmd3SignOn      byte = 0x01
)

// Erase kinds, spec.md §4.3d.
const (
	eraseChip      byte = 0x00
	eraseAppPage   byte = 0x01
	eraseBootPage  byte = 0x02
	eraseEEPROM    byte = 0x03
	eraseUsersig   byte = 0x04
	eraseApp       byte = 0x05
	eraseBootAll   byte = 0x06
)

// memType derives the JTAGICE3 memory-type byte from a Memory and
// whether it is addressed above the boot_start split point, per
// spec.md §4.3d ("flash split into FLASH/BOOT_FLASH for PDI parts
// based on whether address >= boot_start").
func memType(mem *avrpart.Memory, addr uint32, bootStart uint32) byte {
	switch {
	case mem.IsFlash():
		if addr >= bootStart && bootStart != 0 {
			return 0xA1 // MTYPE_BOOT_FLASH
		}
		return 0xA0 // MTYPE_FLASH
	case mem.Name == "eeprom":
		return 0x22
	case mem.Name == "fuses" || mem.IsFuse():
		return 0x07
	case mem.Name == "lock":
		return 0x06
	case mem.Name == "signature":
		return 0x0C
	case mem.Name == "userrow" || mem.Name == "user":
		return 0x0E
	default:
		return 0xFF
	}
}

// ReadMemory issues CMD3_READ_MEMORY and returns the bytes, per
// spec.md §4.3d: {SCOPE_AVR, CMD3_READ_MEMORY, 0, mtype, addr32-LE,
// size32-LE}, response RSP3_DATA followed by the bytes.
func (s *Session) ReadMemory(mem *avrpart.Memory, addr uint32, size int) ([]byte, error) {
	payload := make([]byte, 12)
	payload[0] = byte(ScopeAVR)
	payload[1] = cmd3ReadMemory
	payload[2] = 0
	payload[3] = memType(mem, addr, s.BootStart)
	binary.LittleEndian.PutUint32(payload[4:8], addr)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(size))

	reply, err := s.Do(payload, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if len(reply) < size {
		return nil, fmt.Errorf("jtagice3: short read reply: got %d want %d", len(reply), size)
	}
	return reply[:size], nil
}

// WriteMemory issues CMD3_WRITE_MEMORY. For flash the caller must
// present a full page; short writes are padded with 0xFF, per
// spec.md §4.3d.
func (s *Session) WriteMemory(mem *avrpart.Memory, addr uint32, data []byte) error {
	payload := make([]byte, 8)
	payload[0] = byte(ScopeAVR)
	payload[1] = cmd3WriteMemory
	payload[2] = 0
	payload[3] = memType(mem, addr, s.BootStart)
	binary.LittleEndian.PutUint32(payload[4:8], addr)

	toSend := data
	if mem.IsFlash() && mem.PageSize > 0 && len(data) < mem.PageSize {
		toSend = make([]byte, mem.PageSize)
		for i := range toSend {
			toSend[i] = 0xFF
		}
		copy(toSend, data)
	}
	sizeField := make([]byte, 5) // size32-LE + reserved byte
	binary.LittleEndian.PutUint32(sizeField[:4], uint32(len(toSend)))
	payload = append(payload, sizeField...)
	payload = append(payload, toSend...)

	_, err := s.Do(payload, 2*time.Second)
	return err
}

// ErasePage issues CMD3_ERASE_MEMORY with the erase-kind derived from
// the memory's class, per spec.md §4.3d.
func (s *Session) ErasePage(mem *avrpart.Memory, addr uint32) error {
	var kind byte
	switch {
	case mem.Name == "boot":
		kind = eraseBootPage
	case mem.IsFlash():
		kind = eraseAppPage
	case mem.Name == "eeprom":
		kind = eraseEEPROM
	case mem.Name == "userrow" || mem.Name == "user":
		kind = eraseUsersig
	default:
		return fmt.Errorf("%w: page erase not supported for memory %s", ErrUnsupportedMemory, mem.Name)
	}
	payload := make([]byte, 8)
	payload[0] = byte(ScopeAVR)
	payload[1] = cmd3EraseMemory
	payload[2] = 0
	payload[3] = kind
	binary.LittleEndian.PutUint32(payload[4:], addr)
	_, err := s.Do(payload, time.Second)
	return err
}

// ChipErase issues CMD3_ERASE_MEMORY with kind=XMEGA_ERASE_CHIP (0),
// per spec.md §4.3d. Not supported in debugWIRE mode.
func (s *Session) ChipErase() error {
	payload := []byte{byte(ScopeAVR), cmd3EraseMemory, 0, eraseChip, 0, 0, 0, 0}
	_, err := s.Do(payload, 2*time.Second)
	return err
}

// ErrUnsupportedMemory mirrors spec.md §7's "contract error" class:
// addr out of range, size larger than memory, memory not present.
var ErrUnsupportedMemory = fmt.Errorf("jtagice3: memory not supported for this operation")
