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

package avrpart

import "fmt"

// Database is the immutable, read-shared part catalogue built once at
// configuration load (spec.md §3's "created at configuration load,
// immutable for the run, read-shared").
type Database struct {
	parts []*Part
}

// NewDatabase builds a database from a literal part list. The full
// external configuration grammar is out of scope (spec.md §1); this
// is the loader seam internal/config calls into.
func NewDatabase(parts ...*Part) (*Database, error) {
	seen := map[ProgMode]map[[3]byte]bool{}
	for _, p := range parts {
		for mode := range p.Modes {
			if seen[mode] == nil {
				seen[mode] = map[[3]byte]bool{}
			}
			if seen[mode][p.Signature] {
				return nil, fmt.Errorf("duplicate signature %02X%02X%02X for mode %s",
					p.Signature[0], p.Signature[1], p.Signature[2], mode)
			}
			seen[mode][p.Signature] = true
		}
	}
	return &Database{parts: parts}, nil
}

// ByName looks up a part by its configured name.
func (d *Database) ByName(name string) *Part {
	for _, p := range d.parts {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// BySignature looks up a part by its 3-byte signature within a mode.
func (d *Database) BySignature(mode ProgMode, sig [3]byte) *Part {
	for _, p := range d.parts {
		if p.Modes[mode] && p.Signature == sig {
			return p
		}
	}
	return nil
}

// All returns the full part list. Callers must not mutate it.
func (d *Database) All() []*Part {
	return d.parts
}

// mem is a small constructor to keep the Built-in table below readable.
func mem(name string, size, pageSize int, offset uint32, initVal byte, readOnly bool) *Memory {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = initVal
	}
	return &Memory{Name: name, Size: size, PageSize: pageSize, Offset: offset, InitVal: initVal, ReadOnly: readOnly, Buf: buf}
}

// Builtin is the small, literal part set avrhost ships without a
// configuration file: the four representatives spec.md §8's worked
// scenarios (S1-S6) exercise directly.
func Builtin() []*Part {
	atmega328p := &Part{
		Name:          "ATmega328P",
		Signature:     [3]byte{0x1E, 0x95, 0x14},
		Modes:         map[ProgMode]bool{ModeISP: true, ModeDebugWIRE: true},
		NumInterrupts: 26,
		ChipEraseMS:   9,
		Memories: []*Memory{
			mem("flash", 32768, 128, 0, 0xFF, false),
			mem("eeprom", 1024, 4, 0, 0xFF, false),
			mem("signature", 3, 1, 0, 0, true),
			mem("lock", 1, 1, 0, 0xFF, false),
			mem("fuses", 3, 1, 0, 0xFF, false),
			mem("fuse0", 1, 1, 0, 0x62, false),
			mem("fuse1", 1, 1, 1, 0xD9, false),
			mem("fuse2", 1, 1, 2, 0xFF, false),
			mem("calibration", 1, 1, 0, 0, true),
		},
	}

	attiny13 := &Part{
		Name:        "ATtiny13",
		Signature:   [3]byte{0x1E, 0x90, 0x07},
		Modes:       map[ProgMode]bool{ModeISP: true, ModeDebugWIRE: true},
		ChipEraseMS: 4,
		Memories: []*Memory{
			mem("flash", 1024, 32, 0, 0xFF, false),
			mem("eeprom", 64, 4, 0, 0xFF, false),
			mem("signature", 3, 1, 0, 0, true),
			mem("fuses", 2, 1, 0, 0xFF, false),
		},
	}

	attiny3216 := &Part{
		Name:         "ATtiny3216",
		Signature:    [3]byte{0x1E, 0x95, 0x21},
		Modes:        map[ProgMode]bool{ModeUPDI: true},
		SyscfgOffset: 0x0F00,
		ChipEraseMS:  10,
		Memories: []*Memory{
			mem("flash", 32768, 64, 0x8000, 0xFF, false),
			mem("eeprom", 256, 32, 0x1400, 0xFF, false),
			mem("fuses", 10, 1, 0x1280, 0xFF, false),
			mem("fuse0", 1, 1, 0x1280, 0x00, false),
			mem("signature", 3, 1, 0x1100, 0, true),
			mem("userrow", 32, 32, 0x1300, 0xFF, false),
		},
	}

	at32uc := &Part{
		Name:        "AT32UC3A0256",
		Signature:   [3]byte{0x1E, 0x94, 0x87},
		Modes:       map[ProgMode]bool{ModePDI: true},
		ChipEraseMS: 50,
		Memories: []*Memory{
			mem("flash", 262144, 512, 0, 0xFF, false),
			mem("user", 2048, 512, 0x0080_0000, 0xFF, false),
			mem("signature", 3, 1, 0, 0, true),
		},
	}

	parts := []*Part{atmega328p, attiny13, attiny3216, at32uc}
	for _, p := range parts {
		if sig := p.FindMemory("signature"); sig != nil {
			copy(sig.Buf, p.Signature[:])
		}
	}
	return parts
}
