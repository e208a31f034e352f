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

// Package avrpart holds the part and memory database: an immutable,
// read-shared catalogue of AVR part descriptors built once at
// configuration load and consulted by every backend thereafter.
package avrpart

import "fmt"

// ProgMode is one programming mode a part or programmer can support.
type ProgMode int

const (
	ModeISP ProgMode = iota
	ModeJTAG
	ModeXMEGAJTAG
	ModePDI
	ModeUPDI
	ModeDebugWIRE
	ModeTPI
	ModeAWire
	ModeHV
	ModeDFU
)

func (m ProgMode) String() string {
	switch m {
	case ModeISP:
		return "ISP"
	case ModeJTAG:
		return "JTAG"
	case ModeXMEGAJTAG:
		return "XMEGAJTAG"
	case ModePDI:
		return "PDI"
	case ModeUPDI:
		return "UPDI"
	case ModeDebugWIRE:
		return "debugWIRE"
	case ModeTPI:
		return "TPI"
	case ModeAWire:
		return "aWire"
	case ModeHV:
		return "HV"
	case ModeDFU:
		return "DFU"
	default:
		return "unknown"
	}
}

// Part describes one MCU family member (spec.md §3).
type Part struct {
	Name          string
	Signature     [3]byte
	Modes         map[ProgMode]bool
	NumInterrupts int
	OCDRevision   int
	NVMBase       uint32
	MCUBase       uint32
	OCDBase       uint32
	SyscfgOffset  uint32
	HVUPDI        bool
	ChipEraseMS   int
	Memories      []*Memory
}

// Supports reports whether the part can be programmed in mode m.
func (p *Part) Supports(m ProgMode) bool {
	return p.Modes[m]
}

// FindMemory looks up a memory by name; nil if absent on this part.
func (p *Part) FindMemory(name string) *Memory {
	for _, m := range p.Memories {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// String renders "name (sig)" the way log lines reference a part.
func (p *Part) String() string {
	return fmt.Sprintf("%s (sig 0x%02X%02X%02X)", p.Name, p.Signature[0], p.Signature[1], p.Signature[2])
}
