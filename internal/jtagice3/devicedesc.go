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
	"time"

	"github.com/pdxjjb/avrhost/internal/avrpart"
)

// PARM3_DEVICEDESC pushes a scope-specific device descriptor before
// AVR sign-on. buildDeviceDesc fills the descriptor from the part's
// flash, eeprom and boot memories only; application, fuses, lock,
// sigrow, userrow and signature memories are not consulted. UPDI
// descriptors additionally carry the HV implementation flag, the
// syscfg/NVM/OCD offsets, and the address mode (16-bit vs 24-bit).
const parm3DeviceDesc byte = 0x23

// megaDeviceDesc is the fixed-layout descriptor for classic/mega ISP
// and JTAG parts.
type megaDeviceDesc struct {
	FlashPageSize  uint16
	FlashSize      uint32
	BootAddr       uint32
	EEPROMPageSize uint16
	EEPROMSize     uint16
}

func (d megaDeviceDesc) marshal() []byte {
	b := make([]byte, 14)
	binary.LittleEndian.PutUint16(b[0:2], d.FlashPageSize)
	binary.LittleEndian.PutUint32(b[2:6], d.FlashSize)
	binary.LittleEndian.PutUint32(b[6:10], d.BootAddr)
	binary.LittleEndian.PutUint16(b[10:12], d.EEPROMPageSize)
	binary.LittleEndian.PutUint16(b[12:14], d.EEPROMSize)
	return b
}

// xmegaDeviceDesc covers PDI/JTAG Xmega parts, adding the NVM
// controller base and application/boot split.
type xmegaDeviceDesc struct {
	megaDeviceDesc
	NVMBase  uint32
	AppSize  uint32
}

func (d xmegaDeviceDesc) marshal() []byte {
	b := d.megaDeviceDesc.marshal()
	tail := make([]byte, 8)
	binary.LittleEndian.PutUint32(tail[0:4], d.NVMBase)
	binary.LittleEndian.PutUint32(tail[4:8], d.AppSize)
	return append(b, tail...)
}

// updiDeviceDesc covers UPDI parts: voltage-divider ratios, the
// SYSCFG register offset, and whether addressing is 16-bit or 24-bit
// (AVR-DA/DB parts with flash above 64KiB).
type updiDeviceDesc struct {
	megaDeviceDesc
	HVImplementation byte
	SyscfgOffset     uint16
	NVMCtrlOffset    uint16
	OCDOffset        uint16
	Addr24Bit        bool
}

func (d updiDeviceDesc) marshal() []byte {
	b := d.megaDeviceDesc.marshal()
	tail := make([]byte, 8)
	tail[0] = d.HVImplementation
	binary.LittleEndian.PutUint16(tail[1:3], d.SyscfgOffset)
	binary.LittleEndian.PutUint16(tail[3:5], d.NVMCtrlOffset)
	binary.LittleEndian.PutUint16(tail[5:7], d.OCDOffset)
	if d.Addr24Bit {
		tail[7] = 1
	}
	return append(b, tail...)
}

// buildDeviceDesc derives a scope-specific descriptor from part,
// following spec.md §4.3c's field-population rule: each field comes
// from the first Memory match of its kind.
func buildDeviceDesc(part *avrpart.Part, mode avrpart.ProgMode) []byte {
	flash := part.FindMemory("flash")
	eeprom := part.FindMemory("eeprom")
	boot := part.FindMemory("boot")

	base := megaDeviceDesc{}
	if flash != nil {
		base.FlashPageSize = uint16(flash.PageSize)
		base.FlashSize = uint32(flash.Size)
	}
	if eeprom != nil {
		base.EEPROMPageSize = uint16(eeprom.PageSize)
		base.EEPROMSize = uint16(eeprom.Size)
	}
	if boot != nil {
		base.BootAddr = boot.Offset
	}

	switch mode {
	case avrpart.ModeUPDI:
		addr24 := flash != nil && flash.Size > 0x10000
		var hv byte
		if part.HVUPDI {
			hv = 1
		}
		return updiDeviceDesc{
			megaDeviceDesc:   base,
			HVImplementation: hv,
			SyscfgOffset:     uint16(part.SyscfgOffset),
			NVMCtrlOffset:    uint16(part.NVMBase),
			OCDOffset:        uint16(part.OCDBase),
			Addr24Bit:        addr24,
		}.marshal()
	case avrpart.ModePDI, avrpart.ModeXMEGAJTAG:
		var appSize uint32
		if flash != nil {
			appSize = uint32(flash.Size)
		}
		return xmegaDeviceDesc{megaDeviceDesc: base, NVMBase: part.NVMBase, AppSize: appSize}.marshal()
	default:
		return base.marshal()
	}
}

// PushDeviceDesc sets PARM3_DEVICEDESC before AVR sign-on, per
// spec.md §4.3c.
func (s *Session) PushDeviceDesc(part *avrpart.Part, mode avrpart.ProgMode) error {
	desc := buildDeviceDesc(part, mode)
	payload := append([]byte{byte(ScopeAVR), 0x02 /* CMD3_SET_PARAMETER */, 0, 2 /* section */, parm3DeviceDesc}, desc...)
	_, err := s.Do(payload, 500*time.Millisecond)
	return err
}
