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

package stk500

import (
	"fmt"

	"github.com/boljen/go-bitmap"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
	"github.com/pdxjjb/avrhost/internal/transport"
)

// memType codes the protocol's PROG_PAGE/READ_PAGE "memtype" argument
// uses, per the Atmel STK500v2 convention.
const (
	memTypeFlash  byte = 'F'
	memTypeEEPROM byte = 'E'
)

// Backend adapts Engine to the pgm.Backend vtable of spec.md §4.1,
// wired through internal/pgm's shared paged cache rather than a
// private one, per spec.md §4.7's own instruction.
type Backend struct {
	eng   *Engine
	cache *pgm.PagedCache
}

func NewBackend(t transport.Transport, proto Protocol) *Backend {
	return &Backend{eng: New(t, proto), cache: pgm.NewPagedCache()}
}

var _ pgm.Backend = (*Backend)(nil)

func (b *Backend) Open(port string) error { return b.eng.Open(port) }
func (b *Backend) Close() error           { return b.eng.Close() }
func (b *Backend) Setup() error           { return nil }
func (b *Backend) Teardown() error        { return nil }

func (b *Backend) Enable(part *avrpart.Part) error { return b.eng.GetSync() }
func (b *Backend) Disable() error {
	b.cache.InvalidateAll()
	if b.eng.inProg {
		return b.eng.LeaveProgmode()
	}
	return nil
}

func (b *Backend) Initialize(part *avrpart.Part) error { return b.eng.EnterProgmode() }
func (b *Backend) ProgramEnable(part *avrpart.Part) error { return b.eng.EnterProgmode() }
func (b *Backend) ChipErase(part *avrpart.Part) error {
	// STK500 chip erase is tunneled as a raw ISP UNIVERSAL command
	// (0xAC 0x80 0x00 0x00), the same opcode §8 scenario S6 exercises
	// directly against a real ISP backend.
	_, err := b.eng.Universal([4]byte{0xAC, 0x80, 0x00, 0x00})
	return err
}

func (b *Backend) memType(mem *avrpart.Memory) (byte, error) {
	if mem.IsFlash() {
		return memTypeFlash, nil
	}
	if mem.Name == "eeprom" {
		return memTypeEEPROM, nil
	}
	return 0, fmt.Errorf("%w: stk500 only addresses flash and eeprom by page", pgm.ErrUnsupported)
}

func (b *Backend) ReadByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32) (byte, error) {
	if v, ok := b.cache.Lookup(mem.Name, mem.PageSize, addr); ok {
		return v, nil
	}
	mt, err := b.memType(mem)
	if err != nil {
		return 0, err
	}
	base := mem.PageBase(addr)
	if err := b.eng.LoadAddress(base); err != nil {
		return 0, err
	}
	page, err := b.eng.ReadPage(mt, mem.PageSize)
	if err != nil {
		return 0, err
	}
	b.cache.Fill(mem.Name, base, page)
	return page[addr-base], nil
}

func (b *Backend) WriteByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32, value byte) error {
	page, err := b.PagedLoad(part, mem, mem.PageSize, mem.PageBase(addr), mem.PageSize)
	if err != nil {
		return err
	}
	page[addr-mem.PageBase(addr)] = value
	return b.PagedWrite(part, mem, mem.PageSize, mem.PageBase(addr), page)
}

func (b *Backend) PagedLoad(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, n int) ([]byte, error) {
	mt, err := b.memType(mem)
	if err != nil {
		return nil, err
	}
	if err := b.eng.LoadAddress(addr); err != nil {
		return nil, err
	}
	return b.eng.ReadPage(mt, n)
}

func (b *Backend) PagedWrite(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, data []byte) error {
	mt, err := b.memType(mem)
	if err != nil {
		return err
	}
	if len(data) < pageSize {
		padded := make([]byte, pageSize)
		copy(padded, data)
		for i := len(data); i < pageSize; i++ {
			padded[i] = 0xFF
		}
		data = padded
	}
	if err := b.eng.LoadAddress(addr); err != nil {
		return err
	}
	if err := b.eng.ProgPage(mt, data); err != nil {
		return err
	}
	b.cache.InvalidateRange(mem.Name, addr, len(data))
	return nil
}

func (b *Backend) PageErase(part *avrpart.Part, mem *avrpart.Memory, addr uint32) error {
	// STK500 has no dedicated page-erase command; PROG_PAGE with an
	// all-0xFF buffer achieves the same effect on NOR flash.
	erased := make([]byte, mem.PageSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	return b.PagedWrite(part, mem, mem.PageSize, mem.PageBase(addr), erased)
}

func (b *Backend) ReadSigBytes(part *avrpart.Part, mem *avrpart.Memory) ([3]byte, error) {
	return b.eng.ReadSignature()
}

func (b *Backend) ReadSIB(part *avrpart.Part) (string, error) {
	return "", fmt.Errorf("%w: STK500 has no SIB concept", pgm.ErrUnsupported)
}

func (b *Backend) ReadChipRev(part *avrpart.Part) (byte, error) {
	return 0, fmt.Errorf("%w: STK500 has no chip-revision query", pgm.ErrUnsupported)
}

func (b *Backend) SetSCKPeriod(seconds float64) error { return nil }
func (b *Backend) GetSCKPeriod() (float64, error)     { return 0, nil }
func (b *Backend) SetVTarget(volts float64) error {
	return fmt.Errorf("%w: this dongle has no Vtarget control", pgm.ErrUnsupported)
}
func (b *Backend) GetVTarget() (float64, error) {
	return 0, fmt.Errorf("%w: this dongle has no Vtarget sense", pgm.ErrUnsupported)
}

func (b *Backend) Cmd(raw [4]byte) ([4]byte, error) { return b.eng.Universal(raw) }
func (b *Backend) TermKeepAlive(part *avrpart.Part) error { return nil }

func (b *Backend) Modes() map[avrpart.ProgMode]bool {
	return map[avrpart.ProgMode]bool{avrpart.ModeISP: true}
}

func (b *Backend) ExtraFeatures() bitmap.Bitmap { return bitmap.New(8) }
