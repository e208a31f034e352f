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

package updi

import (
	"fmt"
	"strings"

	"github.com/boljen/go-bitmap"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
	"github.com/pdxjjb/avrhost/internal/transport"
)

// Backend adapts the link layer, device state machine, and NVM
// facade to the pgm.Backend vtable of spec.md §4.1, dispatching
// through the Version-keyed switch inside NVM (§4.4b) -- this file
// adds no further version branching of its own.
type Backend struct {
	dev   *Device
	nvm   *NVM
	cache *pgm.PagedCache
}

// NewBackend wires a transport into a Link/Device/NVM chain, per
// spec.md §4.4's version enum. The shared paged cache of spec.md §4.2
// is allocated here, the same as internal/stk500.NewBackend and
// internal/jtagice3.NewBackend, so every byte-level read masks
// round-trip latency identically across backends.
func NewBackend(t transport.Transport, baud int, ver Version, nvmBase uint32) *Backend {
	link := NewLink(t, baud)
	dev := NewDevice(link, ver, 0)
	return &Backend{dev: dev, nvm: NewNVM(dev, nvmBase), cache: pgm.NewPagedCache()}
}

var _ pgm.Backend = (*Backend)(nil)

func (b *Backend) Open(port string) error { return b.dev.Link.Open(port) }
func (b *Backend) Close() error           { return b.dev.Link.Close() }
func (b *Backend) Setup() error           { return nil }
func (b *Backend) Teardown() error        { return nil }
func (b *Backend) Enable(part *avrpart.Part) error { return b.dev.Enable() }
func (b *Backend) Disable() error {
	b.cache.InvalidateAll()
	return nil
}
func (b *Backend) ProgramEnable(part *avrpart.Part) error { return b.dev.EnterNVMProg() }

// bypassesCache reports spec.md §4.2's carve-out: "Fuse, lock,
// signature and calibration reads bypass the cache."
func bypassesCache(mem *avrpart.Memory) bool {
	return mem.IsFuse() || mem.Name == "lock" || mem.Name == "signature" || mem.Name == "calibration"
}

// Initialize walks the UNKNOWN->NORMAL->ENABLED->NVMPROG progression
// of spec.md §4.4a; each step is idempotent so repeated Initialize
// calls are harmless.
func (b *Backend) Initialize(part *avrpart.Part) error {
	return b.dev.EnterNVMProg()
}

// ChipErase sends the CHIPERASE key (spec.md §4.4a: ENABLED ->
// UNLOCKED) then the NVM-level chip-erase command, the two-step
// sequence a locked UPDI device needs before any write succeeds.
func (b *Backend) ChipErase(part *avrpart.Part) error {
	if err := b.dev.EnterUnlocked(); err != nil {
		return err
	}
	return b.nvm.ChipErase()
}

// ReadByte consults the shared paged cache before any wire traffic,
// per spec.md §4.2: a hit returns immediately; a miss reads one whole
// page through PagedLoad and fills the cache, the same pattern
// internal/jtagice3.Backend.ReadByte and internal/stk500.Backend.ReadByte
// use.
func (b *Backend) ReadByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32) (byte, error) {
	if bypassesCache(mem) {
		data, err := b.dev.Link.LD(mem.Offset+addr, 0 /* sizeByte */)
		if err != nil {
			return 0, fmt.Errorf("updi: read %s[0x%X]: %w", mem.Name, addr, err)
		}
		return data[0], nil
	}
	if v, ok := b.cache.Lookup(mem.Name, mem.PageSize, addr); ok {
		return v, nil
	}
	pageSize := mem.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}
	base := mem.PageBase(addr)
	page, err := b.PagedLoad(part, mem, pageSize, base, pageSize)
	if err != nil {
		return 0, err
	}
	b.cache.Fill(mem.Name, base, page)
	off := addr - base
	if int(off) >= len(page) {
		return 0, fmt.Errorf("%w: addr 0x%X outside page starting at 0x%X", pgm.ErrContract, addr, base)
	}
	return page[off], nil
}

// WriteByte dispatches to the NVM facade's byte-access write for the
// memory's class, per spec.md §4.4c.
func (b *Backend) WriteByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32, value byte) error {
	abs := mem.Offset + addr
	var err error
	switch {
	case mem.IsFuse():
		err = b.nvm.WriteFuse(abs, value)
	case mem.Name == "userrow" || mem.Name == "user":
		err = b.nvm.WriteUserRow(abs, []byte{value})
	case mem.Name == "eeprom":
		err = b.nvm.WriteEEPROM(abs, []byte{value})
	default:
		word := []byte{0xFF, 0xFF}
		word[abs&1] = value
		err = b.nvm.WriteFlash(abs&^1, word, false)
	}
	if err != nil {
		return err
	}
	b.cache.Invalidate(mem.Name)
	return nil
}

func (b *Backend) PagedLoad(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	abs := mem.Offset + addr
	for len(out) < n {
		step := 2
		if n-len(out) < 2 {
			step = 1
		}
		data, err := b.dev.Link.LD(abs+uint32(len(out)), byte(step-1))
		if err != nil {
			return nil, fmt.Errorf("updi: paged load %s[0x%X]: %w", mem.Name, addr, err)
		}
		out = append(out, data...)
	}
	return out[:n], nil
}

// PagedWrite dispatches to the version-specific flash/eeprom/userrow
// write sequence, per spec.md §4.4b, and invalidates every cached page
// the write touches, per spec.md §4.2's write policy.
func (b *Backend) PagedWrite(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, data []byte) error {
	abs := mem.Offset + addr
	var err error
	switch {
	case mem.IsFlash():
		err = b.nvm.WriteFlash(abs, data, addr >= part.MCUBase && part.MCUBase != 0)
	case mem.Name == "userrow" || mem.Name == "user":
		err = b.nvm.WriteUserRow(abs, data)
	case mem.Name == "eeprom":
		err = b.nvm.WriteEEPROM(abs, data)
	default:
		return fmt.Errorf("%w: %s has no paged write on UPDI", pgm.ErrUnsupported, mem.Name)
	}
	if err != nil {
		return err
	}
	base := mem.PageBase(addr)
	b.cache.InvalidateRange(mem.Name, base, int(addr-base)+len(data))
	return nil
}

// PageErase invalidates the cache at the erased page, per spec.md
// §4.2's write policy.
func (b *Backend) PageErase(part *avrpart.Part, mem *avrpart.Memory, addr uint32) error {
	abs := mem.Offset + addr
	var err error
	switch {
	case mem.IsFlash():
		err = b.nvm.EraseFlashPage(abs)
	case mem.Name == "eeprom":
		err = b.nvm.EraseEEPROM(abs, mem.PageSize)
	case mem.Name == "userrow" || mem.Name == "user":
		err = b.nvm.EraseUserRow(abs)
	default:
		return fmt.Errorf("%w: %s has no page erase on UPDI", pgm.ErrUnsupported, mem.Name)
	}
	if err != nil {
		return err
	}
	pageSize := mem.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}
	b.cache.InvalidateRange(mem.Name, mem.PageBase(addr), pageSize)
	return nil
}

func (b *Backend) ReadSigBytes(part *avrpart.Part, mem *avrpart.Memory) ([3]byte, error) {
	var sig [3]byte
	data, err := b.PagedLoad(part, mem, 1, 0, 3)
	if err != nil {
		return sig, err
	}
	copy(sig[:], data)
	return sig, nil
}

// ReadSIB reads the 32-byte System Information Block over the UPDI
// link itself, per the glossary's SIB entry, trimming the trailing
// NUL/space padding the target pads the ASCII string with.
func (b *Backend) ReadSIB(part *avrpart.Part) (string, error) {
	data, err := b.dev.Link.SIB()
	if err != nil {
		return "", fmt.Errorf("updi: read SIB: %w", err)
	}
	return strings.TrimRight(string(data), "\x00 "), nil
}

func (b *Backend) ReadChipRev(part *avrpart.Part) (byte, error) {
	status, err := b.dev.Link.LDCS(csStatusA)
	if err != nil {
		return 0, err
	}
	return status, nil
}

func (b *Backend) SetSCKPeriod(seconds float64) error { return nil }
func (b *Backend) GetSCKPeriod() (float64, error)     { return 0, nil }
func (b *Backend) SetVTarget(volts float64) error {
	return fmt.Errorf("%w: this UPDI link has no Vtarget control", pgm.ErrUnsupported)
}
func (b *Backend) GetVTarget() (float64, error) {
	return 0, fmt.Errorf("%w: this UPDI link has no Vtarget sense", pgm.ErrUnsupported)
}

func (b *Backend) Cmd(raw [4]byte) ([4]byte, error) {
	return [4]byte{}, fmt.Errorf("%w: UPDI has no raw 4-byte ISP opcode path", pgm.ErrUnsupported)
}

func (b *Backend) TermKeepAlive(part *avrpart.Part) error { return nil }

func (b *Backend) Modes() map[avrpart.ProgMode]bool {
	return map[avrpart.ProgMode]bool{avrpart.ModeUPDI: true}
}

func (b *Backend) ExtraFeatures() bitmap.Bitmap { return bitmap.New(8) }
