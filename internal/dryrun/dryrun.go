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

// Package dryrun implements the in-memory reference programmer of
// spec.md §4.6: an oracle that looks like any other backend but keeps
// the target entirely in host memory, used both as the test oracle
// for the PROGRAMMER contract and as the driver for generated-output
// validation.
//
// Grounded on emul/sdcard.go (an emulated storage device backing real
// read/write/erase semantics in memory) and emul/memory.go's
// page-permission model, repurposed from the wut4 MMU to flash/EEPROM
// NOR semantics.
package dryrun

import (
	"fmt"

	"github.com/boljen/go-bitmap"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
)

// Dryrun is the cloned-part in-memory oracle. One instance is bound
// to one Part by Initialize, mirroring a real backend's session
// lifetime.
type Dryrun struct {
	part *avrpart.Part // our private clone, never the caller's original

	random     bool // on Enable, fill writable memories with pseudo-random noise (no pseudocode or banners)
	bootloader bool // reject io/sram reads; flash is not write-protected

	eesave bool // preserve EEPROM across chip erase; Enable sets it true, the part's fuses are not consulted
	open   bool
}

// New constructs a Dryrun backend. random and bootloader correspond
// to spec.md §4.6's "Optional features."
func New(random, bootloader bool) *Dryrun {
	return &Dryrun{random: random, bootloader: bootloader}
}

var _ pgm.Backend = (*Dryrun)(nil)

func (d *Dryrun) Open(port string) error  { d.open = true; return nil }
func (d *Dryrun) Close() error            { d.open = false; return nil }
func (d *Dryrun) Setup() error            { return nil }
func (d *Dryrun) Teardown() error         { return nil }
func (d *Dryrun) Disable() error          { return nil }
func (d *Dryrun) ProgramEnable(p *avrpart.Part) error { return nil }
func (d *Dryrun) TermKeepAlive(p *avrpart.Part) error { return nil }

// Enable clones the incoming part so every subsequent operation works
// against our own buffers, never the caller's, matching spec.md §3's
// "entire part memory image as an allocated AVRPART clone."
func (d *Dryrun) Enable(part *avrpart.Part) error {
	d.part = clonePart(part)
	d.eesave = true
	if d.random {
		d.seedRandom()
	}
	return nil
}

func (d *Dryrun) Initialize(part *avrpart.Part) error {
	if d.part == nil {
		return d.Enable(part)
	}
	return nil
}

func clonePart(p *avrpart.Part) *avrpart.Part {
	cp := *p
	cp.Memories = make([]*avrpart.Memory, len(p.Memories))
	for i, m := range p.Memories {
		mc := *m
		mc.Buf = make([]byte, len(m.Buf))
		copy(mc.Buf, m.Buf)
		if len(mc.Buf) == 0 && m.Size > 0 {
			mc.Buf = make([]byte, m.Size)
			for j := range mc.Buf {
				mc.Buf[j] = m.InitVal
			}
		}
		cp.Memories[i] = &mc
	}
	return &cp
}

func (d *Dryrun) findMem(name string) *avrpart.Memory {
	if d.part == nil {
		return nil
	}
	return d.part.FindMemory(name)
}

// seedRandom fills every writable memory with xorshift pseudo-random
// bytes so verification exercises non-blank content. It generates no
// pseudocode or banner text.
func (d *Dryrun) seedRandom() {
	seed := uint32(0x2545F491)
	next := func() byte {
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		return byte(seed)
	}
	for _, m := range d.part.Memories {
		if m.IsReadOnly() || m.Name == "signature" {
			continue
		}
		for i := range m.Buf {
			m.Buf[i] = next()
		}
	}
}

// siblings returns the memories that alias mem through flash-sibling
// offset translation, per the Design Notes' "one canonical memory as
// owner, derived memories with offset translation" rule. flash itself
// is returned along with boot/application/apptable.
func (d *Dryrun) siblings(mem *avrpart.Memory) []*avrpart.Memory {
	if !mem.IsFlash() {
		return nil
	}
	var out []*avrpart.Memory
	for _, m := range d.part.Memories {
		if m.IsFlash() {
			out = append(out, m)
		}
	}
	return out
}

// ChipErase fills flash with 0xFF, preserves EEPROM per eesave,
// resets lock and bootrow to 0xFF and leaves userrow as-is.
func (d *Dryrun) ChipErase(part *avrpart.Part) error {
	if d.part == nil {
		return fmt.Errorf("dryrun: chip erase before Initialize")
	}
	for _, m := range d.part.Memories {
		switch {
		case m.IsFlash():
			for i := range m.Buf {
				m.Buf[i] = 0xFF
			}
		case m.Name == "eeprom":
			if !d.eesave {
				for i := range m.Buf {
					m.Buf[i] = 0xFF
				}
			}
		case m.Name == "lock":
			for i := range m.Buf {
				m.Buf[i] = 0xFF
			}
		case m.Name == "bootrow":
			for i := range m.Buf {
				m.Buf[i] = 0xFF
			}
		case m.Name == "userrow":
			// unaffected by chip erase on AVR8X parts; left as-is.
		}
	}
	return nil
}

// ReadByte bypasses the paged cache for fuse/lock/signature/
// calibration memories per spec.md §4.2, and otherwise returns the
// in-memory byte directly (the Dryrun has no real round-trip latency
// to mask, but callers exercise the same path as a real backend).
func (d *Dryrun) ReadByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32) (byte, error) {
	if err := d.checkBootloaderRestriction(mem); err != nil {
		return 0, err
	}
	m := d.findMem(mem.Name)
	if m == nil {
		return 0, fmt.Errorf("dryrun: memory %q not present on part", mem.Name)
	}
	if int(addr) >= len(m.Buf) {
		return 0, fmt.Errorf("dryrun: addr 0x%X out of range for %s (size %d)", addr, mem.Name, len(m.Buf))
	}
	return m.Buf[addr], nil
}

// WriteByte enforces NOR-flash AND semantics on flash, read-only
// rejection on derived memories, and propagates writes across
// flash-sibling aliases, per spec.md §4.6.
func (d *Dryrun) WriteByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32, value byte) error {
	m := d.findMem(mem.Name)
	if m == nil {
		return fmt.Errorf("dryrun: memory %q not present on part", mem.Name)
	}
	if int(addr) >= len(m.Buf) {
		return fmt.Errorf("dryrun: addr 0x%X out of range for %s (size %d)", addr, mem.Name, len(m.Buf))
	}
	if m.IsReadOnly() {
		if m.Buf[addr] != value {
			return fmt.Errorf("dryrun: %w: %s is read-only and the new byte does not match", pgm.ErrContract, mem.Name)
		}
		return nil
	}
	if m.IsFlash() {
		m.Buf[addr] &= value
		d.propagateFlash(m, addr, []byte{m.Buf[addr]})
		return nil
	}
	m.Buf[addr] = value
	if m.IsFuse() {
		d.propagateFuse(m, addr, []byte{value})
	}
	return nil
}

// propagateFlash writes data into every flash-sibling memory at the
// address range corresponding to addr within m, using offset
// arithmetic rather than reference cycles, per the Design Notes.
func (d *Dryrun) propagateFlash(m *avrpart.Memory, addr uint32, data []byte) {
	for _, sib := range d.siblings(m) {
		if sib == m {
			continue
		}
		for i, b := range data {
			abs := int64(m.SiblingOffset) + int64(addr) + int64(i)
			a := abs - int64(sib.SiblingOffset)
			if a >= 0 && a < int64(len(sib.Buf)) {
				sib.Buf[a] = b
			}
		}
	}
}

// fuseGroup returns the canonical packed "fuses" blob and the
// individual fuseN memories on the part, the fuse-side counterpart to
// siblings() above.
func (d *Dryrun) fuseGroup() (fuses *avrpart.Memory, singles []*avrpart.Memory) {
	for _, m := range d.part.Memories {
		if !m.IsFuse() {
			continue
		}
		if m.Name == "fuses" {
			fuses = m
		} else {
			singles = append(singles, m)
		}
	}
	return fuses, singles
}

// propagateFuse mirrors a write between the packed "fuses" blob and
// its individual fuseN aliases via absolute-offset arithmetic (mem may
// be either side), the same "canonical owner plus offset-translated
// siblings" rule the Design Notes prescribe for flash, applied to
// fuses instead (spec.md §8 scenario S2).
func (d *Dryrun) propagateFuse(mem *avrpart.Memory, addr uint32, data []byte) {
	fuses, singles := d.fuseGroup()
	if fuses == nil {
		return
	}
	absBase := mem.Offset + addr
	if mem == fuses {
		for _, s := range singles {
			if s.Offset >= absBase && int(s.Offset-absBase) < len(data) && len(s.Buf) > 0 {
				s.Buf[0] = data[s.Offset-absBase]
			}
		}
		return
	}
	for i, b := range data {
		a := absBase + uint32(i)
		if a >= fuses.Offset && int(a-fuses.Offset) < len(fuses.Buf) {
			fuses.Buf[a-fuses.Offset] = b
		}
	}
}

// PagedLoad returns n bytes starting at addr, no cache involvement --
// the Dryrun is itself the source of truth.
func (d *Dryrun) PagedLoad(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, n int) ([]byte, error) {
	m := d.findMem(mem.Name)
	if m == nil {
		return nil, fmt.Errorf("dryrun: memory %q not present on part", mem.Name)
	}
	if int(addr)+n > len(m.Buf) {
		return nil, fmt.Errorf("dryrun: read of %d bytes at 0x%X exceeds %s size %d", n, addr, mem.Name, len(m.Buf))
	}
	out := make([]byte, n)
	copy(out, m.Buf[addr:int(addr)+n])
	return out, nil
}

// PagedWrite writes a full page with NOR AND-semantics on flash and
// plain copy on EEPROM/user memories, per spec.md §4.6.
func (d *Dryrun) PagedWrite(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, data []byte) error {
	m := d.findMem(mem.Name)
	if m == nil {
		return fmt.Errorf("dryrun: memory %q not present on part", mem.Name)
	}
	if int(addr)+len(data) > len(m.Buf) {
		return fmt.Errorf("dryrun: write of %d bytes at 0x%X exceeds %s size %d", len(data), addr, mem.Name, len(m.Buf))
	}
	if m.IsReadOnly() {
		for i, b := range data {
			if m.Buf[int(addr)+i] != b {
				return fmt.Errorf("dryrun: %w: %s is read-only and the new byte does not match", pgm.ErrContract, mem.Name)
			}
		}
		return nil
	}
	if m.IsFlash() {
		for i, b := range data {
			m.Buf[int(addr)+i] &= b
		}
		d.propagateFlash(m, addr, m.Buf[int(addr):int(addr)+len(data)])
		return nil
	}
	copy(m.Buf[addr:], data)
	if m.IsFuse() {
		d.propagateFuse(m, addr, data)
	}
	return nil
}

// PageErase fills one page with 0xFF, on flash and on every other
// memory alike.
func (d *Dryrun) PageErase(part *avrpart.Part, mem *avrpart.Memory, addr uint32) error {
	m := d.findMem(mem.Name)
	if m == nil {
		return fmt.Errorf("dryrun: memory %q not present on part", mem.Name)
	}
	base := m.PageBase(addr)
	end := int(base) + m.PageSize
	if end > len(m.Buf) {
		end = len(m.Buf)
	}
	for i := int(base); i < end; i++ {
		m.Buf[i] = 0xFF
	}
	if m.IsFlash() {
		d.propagateFlash(m, base, m.Buf[base:end])
	}
	return nil
}

func (d *Dryrun) ReadSigBytes(part *avrpart.Part, mem *avrpart.Memory) ([3]byte, error) {
	return d.part.Signature, nil
}

func (d *Dryrun) ReadSIB(part *avrpart.Part) (string, error) {
	return fmt.Sprintf("%-19s dryrun", d.part.Name), nil
}

func (d *Dryrun) ReadChipRev(part *avrpart.Part) (byte, error) { return 0, nil }

func (d *Dryrun) SetSCKPeriod(seconds float64) error { return nil }
func (d *Dryrun) GetSCKPeriod() (float64, error)     { return 0, nil }
func (d *Dryrun) SetVTarget(volts float64) error     { return nil }
func (d *Dryrun) GetVTarget() (float64, error)       { return 5.0, nil }

// Cmd is unsupported: dryrun has no raw 4-byte ISP opcode path of its
// own, it interprets memory operations directly.
func (d *Dryrun) Cmd(raw [4]byte) ([4]byte, error) {
	return [4]byte{}, fmt.Errorf("%w: dryrun has no raw ISP command path", pgm.ErrUnsupported)
}

func (d *Dryrun) Modes() map[avrpart.ProgMode]bool {
	return map[avrpart.ProgMode]bool{
		avrpart.ModeISP: true, avrpart.ModeJTAG: true, avrpart.ModeUPDI: true,
		avrpart.ModePDI: true, avrpart.ModeTPI: true,
	}
}

func (d *Dryrun) ExtraFeatures() bitmap.Bitmap {
	return bitmap.New(8)
}

// Bootloader-role reads of io/sram report unsupported on every part;
// the part's class is not checked.
func (d *Dryrun) checkBootloaderRestriction(mem *avrpart.Memory) error {
	if !d.bootloader {
		return nil
	}
	if mem.Name == "io" || mem.Name == "sram" {
		return fmt.Errorf("%w: io/sram not addressable under a bootloader role", pgm.ErrUnsupported)
	}
	return nil
}
