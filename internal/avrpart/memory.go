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

import (
	"strings"

	"github.com/boljen/go-bitmap"
)

// Memory describes one on-chip memory of a Part (spec.md §3).
type Memory struct {
	Name       string
	Size       int
	PageSize   int
	ReadSize   int
	Offset     uint32
	InitVal    byte
	ReadOnly   bool
	Bitmask    bitmap.Bitmap // one bit set per significant address; nil means "all bits significant"
	Ops        []*OpTemplate // ISP opcode templates, classic parts only
	Buf        []byte        // scratch buffer used during paged I/O

	// SiblingOf names the canonical owning memory when this Memory is
	// an aliased view (boot/application/apptable all alias flash).
	// SiblingOffset is this memory's byte offset within that owner.
	SiblingOf     string
	SiblingOffset uint32
}

var flashLikeNames = map[string]bool{
	"flash": true, "boot": true, "application": true, "apptable": true,
}

// IsFlash reports whether this memory is flash or one of its aliases.
func (m *Memory) IsFlash() bool {
	return flashLikeNames[m.Name]
}

// IsFuse reports whether this memory is the fuses blob or an
// individual fuseN byte (N a single hex digit).
func (m *Memory) IsFuse() bool {
	if m.Name == "fuses" {
		return true
	}
	if strings.HasPrefix(m.Name, "fuse") && len(m.Name) == 5 {
		c := m.Name[4]
		return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
	}
	return false
}

var derivedReadOnlyNames = map[string]bool{
	"signature": true, "sigrow": true, "calibration": true,
}

// IsReadOnly reports the effective read-only status per spec.md §3:
// flagged read-only, or a name that is always derived/factory data.
func (m *Memory) IsReadOnly() bool {
	return m.ReadOnly || derivedReadOnlyNames[m.Name]
}

// PageBase computes the page-aligned base address containing addr,
// per the paged-cache rule of spec.md §4.2.
func (m *Memory) PageBase(addr uint32) uint32 {
	if m.PageSize <= 0 {
		return addr
	}
	return addr &^ uint32(m.PageSize-1)
}

// ApplyBitmask masks v against the memory's per-address bitmask, a
// no-op when no mask was configured (Bitmask == nil means "all bits
// significant", matching spec.md's "on non-UPDI/PDI parts" carve-out
// being handled by the caller not installing a mask for those parts).
func (m *Memory) ApplyBitmask(addr int, v byte) byte {
	if m.Bitmask == nil {
		return v
	}
	var mask byte
	for bit := 0; bit < 8; bit++ {
		if m.Bitmask.Get(addr*8 + bit) {
			mask |= 1 << uint(bit)
		}
	}
	return v & mask
}
