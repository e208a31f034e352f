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

package dryrun

import (
	"bytes"
	"testing"

	"github.com/pdxjjb/avrhost/internal/avrpart"
)

func builtinByName(t *testing.T, name string) *avrpart.Part {
	t.Helper()
	for _, p := range avrpart.Builtin() {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("no builtin part named %s", name)
	return nil
}

// TestScenarioS1 replays spec.md §8 S1: chip erase, a 256-byte paged
// write/load round trip, and signature bytes on ATmega328P.
func TestScenarioS1(t *testing.T) {
	part := builtinByName(t, "ATmega328P")
	d := New(false, false)
	if err := d.Enable(part); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := d.ChipErase(part); err != nil {
		t.Fatalf("ChipErase: %v", err)
	}

	flash := part.FindMemory("flash")
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	if err := d.PagedWrite(part, flash, flash.PageSize, 0, data); err != nil {
		t.Fatalf("PagedWrite: %v", err)
	}
	got, err := d.PagedLoad(part, flash, flash.PageSize, 0, 256)
	if err != nil {
		t.Fatalf("PagedLoad: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %v want %v", got, data)
	}

	sig := part.FindMemory("signature")
	b0, _ := d.ReadByte(part, sig, 0)
	b1, _ := d.ReadByte(part, sig, 1)
	b2, _ := d.ReadByte(part, sig, 2)
	if b0 != 0x1E || b1 != 0x95 || b2 != 0x14 {
		t.Fatalf("signature = %02X %02X %02X, want 1E 95 14", b0, b1, b2)
	}
}

// TestScenarioS2 replays spec.md §8 S2: writing fuse0 on a UPDI part
// is visible both through the fuse0 alias and the packed fuses blob.
func TestScenarioS2(t *testing.T) {
	part := builtinByName(t, "ATtiny3216")
	d := New(false, false)
	if err := d.Enable(part); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	fuse0 := part.FindMemory("fuse0")
	if err := d.WriteByte(part, fuse0, 0, 0x00); err != nil {
		t.Fatalf("WriteByte fuse0: %v", err)
	}
	got, err := d.ReadByte(part, fuse0, 0)
	if err != nil {
		t.Fatalf("ReadByte fuse0: %v", err)
	}
	if got != 0x00 {
		t.Fatalf("fuse0 = 0x%02X, want 0x00", got)
	}

	fuses := part.FindMemory("fuses")
	gotFuses, err := d.ReadByte(part, fuses, 0)
	if err != nil {
		t.Fatalf("ReadByte fuses: %v", err)
	}
	if gotFuses != 0x00 {
		t.Fatalf("fuses[0] = 0x%02X, want 0x00", gotFuses)
	}
}

func TestChipEraseFillsFlashWithFF(t *testing.T) {
	part := builtinByName(t, "ATtiny13")
	d := New(false, false)
	if err := d.Enable(part); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	flash := part.FindMemory("flash")
	if err := d.WriteByte(part, flash, 0, 0x00); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := d.ChipErase(part); err != nil {
		t.Fatalf("ChipErase: %v", err)
	}
	b, _ := d.ReadByte(part, flash, 0)
	if b != 0xFF {
		t.Fatalf("flash[0] after erase = 0x%02X, want 0xFF", b)
	}
	// A second chip erase must be idempotent, per Testable Property 3.
	if err := d.ChipErase(part); err != nil {
		t.Fatalf("second ChipErase: %v", err)
	}
	b, _ = d.ReadByte(part, flash, 0)
	if b != 0xFF {
		t.Fatalf("flash[0] after second erase = 0x%02X, want 0xFF", b)
	}
}

func TestFlashWriteIsNORSemantics(t *testing.T) {
	part := builtinByName(t, "ATtiny13")
	d := New(false, false)
	if err := d.Enable(part); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	flash := part.FindMemory("flash")
	if err := d.WriteByte(part, flash, 0, 0x0F); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := d.WriteByte(part, flash, 0, 0xF0); err != nil {
		t.Fatalf("second write: %v", err)
	}
	b, _ := d.ReadByte(part, flash, 0)
	if b != 0x00 {
		t.Fatalf("flash[0] = 0x%02X, want 0x00 (0x0F & 0xF0)", b)
	}
}

func TestReadOnlyMemoryRejectsMismatchedWrite(t *testing.T) {
	part := builtinByName(t, "ATmega328P")
	d := New(false, false)
	if err := d.Enable(part); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	sig := part.FindMemory("signature")
	if err := d.WriteByte(part, sig, 0, sig.Buf[0]); err != nil {
		t.Fatalf("matching write should succeed: %v", err)
	}
	if err := d.WriteByte(part, sig, 0, sig.Buf[0]+1); err == nil {
		t.Fatalf("mismatched write to read-only memory should fail")
	}
}

func TestDryrunClonesRatherThanAliasesCallerPart(t *testing.T) {
	part := builtinByName(t, "ATtiny13")
	d := New(false, false)
	if err := d.Enable(part); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	flash := part.FindMemory("flash")
	original := flash.Buf[0]
	d.WriteByte(part, d.findMem("flash"), 0, original^0xFF)
	if part.FindMemory("flash").Buf[0] != original {
		t.Fatalf("dryrun mutated the caller's part buffer directly")
	}
}
