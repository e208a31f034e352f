package avrpart

import "testing"

func TestParseTemplateChipErase(t *testing.T) {
	// spec.md §8 S6: ISP chip_erase opcode is 0xAC 0x80 0x00 0x00.
	tpl, err := ParseTemplate("chip_erase", "1010 1100 1000 0000 0000 0000 0000 0000")
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	got := tpl.Expand(0, 0)
	want := [4]byte{0xAC, 0x80, 0x00, 0x00}
	if got != want {
		t.Fatalf("Expand() = % X, want % X", got, want)
	}
}

func TestParseTemplateAddressField(t *testing.T) {
	tpl, err := ParseTemplate("read_flash_lo", "0010 0000 aaaa aaaa oooo oooo oooo oooo")
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	packet := tpl.Expand(0x00AB, 0)
	if packet[1] != 0xAB {
		t.Fatalf("Expand() address byte = %02X, want AB", packet[1])
	}
}

func TestParseTemplateRejectsBadTag(t *testing.T) {
	if _, err := ParseTemplate("bad", "1010 110z 0000 0000 0000 0000 0000 0000"); err == nil {
		t.Fatalf("expected error for invalid bit tag")
	}
}

func TestMemoryPredicates(t *testing.T) {
	flash := &Memory{Name: "boot"}
	if !flash.IsFlash() {
		t.Errorf("boot memory should be IsFlash()")
	}
	fuse := &Memory{Name: "fuse2"}
	if !fuse.IsFuse() {
		t.Errorf("fuse2 memory should be IsFuse()")
	}
	sig := &Memory{Name: "signature"}
	if !sig.IsReadOnly() {
		t.Errorf("signature memory should be IsReadOnly()")
	}
}

func TestDatabaseBuiltinLookup(t *testing.T) {
	db, err := NewDatabase(Builtin()...)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	p := db.ByName("ATmega328P")
	if p == nil {
		t.Fatalf("ATmega328P not found")
	}
	if got := db.BySignature(ModeISP, [3]byte{0x1E, 0x95, 0x14}); got != p {
		t.Fatalf("BySignature did not find ATmega328P")
	}
	if m := p.FindMemory("flash"); m == nil || m.Size != 32768 {
		t.Fatalf("flash memory missing or wrong size: %+v", m)
	}
}
