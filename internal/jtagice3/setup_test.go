package jtagice3

import (
	"testing"

	"github.com/pdxjjb/avrhost/internal/avrpart"
)

func TestArchForMapsUPDIAndXmega(t *testing.T) {
	cases := []struct {
		mode avrpart.ProgMode
		want byte
	}{
		{avrpart.ModeUPDI, archUPDI},
		{avrpart.ModePDI, archXmega},
		{avrpart.ModeXMEGAJTAG, archXmega},
		{avrpart.ModeISP, archMega},
		{avrpart.ModeJTAG, archMega},
	}
	for _, c := range cases {
		if got := archFor(c.mode); got != c.want {
			t.Errorf("archFor(%s) = 0x%02X, want 0x%02X", c.mode, got, c.want)
		}
	}
}

func TestConnectionForRejectsUnmapped(t *testing.T) {
	if _, err := connectionFor(avrpart.ModeAWire); err == nil {
		t.Fatalf("expected error for aWire connection type")
	}
}

func TestConnectionForISP(t *testing.T) {
	got, err := connectionFor(avrpart.ModeISP)
	if err != nil {
		t.Fatalf("connectionFor(ISP): %v", err)
	}
	if got != connISP {
		t.Fatalf("connectionFor(ISP) = 0x%02X, want 0x%02X", got, connISP)
	}
}

func TestBuildDeviceDescUPDIAddr24(t *testing.T) {
	part := &avrpart.Part{
		Name: "AT32UC3A0256",
		Memories: []*avrpart.Memory{
			{Name: "flash", Size: 0x40000, PageSize: 512},
		},
	}
	desc := buildDeviceDesc(part, avrpart.ModeUPDI)
	// megaDeviceDesc is 14 bytes, updi tail is 8 more.
	if len(desc) != 22 {
		t.Fatalf("updi descriptor length = %d, want 22", len(desc))
	}
	if desc[21] != 1 {
		t.Fatalf("expected addr24 flag set for a 256K flash part")
	}
}

func TestBuildDeviceDescMegaNoAddr24(t *testing.T) {
	part := &avrpart.Part{
		Name: "ATmega328P",
		Memories: []*avrpart.Memory{
			{Name: "flash", Size: 0x8000, PageSize: 128},
			{Name: "eeprom", Size: 1024, PageSize: 4},
		},
	}
	desc := buildDeviceDesc(part, avrpart.ModeISP)
	if len(desc) != 14 {
		t.Fatalf("mega descriptor length = %d, want 14", len(desc))
	}
}
