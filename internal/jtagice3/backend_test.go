package jtagice3

import (
	"errors"
	"testing"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
)

func TestFirstSupportedPrefersUPDIOverISP(t *testing.T) {
	part := &avrpart.Part{
		Name:  "multi",
		Modes: map[avrpart.ProgMode]bool{avrpart.ModeISP: true, avrpart.ModeUPDI: true},
	}
	mode, err := firstSupported(part)
	if err != nil {
		t.Fatalf("firstSupported: %v", err)
	}
	if mode != avrpart.ModeUPDI {
		t.Fatalf("firstSupported = %v, want ModeUPDI", mode)
	}
}

func TestFirstSupportedRejectsISPOnly(t *testing.T) {
	part := &avrpart.Part{
		Name:  "ispOnly",
		Modes: map[avrpart.ProgMode]bool{avrpart.ModeISP: true},
	}
	if _, err := firstSupported(part); !errors.Is(err, pgm.ErrConfig) {
		t.Fatalf("firstSupported err = %v, want ErrConfig", err)
	}
}

func TestTPIMemType(t *testing.T) {
	flash := &avrpart.Memory{Name: "flash"}
	eeprom := &avrpart.Memory{Name: "eeprom"}
	if got := tpiMemType(flash); got != 0x01 {
		t.Errorf("tpiMemType(flash) = 0x%02X, want 0x01", got)
	}
	if got := tpiMemType(eeprom); got != 0x02 {
		t.Errorf("tpiMemType(eeprom) = 0x%02X, want 0x02", got)
	}
}

func TestBackendChipEraseRejectsDebugWire(t *testing.T) {
	b := &Backend{mode: avrpart.ModeDebugWIRE}
	part := &avrpart.Part{Name: "dw", Modes: map[avrpart.ProgMode]bool{avrpart.ModeDebugWIRE: true}}
	if err := b.ChipErase(part); !errors.Is(err, pgm.ErrUnsupported) {
		t.Fatalf("ChipErase over debugWIRE err = %v, want ErrUnsupported", err)
	}
}

func TestBackendExtraFeaturesSetsHVUPDIBit(t *testing.T) {
	b := &Backend{hv: true}
	flags := b.ExtraFeatures()
	if !flags.Get(featHVUPDI) {
		t.Fatalf("ExtraFeatures() did not set featHVUPDI")
	}
}

func TestBackendModesIncludesEveryConnectionType(t *testing.T) {
	b := &Backend{}
	modes := b.Modes()
	for _, m := range []avrpart.ProgMode{
		avrpart.ModeJTAG, avrpart.ModeXMEGAJTAG, avrpart.ModePDI,
		avrpart.ModeUPDI, avrpart.ModeDebugWIRE, avrpart.ModeTPI,
	} {
		if !modes[m] {
			t.Errorf("Modes() missing %v", m)
		}
	}
}
