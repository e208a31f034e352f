package flip2

import (
	"errors"
	"testing"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
)

func TestParseVidPid(t *testing.T) {
	vid, pid, err := parseVidPid("03eb:2ff4")
	if err != nil {
		t.Fatalf("parseVidPid: %v", err)
	}
	if vid != 0x03eb || pid != 0x2ff4 {
		t.Fatalf("parseVidPid = %04x:%04x, want 03eb:2ff4", vid, pid)
	}
}

func TestParseVidPidRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"03eb", "03eb:2ff4:extra", "zzzz:2ff4", ""} {
		if _, _, err := parseVidPid(bad); err == nil {
			t.Errorf("parseVidPid(%q) succeeded, want error", bad)
		}
	}
}

func TestUnitForMemory(t *testing.T) {
	flash := &avrpart.Memory{Name: "flash", Size: 1024}
	eeprom := &avrpart.Memory{Name: "eeprom", Size: 64}
	unknown := &avrpart.Memory{Name: "scratch", Size: 16}

	if u, err := unitForMemory(flash); err != nil || u != UnitFlash {
		t.Errorf("unitForMemory(flash) = %v, %v; want UnitFlash, nil", u, err)
	}
	if u, err := unitForMemory(eeprom); err != nil || u != UnitEEPROM {
		t.Errorf("unitForMemory(eeprom) = %v, %v; want UnitEEPROM, nil", u, err)
	}
	if _, err := unitForMemory(unknown); !errors.Is(err, pgm.ErrUnsupported) {
		t.Errorf("unitForMemory(scratch) err = %v, want ErrUnsupported", err)
	}
}

func TestBuildWritePacketPadsFirstChunk(t *testing.T) {
	e := &Engine{MaxPacketSize0: 64}
	cmd := flip2Cmd{Group: groupDownload, Cmd: cmdProgStart, Args: [4]byte{0, 0, 0, 4}}
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	buf := e.buildWritePacket(cmd, 0, data)

	if len(buf) != 64+4 {
		t.Fatalf("packet length = %d, want %d", len(buf), 64+4)
	}
	if buf[0] != groupDownload || buf[1] != cmdProgStart {
		t.Fatalf("command header not at packet start: % X", buf[:6])
	}
	for i := 6; i < 64; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d of pad region = 0x%02X, want 0", i, buf[i])
		}
	}
	if got := buf[64:]; string(got) != string(data) {
		t.Fatalf("payload = % X, want % X", got, data)
	}
}

func TestBackendPageEraseUnsupported(t *testing.T) {
	b := NewBackend()
	part := &avrpart.Part{Name: "test"}
	mem := &avrpart.Memory{Name: "flash"}
	if err := b.PageErase(part, mem, 0); !errors.Is(err, pgm.ErrUnsupported) {
		t.Fatalf("PageErase err = %v, want ErrUnsupported", err)
	}
}

func TestBackendVtargetUnsupported(t *testing.T) {
	b := NewBackend()
	if _, err := b.GetVTarget(); !errors.Is(err, pgm.ErrUnsupported) {
		t.Fatalf("GetVTarget err = %v, want ErrUnsupported", err)
	}
	if err := b.SetVTarget(5.0); !errors.Is(err, pgm.ErrUnsupported) {
		t.Fatalf("SetVTarget err = %v, want ErrUnsupported", err)
	}
}

func TestBackendModesReportsDFUOnly(t *testing.T) {
	b := NewBackend()
	modes := b.Modes()
	if !modes[avrpart.ModeDFU] {
		t.Fatalf("Modes() missing ModeDFU")
	}
	if len(modes) != 1 {
		t.Fatalf("Modes() = %v, want exactly ModeDFU", modes)
	}
}
