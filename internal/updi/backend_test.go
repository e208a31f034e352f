package updi

import (
	"testing"
	"time"

	"github.com/pdxjjb/avrhost/internal/avrpart"
)

// statusTransport is an echoTransport with canned CS-register replies
// so Device.EnterNVMProg/EnterUnlocked and NVM.WaitReady all see an
// already-ready, already-unlocked target instead of polling the real
// 10-second timeout a plain echo never satisfies.
type statusTransport struct {
	echoTransport
}

func (s *statusTransport) Recv(n int, timeout time.Duration) ([]byte, error) {
	if n == 1 && len(s.lastSent) == 1 && s.lastSent[0]&0xF0 == opLDCS {
		switch s.lastSent[0] & 0x0F {
		case csStatusA:
			return []byte{statusAEnabled}, nil
		case csASI:
			return []byte{0x08 | 0x10}, nil // NVM_PROG_MODE | CHIPERASE_DONE
		}
	}
	return s.echoTransport.Recv(n, timeout)
}

func tinyPart() *avrpart.Part {
	for _, p := range avrpart.Builtin() {
		if p.Name == "ATtiny3216" {
			return p
		}
	}
	panic("ATtiny3216 missing from builtin table")
}

func TestBackendChipEraseUnlocksThenErases(t *testing.T) {
	ft := &statusTransport{}
	b := NewBackend(ft, 225000, V2, 0x1000)

	part := tinyPart()
	if err := b.ChipErase(part); err != nil {
		t.Fatalf("ChipErase: %v", err)
	}
	if b.dev.State != StateUnlocked {
		t.Fatalf("device state after ChipErase = %v, want StateUnlocked", b.dev.State)
	}
}

func TestBackendWriteByteFusePath(t *testing.T) {
	ft := &statusTransport{}
	b := NewBackend(ft, 225000, V2, 0x1000)

	part := tinyPart()
	fuse := part.FindMemory("fuse0")
	if fuse == nil {
		t.Fatalf("no fuse0 memory on %s", part.Name)
	}
	if err := b.WriteByte(part, fuse, 0, 0x02); err != nil {
		t.Fatalf("WriteByte(fuse0): %v", err)
	}
}

func TestBackendPagedLoadReturnsRequestedLength(t *testing.T) {
	ft := &statusTransport{}
	b := NewBackend(ft, 225000, V2, 0x1000)

	part := tinyPart()
	flash := part.FindMemory("flash")
	data, err := b.PagedLoad(part, flash, flash.PageSize, 0, 5)
	if err != nil {
		t.Fatalf("PagedLoad: %v", err)
	}
	if len(data) != 5 {
		t.Fatalf("PagedLoad returned %d bytes, want 5", len(data))
	}
}

func TestBackendModesReportsUPDIOnly(t *testing.T) {
	ft := &statusTransport{}
	b := NewBackend(ft, 225000, V2, 0x1000)
	modes := b.Modes()
	if !modes[avrpart.ModeUPDI] {
		t.Fatalf("Modes() missing ModeUPDI")
	}
	if len(modes) != 1 {
		t.Fatalf("Modes() = %v, want exactly ModeUPDI", modes)
	}
}
