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

package flip2

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/boljen/go-bitmap"
	"github.com/google/gousb"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
)

// unitForMemory maps a Memory record to the SELECT_MEMORY unit id,
// per spec.md §4.5's unit table.
func unitForMemory(mem *avrpart.Memory) (Unit, error) {
	switch {
	case mem.IsFlash():
		return UnitFlash, nil
	case mem.Name == "eeprom":
		return UnitEEPROM, nil
	case mem.Name == "fuse" || mem.IsFuse():
		return UnitConfiguration, nil
	case mem.Name == "signature":
		return UnitSignature, nil
	case mem.Name == "userrow" || mem.Name == "user":
		return UnitUser, nil
	default:
		return 0, fmt.Errorf("%w: FLIP v2 has no unit for memory %q", pgm.ErrUnsupported, mem.Name)
	}
}

// Backend adapts Engine to the pgm.Backend vtable of spec.md §4.1.
// Unlike the serial-framed engines, FLIP v2 owns its USB device
// directly (gousb.Device), so Open parses a "vid:pid" port string
// instead of going through internal/transport.
type Backend struct {
	eng            *Engine
	maxPacketSize0 int
}

// NewBackend constructs a Backend; maxPacketSize0 is read from the
// device descriptor once Open succeeds, defaulting to 64 beforehand.
func NewBackend() *Backend {
	return &Backend{maxPacketSize0: 64}
}

var _ pgm.Backend = (*Backend)(nil)

// Open accepts a "vvvv:pppp" hex VID:PID pair, the only addressing
// scheme a DFU bootloader in device mode offers (it has no serial
// port or bulk endpoint string to name).
func (b *Backend) Open(port string) error {
	vid, pid, err := parseVidPid(port)
	if err != nil {
		return err
	}
	dev, err := Open(vid, pid)
	if err != nil {
		return fmt.Errorf("flip2: open %s: %w", port, err)
	}
	if desc := dev.dev.Desc; desc != nil && desc.MaxControlPacketSize > 0 {
		b.maxPacketSize0 = desc.MaxControlPacketSize
	}
	b.eng = NewEngine(dev, b.maxPacketSize0)
	return nil
}

func parseVidPid(port string) (gousb.ID, gousb.ID, error) {
	parts := strings.SplitN(port, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: flip2 port must be \"vid:pid\" in hex, got %q", pgm.ErrConfig, port)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad vid %q: %v", pgm.ErrConfig, parts[0], err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad pid %q: %v", pgm.ErrConfig, parts[1], err)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}

func (b *Backend) Close() error {
	if b.eng == nil {
		return nil
	}
	return b.eng.Dev.Close()
}

func (b *Backend) Setup() error    { return nil }
func (b *Backend) Teardown() error { return nil }

func (b *Backend) Enable(part *avrpart.Part) error         { return nil }
func (b *Backend) Disable() error                          { return nil }
func (b *Backend) ProgramEnable(part *avrpart.Part) error  { return nil }
func (b *Backend) Initialize(part *avrpart.Part) error     { return b.eng.ClrStatus() }
func (b *Backend) ChipErase(part *avrpart.Part) error      { return b.eng.ChipErase() }
func (b *Backend) TermKeepAlive(part *avrpart.Part) error  { return nil }

func (b *Backend) ReadByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32) (byte, error) {
	data, err := b.PagedLoad(part, mem, 1, addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (b *Backend) WriteByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32, value byte) error {
	return b.PagedWrite(part, mem, 1, addr, []byte{value})
}

func (b *Backend) PagedLoad(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, n int) ([]byte, error) {
	u, err := unitForMemory(mem)
	if err != nil {
		return nil, err
	}
	if err := b.eng.SelectUnit(u); err != nil {
		return nil, err
	}
	return b.eng.ReadMemory(addr, n)
}

func (b *Backend) PagedWrite(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, data []byte) error {
	u, err := unitForMemory(mem)
	if err != nil {
		return err
	}
	if err := b.eng.SelectUnit(u); err != nil {
		return err
	}
	return b.eng.WriteMemory(addr, data)
}

// PageErase has no FLIP v2 analogue per page: only whole-chip erase
// exists, so a single page cannot be erased independently.
func (b *Backend) PageErase(part *avrpart.Part, mem *avrpart.Memory, addr uint32) error {
	return fmt.Errorf("%w: FLIP v2 only supports whole-chip erase", pgm.ErrUnsupported)
}

func (b *Backend) ReadSigBytes(part *avrpart.Part, mem *avrpart.Memory) ([3]byte, error) {
	var sig [3]byte
	if err := b.eng.SelectUnit(UnitSignature); err != nil {
		return sig, err
	}
	data, err := b.eng.ReadMemory(0, 3)
	if err != nil {
		return sig, err
	}
	copy(sig[:], data)
	return sig, nil
}

func (b *Backend) ReadSIB(part *avrpart.Part) (string, error) {
	return "", fmt.Errorf("%w: FLIP v2 has no SIB concept", pgm.ErrUnsupported)
}

func (b *Backend) ReadChipRev(part *avrpart.Part) (byte, error) {
	return 0, fmt.Errorf("%w: FLIP v2 has no chip-revision query", pgm.ErrUnsupported)
}

func (b *Backend) SetSCKPeriod(seconds float64) error { return nil }
func (b *Backend) GetSCKPeriod() (float64, error)     { return 0, nil }
func (b *Backend) SetVTarget(volts float64) error {
	return fmt.Errorf("%w: FLIP v2 runs self-powered, no Vtarget control", pgm.ErrUnsupported)
}
func (b *Backend) GetVTarget() (float64, error) {
	return 0, fmt.Errorf("%w: FLIP v2 runs self-powered, no Vtarget sense", pgm.ErrUnsupported)
}

func (b *Backend) Cmd(raw [4]byte) ([4]byte, error) {
	return [4]byte{}, fmt.Errorf("%w: FLIP v2 has no raw 4-byte ISP command path", pgm.ErrUnsupported)
}

func (b *Backend) Modes() map[avrpart.ProgMode]bool {
	return map[avrpart.ProgMode]bool{avrpart.ModeDFU: true}
}

func (b *Backend) ExtraFeatures() bitmap.Bitmap { return bitmap.New(8) }
