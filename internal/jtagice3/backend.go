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

package jtagice3

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
	"github.com/pdxjjb/avrhost/internal/transport"
)

// extra-feature bits this backend reports, spec.md §4.1.
const (
	featVtargRead = int(pgm.FeatVtargRead)
	featHVUPDI    = int(pgm.FeatHVUPDI)
)

// Backend adapts Session (plus the TPI sub-protocol for ModeTPI
// parts) to the pgm.Backend vtable of spec.md §4.1, so the driver
// loop drives JTAG/PDI/UPDI/debugWIRE/TPI targets through the same
// entry points dryrun and stk500 use.
type Backend struct {
	sess  *Session
	tpi   *TPISession
	mode  avrpart.ProgMode
	hv    bool
	cache *pgm.PagedCache
	sig   *[3]byte
}

// NewBackend wires a transport into a Session ready for Open/
// Initialize. maxXfer is 64 for mEDBG HID dongles, 512 for bulk
// dongles, per spec.md §4.3b. The shared paged cache of spec.md §4.2
// is allocated here, the same as internal/stk500.NewBackend, so every
// byte-level read masks round-trip latency identically across
// backends.
func NewBackend(t transport.Transport, maxXfer int, hvupdi bool) *Backend {
	log := logrus.New().WithField("engine", "jtagice3")
	sess := NewSession(t, log, maxXfer)
	return &Backend{sess: sess, hv: hvupdi, cache: pgm.NewPagedCache()}
}

var _ pgm.Backend = (*Backend)(nil)

func (b *Backend) Open(port string) error { return b.sess.Transport.Open(port) }
func (b *Backend) Close() error           { return b.sess.Transport.Close() }
func (b *Backend) Setup() error           { return nil }
func (b *Backend) Teardown() error        { return nil }
func (b *Backend) Enable(part *avrpart.Part) error { return nil }
func (b *Backend) Disable() error {
	b.cache.InvalidateAll()
	b.sig = nil
	return nil
}
func (b *Backend) ProgramEnable(part *avrpart.Part) error { return nil }

// Initialize negotiates the mode against the part's supported modes
// and runs the §4.3c session-setup sequence (or, for TPI parts, the
// XPRG ENTER_PROGMODE handshake of §4.3e).
func (b *Backend) Initialize(part *avrpart.Part) error {
	mode, err := firstSupported(part)
	if err != nil {
		return err
	}
	b.mode = mode
	if mode == avrpart.ModeTPI {
		b.tpi = &TPISession{Session: b.sess, NWordWrites: 2}
		if err := b.tpi.SetParam(xprgParamNVMCmdAddr, part.NVMBase); err != nil {
			return err
		}
		if err := b.tpi.SetParam(xprgParamNVMCSRAddr, part.NVMBase+1); err != nil {
			return err
		}
		return b.tpi.EnterProgmode()
	}
	b.sess.HVUPDI = b.hv
	return b.sess.SignOn(part, mode)
}

func firstSupported(part *avrpart.Part) (avrpart.ProgMode, error) {
	for _, m := range []avrpart.ProgMode{
		avrpart.ModeUPDI, avrpart.ModePDI, avrpart.ModeJTAG,
		avrpart.ModeXMEGAJTAG, avrpart.ModeDebugWIRE, avrpart.ModeTPI,
	} {
		if part.Supports(m) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: part %s supports no mode this engine drives", pgm.ErrConfig, part.Name)
}

// ChipErase is unsupported in debugWIRE mode, per spec.md §4.3d.
func (b *Backend) ChipErase(part *avrpart.Part) error {
	if b.mode == avrpart.ModeDebugWIRE {
		return fmt.Errorf("%w: chip erase is not supported over debugWIRE", pgm.ErrUnsupported)
	}
	if b.tpi != nil {
		return b.tpi.Erase(true, 0)
	}
	return b.sess.ChipErase()
}

// bypassesCache reports spec.md §4.2's carve-out: "Fuse, lock,
// signature and calibration reads bypass the cache."
func bypassesCache(mem *avrpart.Memory) bool {
	return mem.IsFuse() || mem.Name == "lock" || mem.Name == "signature" || mem.Name == "calibration"
}

// ReadByte consults the shared paged cache before any wire traffic,
// per spec.md §4.2: a hit returns immediately; a miss reads one whole
// page through PagedLoad and fills the cache, exactly as
// internal/stk500.Backend.ReadByte does.
func (b *Backend) ReadByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32) (byte, error) {
	if bypassesCache(mem) {
		data, err := b.PagedLoad(part, mem, 1, addr, 1)
		if err != nil {
			return 0, err
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

func (b *Backend) WriteByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32, value byte) error {
	return b.PagedWrite(part, mem, 1, addr, []byte{value})
}

func (b *Backend) PagedLoad(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, n int) ([]byte, error) {
	if b.tpi != nil {
		return b.tpi.ReadMem(tpiMemType(mem), addr, uint16(n))
	}
	return b.sess.ReadMemory(mem, addr, n)
}

// PagedWrite writes through to the device and invalidates every
// cached page the write touches, per spec.md §4.2's write policy.
func (b *Backend) PagedWrite(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, data []byte) error {
	var err error
	if b.tpi != nil {
		err = b.tpi.WriteMem(tpiMemType(mem), pageSize > 1, addr, data)
	} else {
		err = b.sess.WriteMemory(mem, addr, data)
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
	var err error
	if b.tpi != nil {
		err = b.tpi.Erase(false, addr)
	} else {
		err = b.sess.ErasePage(mem, addr)
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

// tpiMemType maps a Memory to the XPRG mtype byte; flash/eeprom are
// the only classes TPI parts carry.
func tpiMemType(mem *avrpart.Memory) byte {
	if mem.IsFlash() {
		return 0x01
	}
	return 0x02
}

// ReadSigBytes caches the 3-byte signature after the first request,
// per spec.md §4.3d.
func (b *Backend) ReadSigBytes(part *avrpart.Part, mem *avrpart.Memory) ([3]byte, error) {
	if b.sig != nil {
		return *b.sig, nil
	}
	data, err := b.PagedLoad(part, mem, 1, 0, 3)
	var sig [3]byte
	if err != nil {
		return sig, err
	}
	copy(sig[:], data)
	b.sig = &sig
	return sig, nil
}

func (b *Backend) ReadSIB(part *avrpart.Part) (string, error) { return b.sess.ReadSIB() }

func (b *Backend) ReadChipRev(part *avrpart.Part) (byte, error) {
	return 0, fmt.Errorf("%w: chip revision query not wired for this connection", pgm.ErrUnsupported)
}

func (b *Backend) SetSCKPeriod(seconds float64) error { return nil }
func (b *Backend) GetSCKPeriod() (float64, error)     { return 0, nil }
func (b *Backend) SetVTarget(volts float64) error {
	return fmt.Errorf("%w: Vtarget set not supported on this connection type", pgm.ErrUnsupported)
}
func (b *Backend) GetVTarget() (float64, error) {
	return 0, fmt.Errorf("%w: Vtarget read not supported on this connection type", pgm.ErrUnsupported)
}

func (b *Backend) Cmd(raw [4]byte) ([4]byte, error) {
	return [4]byte{}, fmt.Errorf("%w: JTAGICE3 has no raw 4-byte ISP command path outside SCOPE_AVR_ISP", pgm.ErrUnsupported)
}

func (b *Backend) TermKeepAlive(part *avrpart.Part) error { return nil }

func (b *Backend) Modes() map[avrpart.ProgMode]bool {
	return map[avrpart.ProgMode]bool{
		avrpart.ModeJTAG: true, avrpart.ModeXMEGAJTAG: true, avrpart.ModePDI: true,
		avrpart.ModeUPDI: true, avrpart.ModeDebugWIRE: true, avrpart.ModeTPI: true,
	}
}

func (b *Backend) ExtraFeatures() bitmap.Bitmap {
	flags := bitmap.New(8)
	if b.hv {
		flags.Set(featHVUPDI, true)
	}
	return flags
}
