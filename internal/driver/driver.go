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

// Package driver invokes chip-erase, paged write, paged load, verify,
// and fuse programming in the correct order (spec.md §2, component
// 10 "Driver loop glue"). It owns nothing beyond the PROGRAMMER
// contract exposed by internal/pgm, and surfaces soft-fail vs generic
// failure per spec.md §7.
//
// Grounded on exer/cex/main.go's submain() int top-level loop and its
// vector-file-driven batch mode (DoVectorFile), generalized from
// "replay a test vector" to "run a program/verify sequence."
package driver

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
)

// Exit codes, spec.md §6's CLI surface contract.
const (
	ExitOK             = 0
	ExitGeneralFailure = 1
	ExitChipLocked     = 2
	ExitUnsupported    = 3
)

// Options controls one driver invocation, corresponding to the CLI
// flags of spec.md §6.
type Options struct {
	NoErase   bool // suppress the soft-fail auto chip-erase retry
	Verify    bool
	ModeForce avrpart.ProgMode
	HasForce  bool
}

// Driver sequences operations against one already-open Programmer.
type Driver struct {
	Pgm  *pgm.Programmer
	Part *avrpart.Part
	Log  *logrus.Entry
	Opts Options
}

func New(p *pgm.Programmer, part *avrpart.Part, log *logrus.Entry, opts Options) *Driver {
	return &Driver{Pgm: p, Part: part, Log: log, Opts: opts}
}

// Run establishes the session (NegotiateMode + Initialize), invoking
// the soft-fail chip-erase retry of spec.md §7 on a locked device
// unless Opts.NoErase is set, then returns an exit code.
func (d *Driver) Run(op func() error) int {
	mode, err := pgm.NegotiateMode(d.Part, d.Pgm.Backend, d.Opts.ModeForce, d.Opts.HasForce)
	if err != nil {
		d.Log.Errorf("negotiating programming mode: %v", err)
		return ExitGeneralFailure
	}
	d.Log.Infof("negotiated mode %s for %s", mode, d.Part.Name)

	if err := d.Pgm.Initialize(d.Part); err != nil {
		if errors.Is(err, pgm.ErrDeviceLocked) {
			return d.handleLocked(op)
		}
		d.Log.Errorf("initialize: %v", err)
		return ExitGeneralFailure
	}
	defer d.Pgm.Disable()

	if err := op(); err != nil {
		return d.classify(err)
	}
	return ExitOK
}

// handleLocked implements spec.md §7's "The driver loop uses [soft-
// fail] to automatically run chip-erase and re-attempt, provided the
// user did not pass the 'no-erase' flag."
func (d *Driver) handleLocked(op func() error) int {
	if d.Opts.NoErase {
		d.Log.Warn("device locked; not erasing because no-erase was requested")
		return ExitChipLocked
	}
	d.Log.Warn("device locked; running chip erase and retrying")
	if err := d.Pgm.Backend.ChipErase(d.Part); err != nil {
		d.Log.Errorf("chip erase to unlock: %v", err)
		return ExitGeneralFailure
	}
	if err := d.Pgm.Initialize(d.Part); err != nil {
		d.Log.Errorf("re-initialize after unlock: %v", err)
		return ExitGeneralFailure
	}
	defer d.Pgm.Disable()
	if err := op(); err != nil {
		return d.classify(err)
	}
	return ExitOK
}

func (d *Driver) classify(err error) int {
	switch {
	case errors.Is(err, pgm.ErrDeviceLocked):
		return ExitChipLocked
	case errors.Is(err, pgm.ErrUnsupported):
		return ExitUnsupported
	default:
		d.Log.Errorf("operation failed: %v", err)
		return ExitGeneralFailure
	}
}

// WriteMemory performs a full paged_write across all of data into
// mem, starting at addr, chunked by mem.PageSize, per spec.md §2
// component 10's "invokes ... paged write ... in the correct order."
func (d *Driver) WriteMemory(mem *avrpart.Memory, addr uint32, data []byte) error {
	pageSize := mem.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}
	for off := 0; off < len(data); off += pageSize {
		end := off + pageSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if err := d.Pgm.Backend.PagedWrite(d.Part, mem, pageSize, addr+uint32(off), chunk); err != nil {
			return fmt.Errorf("paged write at 0x%X: %w", addr+uint32(off), err)
		}
	}
	if d.Opts.Verify {
		return d.VerifyMemory(mem, addr, data)
	}
	return nil
}

// ReadMemory performs a full paged_load across n bytes starting at
// addr.
func (d *Driver) ReadMemory(mem *avrpart.Memory, addr uint32, n int) ([]byte, error) {
	pageSize := mem.PageSize
	if pageSize <= 0 {
		pageSize = n
	}
	out := make([]byte, 0, n)
	for off := 0; off < n; off += pageSize {
		want := pageSize
		if off+want > n {
			want = n - off
		}
		chunk, err := d.Pgm.Backend.PagedLoad(d.Part, mem, pageSize, addr+uint32(off), want)
		if err != nil {
			return nil, fmt.Errorf("paged load at 0x%X: %w", addr+uint32(off), err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// VerifyMemory re-reads the just-written range and compares it
// bitwise against data, applying the memory's bitmask on non-UPDI/PDI
// parts per Testable Property 2 of spec.md §8.
func (d *Driver) VerifyMemory(mem *avrpart.Memory, addr uint32, data []byte) error {
	got, err := d.ReadMemory(mem, addr, len(data))
	if err != nil {
		return err
	}
	maskApplies := !d.Part.Supports(avrpart.ModeUPDI) && !d.Part.Supports(avrpart.ModePDI)
	for i := range data {
		want := data[i]
		have := got[i]
		if maskApplies {
			want = mem.ApplyBitmask(int(addr)+i, want)
			have = mem.ApplyBitmask(int(addr)+i, have)
		}
		if want != have {
			return fmt.Errorf("verify mismatch at 0x%X: wrote 0x%02X, read 0x%02X", int(addr)+i, want, have)
		}
	}
	return nil
}

// ChipErase runs a full chip erase through the backend; a backend
// that cannot erase in its current mode (JTAGICE3 over debugWIRE)
// returns ErrUnsupported.
func (d *Driver) ChipErase() error {
	return d.Pgm.Backend.ChipErase(d.Part)
}

// ProgramFuse writes one fuse byte through WriteByte, per spec.md §2
// component 10's "fuse programming."
func (d *Driver) ProgramFuse(mem *avrpart.Memory, addr uint32, value byte) error {
	return d.Pgm.Backend.WriteByte(d.Part, mem, addr, value)
}
