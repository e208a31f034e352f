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

package pgm

import (
	"fmt"

	"github.com/boljen/go-bitmap"

	"github.com/pdxjjb/avrhost/internal/avrpart"
)

// ExtraFeature is one bit of the backend's extra-features mask
// (spec.md §4.1): Vtarget read/adjust/switch, SUFFER, hvUPDI.
type ExtraFeature int

const (
	FeatVtargRead ExtraFeature = iota
	FeatVtargAdj
	FeatVtargSwitch
	FeatSuffer
	FeatHVUPDI
)

// Backend is the vtable every concrete engine installs (spec.md §4.1's
// "Programmer vtable operations"). Every method reports failure as an
// error wrapping one of the sentinels of errors.go; an error wrapping
// ErrUnsupported means "inapplicable to this memory class," never a
// generic failure.
type Backend interface {
	Open(port string) error
	Close() error
	Setup() error
	Teardown() error
	Enable(part *avrpart.Part) error
	Disable() error
	Initialize(part *avrpart.Part) error
	ProgramEnable(part *avrpart.Part) error
	ChipErase(part *avrpart.Part) error

	ReadByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32) (byte, error)
	WriteByte(part *avrpart.Part, mem *avrpart.Memory, addr uint32, value byte) error
	PagedLoad(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, n int) ([]byte, error)
	PagedWrite(part *avrpart.Part, mem *avrpart.Memory, pageSize int, addr uint32, data []byte) error
	PageErase(part *avrpart.Part, mem *avrpart.Memory, addr uint32) error

	ReadSigBytes(part *avrpart.Part, mem *avrpart.Memory) ([3]byte, error)
	ReadSIB(part *avrpart.Part) (string, error)
	ReadChipRev(part *avrpart.Part) (byte, error)

	SetSCKPeriod(seconds float64) error
	GetSCKPeriod() (float64, error)
	SetVTarget(volts float64) error
	GetVTarget() (float64, error)

	Cmd(raw [4]byte) ([4]byte, error)
	TermKeepAlive(part *avrpart.Part) error

	Modes() map[avrpart.ProgMode]bool
	ExtraFeatures() bitmap.Bitmap
}

// Programmer is the polymorphic record of spec.md §4.1: a type string,
// identifiers, a single backend implementation, and the paged cache
// every backend shares.
type Programmer struct {
	Type    string
	IDs     []string
	Backend Backend
	Cache   *PagedCache

	isOpen bool
	isInit bool
}

// New wires a Backend into a Programmer instance and allocates its
// shared paged cache. Corresponds to spec.md's "initpgm constructor
// installs the vtable only" step of the lifecycle.
func New(typ string, ids []string, backend Backend) *Programmer {
	return &Programmer{Type: typ, IDs: ids, Backend: backend, Cache: NewPagedCache()}
}

// NegotiateMode resolves spec.md §4.1's capability negotiation: the
// intersection of the part's and the programmer's modes must be
// non-empty and resolve to exactly one mode, unless override is set.
func NegotiateMode(part *avrpart.Part, backend Backend, override avrpart.ProgMode, hasOverride bool) (avrpart.ProgMode, error) {
	if hasOverride {
		if !part.Supports(override) || !backend.Modes()[override] {
			return 0, fmt.Errorf("%w: forced mode %s not supported by part and programmer", ErrConfig, override)
		}
		return override, nil
	}
	var candidates []avrpart.ProgMode
	for mode := range backend.Modes() {
		if part.Supports(mode) {
			candidates = append(candidates, mode)
		}
	}
	switch len(candidates) {
	case 0:
		return 0, fmt.Errorf("%w: no common programming mode between %s and programmer", ErrConfig, part.Name)
	case 1:
		return candidates[0], nil
	default:
		return 0, fmt.Errorf("%w: ambiguous programming mode for %s, pass an override", ErrConfig, part.Name)
	}
}

// Setup/Open/Initialize/Disable/Close/Teardown implement the
// lifecycle contract of spec.md §3 ("Lifecycle") with scoped-resource
// discipline (spec.md §5): each pairs with its inverse and a failure
// midway releases anything already acquired.

func (p *Programmer) Setup() error {
	return p.Backend.Setup()
}

func (p *Programmer) Open(port string) error {
	if err := p.Backend.Open(port); err != nil {
		return err
	}
	p.isOpen = true
	return nil
}

func (p *Programmer) Initialize(part *avrpart.Part) error {
	if !p.isOpen {
		return fmt.Errorf("%w: Initialize called before Open", ErrContract)
	}
	if err := p.Backend.Initialize(part); err != nil {
		return err
	}
	p.isInit = true
	return nil
}

func (p *Programmer) Disable() error {
	p.Cache.InvalidateAll()
	if !p.isInit {
		return nil
	}
	p.isInit = false
	return p.Backend.Disable()
}

func (p *Programmer) Close() error {
	if p.isInit {
		_ = p.Disable()
	}
	if !p.isOpen {
		return nil
	}
	p.isOpen = false
	return p.Backend.Close()
}

func (p *Programmer) Teardown() error {
	return p.Backend.Teardown()
}

// HasFeature reports whether bit f is set in the backend's
// extra-feature mask.
func (p *Programmer) HasFeature(f ExtraFeature) bool {
	return p.Backend.ExtraFeatures().Get(int(f))
}
