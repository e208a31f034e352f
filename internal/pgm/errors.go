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

// Package pgm implements the PROGRAMMER abstraction of spec.md §4.1:
// a polymorphic capability record whose vtable indirects every memory
// operation, plus the paged-memory cache of §4.2 shared by every
// backend.
package pgm

import "errors"

// Error taxonomy, spec.md §7.
var (
	ErrGeneral      = errors.New("pgm: general failure")
	ErrUnsupported  = errors.New("pgm: operation inapplicable to this memory class")
	ErrDeviceLocked = errors.New("pgm: device locked, chip erase required to unlock")
	ErrContract     = errors.New("pgm: contract violation")
	ErrConfig       = errors.New("pgm: configuration error")
)

// Result is the signed return code contract every vtable entry uses:
// >= 0 success (byte count or numeric result), the sentinel errors
// above otherwise.
type Result = int

const (
	ResultGeneralFailure = -1
	ResultUnsupported    = -2
)
