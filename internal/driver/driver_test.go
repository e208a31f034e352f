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

package driver

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/dryrun"
	"github.com/pdxjjb/avrhost/internal/pgm"
)

func newTestDriver(t *testing.T, partName string, opts Options) (*Driver, *avrpart.Part) {
	t.Helper()
	var part *avrpart.Part
	for _, p := range avrpart.Builtin() {
		if p.Name == partName {
			part = p
		}
	}
	if part == nil {
		t.Fatalf("no builtin part %s", partName)
	}
	backend := dryrun.New(false, false)
	p := pgm.New("dryrun", []string{"dryrun"}, backend)
	if err := p.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := p.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return New(p, part, log.WithField("test", partName), opts), part
}

func TestWriteAndVerifyMemory(t *testing.T) {
	d, part := newTestDriver(t, "ATmega328P", Options{Verify: true})
	if err := d.Pgm.Backend.Enable(part); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	flash := part.FindMemory("flash")
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i * 3)
	}
	if err := d.WriteMemory(flash, 0, data); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	d, part := newTestDriver(t, "ATtiny13", Options{})
	if err := d.Pgm.Backend.Enable(part); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	flash := part.FindMemory("flash")
	data := []byte{0x01, 0x02, 0x03, 0x04}
	if err := d.WriteMemory(flash, 0, data); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	// Corrupt our expectation, not the device: a mismatched "what we
	// wrote" should fail verify.
	bad := []byte{0xFF, 0x02, 0x03, 0x04}
	if err := d.VerifyMemory(flash, 0, bad); err == nil {
		t.Fatalf("expected verify mismatch error")
	}
}

func TestChipEraseThenRunExitsOK(t *testing.T) {
	d, part := newTestDriver(t, "ATmega328P", Options{})
	code := d.Run(func() error {
		return d.ChipErase()
	})
	if code != ExitOK {
		t.Fatalf("exit code = %d, want ExitOK", code)
	}
	flash := part.FindMemory("flash")
	b, err := d.Pgm.Backend.ReadByte(part, flash, 0)
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != 0xFF {
		t.Fatalf("flash[0] after chip erase = 0x%02X, want 0xFF", b)
	}
}

func TestRunRejectsAmbiguousMode(t *testing.T) {
	// A hypothetical part that supports two of the backend's modes at
	// once has no unique negotiated mode, and must fail before any
	// wire traffic, per spec.md §4.1's capability negotiation.
	part := &avrpart.Part{
		Name:      "Ambiguous",
		Signature: [3]byte{0, 0, 0},
		Modes:     map[avrpart.ProgMode]bool{avrpart.ModeISP: true, avrpart.ModeJTAG: true},
	}
	backend := dryrun.New(false, false)
	p := pgm.New("dryrun", []string{"dryrun"}, backend)
	p.Setup()
	p.Open("")
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	d := New(p, part, log.WithField("test", "ambiguous"), Options{})
	code := d.Run(func() error { return nil })
	if code != ExitGeneralFailure {
		t.Fatalf("exit code = %d, want ExitGeneralFailure", code)
	}
}
