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

package updi

import (
	"fmt"
	"time"
)

// State is the UPDI device-state enum of spec.md §4.4a. Transitions
// are idempotent and monotonic: each higher-level operation
// re-asserts whatever prerequisite states it needs rather than
// assuming the caller already got there.
type State int

const (
	StateUnknown State = iota
	StateNormal
	StateEnabled
	StateNVMProg
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateNormal:
		return "normal"
	case StateEnabled:
		return "enabled"
	case StateNVMProg:
		return "nvmprog"
	case StateUnlocked:
		return "unlocked"
	default:
		return "invalid"
	}
}

// Version is the NVM controller generation dispatched by the facade,
// spec.md §4.4b.
type Version int

const (
	V0 Version = iota
	V2
	V3
	V4
	V5
)

// Device tracks UPDI session state: the current State, NVM Version,
// block size and a cached copy of the control/status register, per
// spec.md §3's "CRC-of-link-control-status cached shadow."
type Device struct {
	Link      *Link
	State     State
	Version   Version
	BlockSize int
	csaShadow byte
}

func NewDevice(l *Link, ver Version, blockSize int) *Device {
	return &Device{Link: l, Version: ver, BlockSize: blockSize}
}

// EnterNormal performs BREAK, SYNCH, and a control/status register
// check, per spec.md §4.4a: UNKNOWN -> NORMAL.
func (d *Device) EnterNormal() error {
	if d.State >= StateNormal {
		return nil
	}
	if err := d.Link.Break(); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	if err := d.Link.Synch(); err != nil {
		return fmt.Errorf("updi: synch: %w", err)
	}
	sig, err := d.Link.LDCS(csStatusA)
	if err != nil {
		return fmt.Errorf("updi: read CS.STATUSA: %w", err)
	}
	d.csaShadow = sig
	d.State = StateNormal
	return nil
}

// Enable sets CS.CTRLA.UPDIDIS=0, per spec.md §4.4a: NORMAL -> ENABLED.
func (d *Device) Enable() error {
	if err := d.EnterNormal(); err != nil {
		return err
	}
	if d.State >= StateEnabled {
		return nil
	}
	if err := d.Link.STCS(csControlA, ctrlAEnableUPDI); err != nil {
		return fmt.Errorf("updi: enable: %w", err)
	}
	status, err := d.Link.LDCS(csStatusA)
	if err != nil {
		return err
	}
	if status&statusAEnabled == 0 {
		return fmt.Errorf("updi: CS.STATUSA did not report enabled after CTRLA write")
	}
	d.State = StateEnabled
	return nil
}

// EnterNVMProg sends the NVMPROG key and pulses the target's reset
// via CS.ASI_RESET_REQ, per spec.md §4.4a: ENABLED -> NVMPROG.
func (d *Device) EnterNVMProg() error {
	if err := d.Enable(); err != nil {
		return err
	}
	if d.State >= StateNVMProg {
		return nil
	}
	if err := d.Link.KEY(keyNVMProg); err != nil {
		return fmt.Errorf("updi: NVMPROG key: %w", err)
	}
	if err := d.pulseReset(); err != nil {
		return err
	}
	status, err := d.Link.LDCS(csASI)
	if err != nil {
		return err
	}
	if status&0x08 == 0 { // ASI_NVM_PROG_MODE, bit 3
		return fmt.Errorf("updi: target did not enter NVM programming mode")
	}
	d.State = StateNVMProg
	return nil
}

// EnterUnlocked sends the CHIPERASE key on a locked device, per
// spec.md §4.4a: ENABLED -> UNLOCKED (used when CS.STATUSB reports
// the OCD is locked and NVMPROG alone will not be granted).
func (d *Device) EnterUnlocked() error {
	if err := d.Enable(); err != nil {
		return err
	}
	if d.State >= StateUnlocked {
		return nil
	}
	if err := d.Link.KEY(keyChipErase); err != nil {
		return fmt.Errorf("updi: CHIPERASE key: %w", err)
	}
	if err := d.pulseReset(); err != nil {
		return err
	}
	if err := d.waitChipEraseDone(); err != nil {
		return err
	}
	d.State = StateUnlocked
	return nil
}

func (d *Device) pulseReset() error {
	const asiResetReq byte = 0x08
	if err := d.Link.STCS(asiResetReq, 0x59); err != nil { // RSTREQ "RUN" magic value
		return fmt.Errorf("updi: assert reset: %w", err)
	}
	if err := d.Link.STCS(asiResetReq, 0x00); err != nil {
		return fmt.Errorf("updi: release reset: %w", err)
	}
	return nil
}

func (d *Device) waitChipEraseDone() error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := d.Link.LDCS(csASI)
		if err != nil {
			return err
		}
		if status&0x10 != 0 { // ASI_CHIPERASE_DONE, bit 4
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("updi: chip erase did not complete within 10s")
}
