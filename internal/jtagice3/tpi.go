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
	"encoding/binary"
	"fmt"
	"time"
)

// XPRG command ids nested inside SCOPE_AVR_TPI, spec.md §4.3e.
const (
	xprgEnterProgmode byte = 0x01
	xprgLeaveProgmode byte = 0x02
	xprgErase         byte = 0x03
	xprgWriteMem      byte = 0x04
	xprgReadMem       byte = 0x05
	xprgCRC           byte = 0x06
	xprgSetParam      byte = 0x07
)

// XPRG success sentinel, spec.md §4.3e.
const xprgErrOK byte = 0x00

// XPRG parameter ids.
const (
	xprgParamNVMCmdAddr  byte = 0x00
	xprgParamNVMCSRAddr  byte = 0x01
)

// TPI erase kinds.
const (
	tpiEraseChip byte = 0x01
	tpiEraseByte byte = 0x02
)

// TPISession carries the TPI-specific state (n_word_writes replica
// count) over an existing JTAGICE3 Session.
type TPISession struct {
	*Session
	NWordWrites int // 1, 2 or 4 per spec.md §4.3e / §9
}

func (t *TPISession) doXPRG(cmd byte, args []byte, timeout time.Duration) ([]byte, error) {
	payload := append([]byte{byte(ScopeAVRTPI), cmd}, args...)
	reply, err := t.Do(payload, timeout)
	if err != nil {
		return nil, err
	}
	if len(reply) < 1 || reply[0] != xprgErrOK {
		return nil, fmt.Errorf("jtagice3/tpi: XPRG command 0x%02X failed", cmd)
	}
	return reply[1:], nil
}

func (t *TPISession) EnterProgmode() error {
	_, err := t.doXPRG(xprgEnterProgmode, nil, time.Second)
	return err
}

func (t *TPISession) LeaveProgmode() error {
	_, err := t.doXPRG(xprgLeaveProgmode, nil, time.Second)
	return err
}

func (t *TPISession) SetParam(id byte, value uint32) error {
	args := make([]byte, 5)
	args[0] = id
	binary.LittleEndian.PutUint32(args[1:], value)
	_, err := t.doXPRG(xprgSetParam, args, 500*time.Millisecond)
	return err
}

// ReadMem issues XPRG READ_MEM(mtype, addr32-BE, size16-BE).
func (t *TPISession) ReadMem(mtype byte, addr uint32, size uint16) ([]byte, error) {
	args := make([]byte, 7)
	args[0] = mtype
	binary.BigEndian.PutUint32(args[1:5], addr)
	binary.BigEndian.PutUint16(args[5:7], size)
	return t.doXPRG(xprgReadMem, args, 2*time.Second)
}

// WriteMem issues XPRG WRITE_MEM(mtype, page-mode, addr32-BE,
// size16-BE, payload). Word writes are replicated NWordWrites times
// (2 or 4 identical words): replicateWord fills every replica slot
// with the word itself, so no slot carries 0xFF padding, and the
// replicated block is always sent in full.
func (t *TPISession) WriteMem(mtype byte, pageMode bool, addr uint32, data []byte) error {
	payload := replicateWord(data, t.NWordWrites)
	var pm byte
	if pageMode {
		pm = 1
	}
	args := make([]byte, 8, 8+len(payload))
	args[0] = mtype
	args[1] = pm
	binary.BigEndian.PutUint32(args[2:6], addr)
	binary.BigEndian.PutUint16(args[6:8], uint16(len(payload)))
	args = append(args, payload...)
	_, err := t.doXPRG(xprgWriteMem, args, 2*time.Second)
	return err
}

// replicateWord repeats a 2-byte word write n times back-to-back, per
// spec.md §4.3e / §9: some TPI targets' NVM controllers require the
// same word to be written n_word_writes times before the write takes.
// Non-word-sized data (page writes) and n<=1 pass through unchanged.
func replicateWord(data []byte, n int) []byte {
	if n <= 1 || len(data) != 2 {
		return data
	}
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		copy(out[i*2:], data)
	}
	return out
}

// Erase issues XPRG ERASE(kind, addr32-BE).
func (t *TPISession) Erase(chip bool, addr uint32) error {
	kind := tpiEraseByte
	if chip {
		kind = tpiEraseChip
	}
	args := make([]byte, 5)
	args[0] = kind
	binary.BigEndian.PutUint32(args[1:], addr)
	_, err := t.doXPRG(xprgErase, args, 2*time.Second)
	return err
}
