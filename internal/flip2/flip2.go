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
	"time"
)

// Command group ids, spec.md §4.5.
const (
	groupDownload byte = 0x01
	groupUpload   byte = 0x03
	groupExec     byte = 0x04
	groupSelect   byte = 0x06
)

// Command ids within each group.
const (
	cmdProgStart   byte = 0x00 // group DOWNLOAD
	cmdReadMemory  byte = 0x00 // group UPLOAD
	cmdChipErase   byte = 0x00 // group EXEC
	cmdStartApp    byte = 0x03 // group EXEC
	cmdSelectMemory byte = 0x03 // group SELECT
)

// Unit identifiers for SELECT_MEMORY arg1, spec.md §4.5.
type Unit byte

const (
	UnitFlash Unit = iota
	UnitEEPROM
	UnitSecurity
	UnitConfiguration
	UnitBootloader
	UnitSignature
	UnitUser
	UnitIntRAM
	UnitExtMemCS0
	UnitExtMemCS1
	UnitExtMemCS2
	UnitExtMemCS3
	UnitExtMemCS4
	UnitExtMemCS5
	UnitExtMemCS6
	UnitExtMemCS7
	UnitExtMemDF
)

const (
	readChunkSize  = 1024
	writeChunkSize = 2048
)

// flip2Cmd is the 6-byte vendor command, spec.md §4.5: {group_id,
// cmd_id, 4 arg-bytes}.
type flip2Cmd struct {
	Group byte
	Cmd   byte
	Args  [4]byte
}

func (c flip2Cmd) bytes() []byte {
	return []byte{c.Group, c.Cmd, c.Args[0], c.Args[1], c.Args[2], c.Args[3]}
}

// Engine drives one FLIP v2 bootloader session: command dispatch,
// unit/page selection, chunked read/write with the first-packet
// padding rule, chip erase, and the double-dnload start-app sequence.
type Engine struct {
	Dev             *Device
	MaxPacketSize0  int // bMaxPacketSize0 from the device descriptor
	currentUnit     Unit
	currentPage     uint16
	haveSelectedAny bool
}

func NewEngine(dev *Device, maxPacketSize0 int) *Engine {
	return &Engine{Dev: dev, MaxPacketSize0: maxPacketSize0}
}

func (e *Engine) sendCmd(cmd flip2Cmd) error {
	if err := e.Dev.Dnload(0, cmd.bytes()); err != nil {
		return err
	}
	return e.waitIdle()
}

// waitIdle polls GETSTATUS until the bootloader leaves dfuDNBUSY,
// mirroring the DFU 1.1 state machine FLIP v2 rides on top of.
func (e *Engine) waitIdle() error {
	for i := 0; i < 100; i++ {
		st, err := e.Dev.GetStatus()
		if err != nil {
			return err
		}
		if st.BStatus != DfuStatusOK {
			return fmt.Errorf("flip2: command failed, DFU status 0x%04X", st.Code())
		}
		if st.BState == dfuStateDnloadIdle || st.BState == dfuStateAppIdle || st.BState == dfuStateUploadIdle {
			return nil
		}
		if st.PollTimeout > 0 {
			time.Sleep(st.PollTimeout)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	return fmt.Errorf("flip2: timed out waiting for DFU idle state")
}

// SelectUnit issues SELECT_MEMORY with arg0=0x00, arg1=unit id.
func (e *Engine) SelectUnit(u Unit) error {
	cmd := flip2Cmd{Group: groupSelect, Cmd: cmdSelectMemory, Args: [4]byte{0x00, byte(u), 0, 0}}
	if err := e.sendCmd(cmd); err != nil {
		return err
	}
	e.currentUnit = u
	e.haveSelectedAny = true
	return nil
}

// selectPage issues SELECT_MEMORY with arg0=0x01, args1-2=page
// big-endian, re-selecting only when the page actually changes.
func (e *Engine) selectPage(page uint16) error {
	if e.haveSelectedAny && page == e.currentPage {
		return nil
	}
	cmd := flip2Cmd{Group: groupSelect, Cmd: cmdSelectMemory, Args: [4]byte{0x01, byte(page >> 8), byte(page), 0}}
	if err := e.sendCmd(cmd); err != nil {
		return err
	}
	e.currentPage = page
	return nil
}

// buildWritePacket assembles one DFU_DNLOAD buffer implementing
// spec.md §4.5's padding rule: the first USB packet (bMaxPacketSize0
// bytes) carries only the PROG_START command header, zero-padded;
// the payload begins at packet offset bMaxPacketSize0 + (offset mod
// bMaxPacketSize0), with every byte before that point zero.
func (e *Engine) buildWritePacket(cmd flip2Cmd, offset int, data []byte) []byte {
	pkt0 := e.MaxPacketSize0
	dataStart := pkt0 + (offset % pkt0)
	buf := make([]byte, dataStart+len(data))
	copy(buf, cmd.bytes())
	copy(buf[dataStart:], data)
	return buf
}

// WriteMemory writes data starting at addr (page<<16 | offset) into
// the currently selected unit, chunked to 2048 bytes with a page
// re-select on every 64KiB boundary crossing, per spec.md §4.5.
func (e *Engine) WriteMemory(addr uint32, data []byte) error {
	off := 0
	for off < len(data) {
		within := int(addr&0xFFFF) + off
		if err := e.selectPage(uint16(addr >> 16)); err != nil {
			return err
		}
		chunkLen := writeChunkSize
		if off+chunkLen > len(data) {
			chunkLen = len(data) - off
		}
		// Re-select on crossing a 64KiB boundary mid-chunk.
		if within+chunkLen > 0x10000 {
			chunkLen = 0x10000 - within
		}
		cmd := flip2Cmd{Group: groupDownload, Cmd: cmdProgStart, Args: [4]byte{
			byte(within >> 8), byte(within), byte(chunkLen >> 8), byte(chunkLen),
		}}
		buf := e.buildWritePacket(cmd, within, data[off:off+chunkLen])
		if err := e.Dev.Dnload(0, buf); err != nil {
			return fmt.Errorf("flip2: erite block too large: %w", err)
		}
		if err := e.waitIdle(); err != nil {
			return err
		}
		off += chunkLen
		addr += uint32(chunkLen)
	}
	return nil
}

// ReadMemory reads size bytes starting at addr, chunked to 1024
// bytes with the same page re-select rule as WriteMemory.
func (e *Engine) ReadMemory(addr uint32, size int) ([]byte, error) {
	var out []byte
	off := 0
	for off < size {
		within := int(addr&0xFFFF) + off
		if err := e.selectPage(uint16(addr >> 16)); err != nil {
			return nil, err
		}
		chunkLen := readChunkSize
		if off+chunkLen > size {
			chunkLen = size - off
		}
		if within+chunkLen > 0x10000 {
			chunkLen = 0x10000 - within
		}
		cmd := flip2Cmd{Group: groupUpload, Cmd: cmdReadMemory, Args: [4]byte{
			byte(within >> 8), byte(within), byte(chunkLen >> 8), byte(chunkLen),
		}}
		if err := e.Dev.Dnload(0, cmd.bytes()); err != nil {
			return nil, err
		}
		if err := e.waitIdle(); err != nil {
			return nil, err
		}
		chunk, err := e.Dev.Upload(0, chunkLen)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		off += chunkLen
		addr += uint32(chunkLen)
	}
	return out, nil
}

// ChipErase issues EXEC/CHIP_ERASE and polls GETSTATUS until the
// ERASE_ONGOING status clears, per spec.md §4.5's status pairs. Any
// other non-OK status is cleared with CLRSTATUS and returned as an
// error.
func (e *Engine) ChipErase() error {
	cmd := flip2Cmd{Group: groupExec, Cmd: cmdChipErase, Args: [4]byte{0xFF, 0, 0, 0}}
	if err := e.Dev.Dnload(0, cmd.bytes()); err != nil {
		return fmt.Errorf("flip2: erite block too large: %w", err)
	}
	const statusEraseOngoing uint16 = 0x0904 // errNOTDONE in dfuDNBUSY
	for i := 0; i < 500; i++ {
		st, err := e.Dev.GetStatus()
		if err != nil {
			return err
		}
		if st.Code() == statusEraseOngoing || st.BState == dfuStateDnloadSync || st.BState == dfuStateManifestSync {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if st.BStatus != DfuStatusOK {
			_ = e.Dev.ClrStatus()
			return fmt.Errorf("flip2: chip erase failed, DFU status 0x%04X", st.Code())
		}
		return nil
	}
	return fmt.Errorf("flip2: chip erase did not complete")
}

// StartApp issues EXEC/START_APP twice, per spec.md §4.5's "double
// dnload start-app" sequence: the bootloader acknowledges the first
// and only actually jumps to the application on the second.
func (e *Engine) StartApp() error {
	cmd := flip2Cmd{Group: groupExec, Cmd: cmdStartApp, Args: [4]byte{0, 0, 0, 0}}
	if err := e.Dev.Dnload(0, cmd.bytes()); err != nil {
		return err
	}
	return e.Dev.Dnload(0, cmd.bytes())
}
