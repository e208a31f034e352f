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

// Access selects word or byte transfer width, per spec.md §4.4c: flash
// writes use word access, EEPROM/user-row(V0)/fuse writes use byte
// access.
type Access int

const (
	Byte Access = iota
	Word
)

// NVMCTRL.STATUS offset, common to all versions, and its busy/error
// bits, spec.md §4.4b's wait_ready rule.
const (
	nvmctrlStatusOffset byte = 0x0F
	statusWriteError    byte = 1 << 2
	statusEEBusy        byte = 1 << 1
	statusFlashBusy     byte = 1 << 0
)

// V0 command opcodes (NVMCTRL.CTRLA), spec.md §4.4b.
const (
	v0CmdNone            byte = 0x00
	v0CmdWritePage       byte = 0x01
	v0CmdEraseWritePage  byte = 0x02
	v0CmdPageBufferClear byte = 0x04
	v0CmdChipErase       byte = 0x05
	v0CmdEraseEEPROM     byte = 0x06
	v0CmdWriteFuse       byte = 0x07
	v0CmdEraseUserRow    byte = 0x08
)

// V2/V3 command opcodes.
const (
	v23CmdNone                byte = 0x00
	v23CmdFlashWrite          byte = 0x01
	v23CmdEEPROMErase         byte = 0x03
	v23CmdEEPROMErasePageWrite byte = 0x07
	v23CmdPageBufferClear     byte = 0x08
	v23CmdChipErase           byte = 0x03
	v23CmdPageWrite           byte = 0x02
)

// V4/V5 command opcodes (shifted register layout, separate page-erase
// and page-write, distinct boot/app commands per spec.md §4.4b).
const (
	v45CmdNoOp        byte = 0x00
	v45CmdFlushPage   byte = 0x02
	v45CmdChipErase   byte = 0x05
	v45CmdEraseAppPage byte = 0x08
	v45CmdWriteAppPage byte = 0x09
	v45CmdEraseBootPage byte = 0x0A
	v45CmdWriteBootPage byte = 0x0B
	v45CmdEraseEEPROM  byte = 0x13
	v45CmdWriteEEPROM  byte = 0x14
)

// NVM is the neutral facade of spec.md §4.4b: chip_erase,
// erase_flash_page, erase_eeprom, erase_user_row, write_flash,
// write_user_row, write_eeprom, write_fuse, wait_ready, command. The
// Device's Version enum selects the implementation; no runtime
// reflection is used, only the table-style switch below, per spec.md
// §9's design note.
type NVM struct {
	Dev  *Device
	Base uint32 // the part's NVM controller base address
}

func NewNVM(dev *Device, base uint32) *NVM {
	return &NVM{Dev: dev, Base: base}
}

func (n *NVM) statusAddr() uint32 { return n.Base + uint32(nvmctrlStatusOffset) }

// WaitReady polls NVMCTRL.STATUS until both busy bits clear or 10
// seconds elapse, failing immediately on WRITE_ERROR.
func (n *NVM) WaitReady() error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		b, err := n.Dev.Link.LD(n.statusAddr(), sizeByte)
		if err != nil {
			return fmt.Errorf("updi: wait_ready: %w", err)
		}
		status := b[0]
		if status&statusWriteError != 0 {
			return fmt.Errorf("updi: NVMCTRL reported a write error")
		}
		if status&(statusEEBusy|statusFlashBusy) == 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("updi: wait_ready timed out after 10s")
}

// Command issues one NVMCTRL command byte at the version-appropriate
// register offset, optionally following with NOCMD on V2-V5 per
// spec.md §4.4b ("every command must be followed by NOCMD").
func (n *NVM) Command(cmd byte) error {
	ctrlOffset := uint32(0x00)
	if n.Dev.Version == V4 || n.Dev.Version == V5 {
		ctrlOffset = 0x04 // CTRLA shifted on the newer register map
	}
	if err := n.Dev.Link.ST(n.Base+ctrlOffset, []byte{cmd}); err != nil {
		return fmt.Errorf("updi: command 0x%02X: %w", cmd, err)
	}
	if n.Dev.Version != V0 {
		if err := n.Dev.Link.ST(n.Base+ctrlOffset, []byte{v23CmdNone}); err != nil {
			return fmt.Errorf("updi: NOCMD after 0x%02X: %w", cmd, err)
		}
	}
	return nil
}

// writeSequence is the common invariant of spec.md §4.4b: wait_ready
// at entry, send the command, transfer the data, wait_ready again.
func (n *NVM) writeSequence(cmd byte, addr uint32, data []byte, access Access) error {
	if err := n.WaitReady(); err != nil {
		return err
	}
	if err := n.Command(cmd); err != nil {
		return err
	}
	for off := 0; off < len(data); off += wordStep(access) {
		end := off + wordStep(access)
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if err := n.Dev.Link.ST(addr+uint32(off), chunk); err != nil {
			return fmt.Errorf("updi: write data at 0x%X: %w", addr+uint32(off), err)
		}
	}
	return n.WaitReady()
}

func wordStep(a Access) int {
	if a == Word {
		return 2
	}
	return 1
}

// ChipErase dispatches the version-specific full-chip erase.
func (n *NVM) ChipErase() error {
	if err := n.WaitReady(); err != nil {
		return err
	}
	var cmd byte
	switch n.Dev.Version {
	case V0:
		cmd = v0CmdChipErase
	case V2, V3:
		cmd = v23CmdChipErase
	default:
		cmd = v45CmdChipErase
	}
	if err := n.Command(cmd); err != nil {
		return err
	}
	return n.WaitReady()
}

// EraseFlashPage erases one flash page at addr.
func (n *NVM) EraseFlashPage(addr uint32) error {
	if err := n.WaitReady(); err != nil {
		return err
	}
	var cmd byte
	switch n.Dev.Version {
	case V0, V2, V3:
		cmd = v23CmdPageBufferClear
	default:
		cmd = v45CmdEraseAppPage
	}
	if err := n.Command(cmd); err != nil {
		return err
	}
	if n.Dev.Version == V4 || n.Dev.Version == V5 {
		if err := n.Dev.Link.ST(addr, []byte{0x00, 0x00}); err != nil {
			return err
		}
	}
	return n.WaitReady()
}

// EraseEEPROM erases the whole EEPROM, per spec.md §4.4b: on V0 this
// is a per-byte dummy-write followed by the V0 erase-EEPROM command;
// V2+ use a single EEPROM_ERASE-class command.
func (n *NVM) EraseEEPROM(base uint32, size int) error {
	if n.Dev.Version == V0 {
		if err := n.WaitReady(); err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := n.Dev.Link.ST(base+uint32(i), []byte{0xFF}); err != nil {
				return err
			}
		}
		if err := n.Command(v0CmdEraseEEPROM); err != nil {
			return err
		}
		return n.WaitReady()
	}
	if err := n.WaitReady(); err != nil {
		return err
	}
	cmd := v23CmdEEPROMErase
	if n.Dev.Version == V4 || n.Dev.Version == V5 {
		cmd = v45CmdEraseEEPROM
	}
	if err := n.Command(cmd); err != nil {
		return err
	}
	return n.WaitReady()
}

// EraseUserRow erases the user signature row. On V0 it issues the
// dedicated V0 user-row erase command; on V2+ it is flash-backed and
// shares the flash page commands, per spec.md §4.4b.
func (n *NVM) EraseUserRow(addr uint32) error {
	if n.Dev.Version == V0 {
		if err := n.WaitReady(); err != nil {
			return err
		}
		if err := n.Command(v0CmdEraseUserRow); err != nil {
			return err
		}
		return n.WaitReady()
	}
	return n.EraseFlashPage(addr)
}

// WriteFlash writes one full page of word-paired little-endian data,
// per spec.md §4.4b/§4.4c's word-access rule and the version-specific
// command sequence (page-buffer-clear -> words -> PAGE_WRITE on
// V0/V3, FLASH_WRITE-then-data on V2, separate app/boot write opcodes
// on V4/V5).
func (n *NVM) WriteFlash(addr uint32, data []byte, bootSection bool) error {
	switch n.Dev.Version {
	case V0:
		return n.writeViaPageBuffer(v0CmdPageBufferClear, v0CmdWritePage, addr, data)
	case V2:
		return n.writeSequence(v23CmdFlashWrite, addr, data, Word)
	case V3:
		return n.writeViaPageBuffer(v23CmdPageBufferClear, v23CmdPageWrite, addr, data)
	default: // V4, V5
		if err := n.loadWords(addr, data); err != nil {
			return err
		}
		cmd := v45CmdWriteAppPage
		if bootSection {
			cmd = v45CmdWriteBootPage
		}
		return n.writeSequence(cmd, addr, nil, Word)
	}
}

// writeViaPageBuffer implements the page-buffer-clear -> words ->
// PAGE_WRITE command order spec.md §8's scenario S5 specifies exactly:
// wait_ready, PAGE_BUFFER_CLR, wait_ready, word-writes, WRITE_PAGE,
// wait_ready. writeSequence's own leading wait_ready would land before
// the clear command rather than after it, so the buffer-clear and
// PAGE_WRITE commands are issued directly instead.
func (n *NVM) writeViaPageBuffer(clearCmd, writeCmd byte, addr uint32, data []byte) error {
	if err := n.WaitReady(); err != nil {
		return err
	}
	if err := n.Command(clearCmd); err != nil {
		return err
	}
	if err := n.WaitReady(); err != nil {
		return err
	}
	if err := n.loadWords(addr, data); err != nil {
		return err
	}
	if err := n.Command(writeCmd); err != nil {
		return err
	}
	return n.WaitReady()
}

// loadWords writes word-paired data directly to the page buffer /
// flash address range without issuing a command (used by the
// clear-then-load-then-command sequences above).
func (n *NVM) loadWords(addr uint32, data []byte) error {
	for off := 0; off+2 <= len(data); off += 2 {
		if err := n.Dev.Link.ST(addr+uint32(off), data[off:off+2]); err != nil {
			return fmt.Errorf("updi: load word at 0x%X: %w", addr+uint32(off), err)
		}
	}
	return nil
}

// WriteUserRow writes the user signature row: byte access with the V0
// write-page command on V0; on V2+ it goes through WriteFlash (word
// access).
func (n *NVM) WriteUserRow(addr uint32, data []byte) error {
	if n.Dev.Version == V0 {
		return n.writeSequence(v0CmdWritePage, addr, data, Byte)
	}
	return n.WriteFlash(addr, data, false)
}

// WriteEEPROM writes one EEPROM page with byte access, per spec.md
// §4.4c.
func (n *NVM) WriteEEPROM(addr uint32, data []byte) error {
	var cmd byte
	switch n.Dev.Version {
	case V0:
		cmd = v0CmdEraseWritePage
	case V2, V3:
		cmd = v23CmdEEPROMErasePageWrite
	default:
		cmd = v45CmdWriteEEPROM
	}
	return n.writeSequence(cmd, addr, data, Byte)
}

// WriteFuse writes one fuse byte, per spec.md §4.4b: "a two-byte
// ADDRL/ADDRH + DATAL + WRITE_FUSE command sequence" on V0; later
// versions address fuses the same way as any other byte-access NVM
// write through the generic command path.
func (n *NVM) WriteFuse(addr uint32, value byte) error {
	if n.Dev.Version == V0 {
		if err := n.WaitReady(); err != nil {
			return err
		}
		// NVMCTRL.ADDRL/ADDRH take the fuse address, DATAL the value.
		if err := n.Dev.Link.ST(n.Base+0x08, []byte{byte(addr)}); err != nil {
			return err
		}
		if err := n.Dev.Link.ST(n.Base+0x09, []byte{byte(addr >> 8)}); err != nil {
			return err
		}
		if err := n.Dev.Link.ST(n.Base+0x06, []byte{value}); err != nil {
			return err
		}
		if err := n.Command(v0CmdWriteFuse); err != nil {
			return err
		}
		return n.WaitReady()
	}
	return n.writeSequence(v0CmdWriteFuse, addr, []byte{value}, Byte)
}
