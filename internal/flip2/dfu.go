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

// Package flip2 implements the Atmel/Microchip FLIP v2 DFU engine of
// spec.md §4.5: plain DFU 1.1 control transfers carrying a small
// vendor command set (flip2_cmd), used to program AVR-Dx/Xmega/AVR32
// parts through a USB bootloader instead of a JTAGICE3-class dongle.
//
// Grounded on bbnote-gostlink's command-buffer-then-transfer shape
// (initTransfer / usbTransferNoErrCheck), adapted from ST-Link vendor
// bulk commands to USB DFU control requests.
package flip2

import (
	"fmt"
	"time"

	"github.com/google/gousb"
)

// DFU 1.1 bRequest values used by FLIP v2.
const (
	reqDnload    uint8 = 1
	reqUpload    uint8 = 2
	reqGetStatus uint8 = 3
	reqClrStatus uint8 = 4
)

// bmRequestType for a class-specific, interface-targeted DFU request.
const (
	reqTypeOut uint8 = 0x21 // host-to-device, class, interface
	reqTypeIn  uint8 = 0xA1 // device-to-host, class, interface
)

// Status pairs, spec.md §4.5: "{OK, STALL, MEM_UNKNOWN, MEM_PROTECTED,
// OUTOFRANGE, BLANK_FAIL, ERASE_ONGOING} as 16-bit values (bStatus<<8
// | bState)."
const (
	DfuStatusOK byte = 0x00

	dfuStateAppIdle            byte = 0
	dfuStateDnloadSync         byte = 3
	dfuStateDnloadIdle         byte = 5
	dfuStateManifestSync       byte = 6
	dfuStateUploadIdle         byte = 9
	dfuStateError              byte = 10
)

// Status is the decoded GETSTATUS reply.
type Status struct {
	BStatus     byte
	BState      byte
	PollTimeout time.Duration
	IString     byte
}

// Code packs {bStatus, bState} the way spec.md §4.5 defines comparison
// values: bStatus<<8 | bState.
func (s Status) Code() uint16 {
	return uint16(s.BStatus)<<8 | uint16(s.BState)
}

// Device wraps the USB control endpoint of a FLIP v2 bootloader.
type Device struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	done  func()
	iface int
}

func Open(vid, pid gousb.ID) (*Device, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("flip2: open USB device %v:%v: %w", vid, pid, err)
	}
	return &Device{ctx: ctx, dev: dev}, nil
}

func (d *Device) Close() error {
	if d.done != nil {
		d.done()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}

// Dnload issues DFU_DNLOAD with the given wValue (transaction block
// number, always 0 for FLIP v2's vendor commands and data blocks
// alike) and payload.
func (d *Device) Dnload(wValue uint16, data []byte) error {
	_, err := d.dev.Control(reqTypeOut, reqDnload, wValue, uint16(d.iface), data)
	if err != nil {
		return fmt.Errorf("flip2: DFU_DNLOAD: %w", err)
	}
	return nil
}

// Upload issues DFU_UPLOAD and returns up to length bytes.
func (d *Device) Upload(wValue uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := d.dev.Control(reqTypeIn, reqUpload, wValue, uint16(d.iface), buf)
	if err != nil {
		return nil, fmt.Errorf("flip2: DFU_UPLOAD: %w", err)
	}
	return buf[:n], nil
}

// GetStatus issues DFU_GETSTATUS and decodes the 6-byte reply:
// {bStatus, bwPollTimeout[3], bState, iString}.
func (d *Device) GetStatus() (Status, error) {
	buf := make([]byte, 6)
	n, err := d.dev.Control(reqTypeIn, reqGetStatus, 0, uint16(d.iface), buf)
	if err != nil {
		return Status{}, fmt.Errorf("flip2: DFU_GETSTATUS: %w", err)
	}
	if n < 6 {
		return Status{}, fmt.Errorf("flip2: short DFU_GETSTATUS reply: %d bytes", n)
	}
	pollMS := int(buf[1]) | int(buf[2])<<8 | int(buf[3])<<16
	return Status{
		BStatus:     buf[0],
		BState:      buf[4],
		PollTimeout: time.Duration(pollMS) * time.Millisecond,
		IString:     buf[5],
	}, nil
}

// ClrStatus issues DFU_CLRSTATUS, clearing a dfuERROR state.
func (d *Device) ClrStatus() error {
	_, err := d.dev.Control(reqTypeOut, reqClrStatus, 0, uint16(d.iface), nil)
	if err != nil {
		return fmt.Errorf("flip2: DFU_CLRSTATUS: %w", err)
	}
	return nil
}
