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

package transport

import "time"

// USBHIDTransport is the 64-byte/512-byte USB-HID report transport of
// spec.md §6 (mEDBG/CMSIS-DAP class dongles, AVR-Doper). HID vendor
// interfaces are addressable through the same libusb interrupt
// endpoints gousb already uses for bulk, so this reuses
// USBBulkTransport's endpoint plumbing rather than pulling in a
// second, unattested HID binding -- see DESIGN.md.
type USBHIDTransport struct {
	USBBulkTransport
	ReportSize int
}

func NewUSBHIDTransport(reportSize int) *USBHIDTransport {
	return &USBHIDTransport{ReportSize: reportSize}
}

// Send pads the report up to ReportSize with zero bytes, the way an
// interrupt-OUT HID report must be a fixed size regardless of payload
// length.
func (h *USBHIDTransport) Send(data []byte) error {
	if len(data) > h.ReportSize {
		return h.USBBulkTransport.Send(data)
	}
	padded := make([]byte, h.ReportSize)
	copy(padded, data)
	return h.USBBulkTransport.Send(padded)
}

func (h *USBHIDTransport) Recv(n int, timeout time.Duration) ([]byte, error) {
	buf, err := h.USBBulkTransport.Recv(h.ReportSize, timeout)
	if err != nil {
		return buf, err
	}
	if n < len(buf) {
		return buf[:n], nil
	}
	return buf, nil
}
