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

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
)

// USBBulkTransport is a libusb EP_IN/EP_OUT pair, the JTAGICE3 bulk
// transport of spec.md §6. Grounded on bbnote-gostlink's
// initTransfer/usbTransferNoErrCheck pattern: build a command buffer,
// issue one bulk write, then one bulk read for the fixed-size reply.
type USBBulkTransport struct {
	VendorID  gousb.ID
	ProductID gousb.ID

	ctx    *gousb.Context
	dev    *gousb.Device
	iface  *gousb.Interface
	done   func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

// Open's port argument is "vid:pid" in hex, e.g. "03eb:2175"; the
// caller typically gets this from the Programmer's configured
// usbvid/usbpid pair (spec.md §6 Configuration file).
func (u *USBBulkTransport) Open(port string) error {
	vid, pid, err := parseVidPid(port)
	if err != nil {
		return err
	}
	u.ctx = gousb.NewContext()
	dev, err := u.ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		u.ctx.Close()
		return fmt.Errorf("open USB device %04x:%04x: %w", vid, pid, err)
	}
	u.dev = dev
	iface, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		u.ctx.Close()
		return fmt.Errorf("claim USB interface: %w", err)
	}
	u.iface = iface
	u.done = done
	in, err := firstInEndpoint(iface)
	if err != nil {
		u.Close()
		return err
	}
	out, err := firstOutEndpoint(iface)
	if err != nil {
		u.Close()
		return err
	}
	u.in, u.out = in, out
	return nil
}

func (u *USBBulkTransport) Close() error {
	if u.done != nil {
		u.done()
	}
	if u.dev != nil {
		u.dev.Close()
	}
	if u.ctx != nil {
		u.ctx.Close()
	}
	*u = USBBulkTransport{VendorID: u.VendorID, ProductID: u.ProductID}
	return nil
}

func (u *USBBulkTransport) Send(data []byte) error {
	n, err := u.out.Write(data)
	if err != nil {
		return fmt.Errorf("usb bulk write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("usb bulk write: short write %d/%d", n, len(data))
	}
	return nil
}

func (u *USBBulkTransport) Recv(n int, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, n)
	got, err := u.in.ReadContext(ctx, buf)
	if err != nil {
		if got == 0 {
			return nil, ErrTimeout
		}
		return buf[:got], ErrShortRead
	}
	return buf[:got], nil
}

func (u *USBBulkTransport) Drain() error {
	for {
		if _, err := u.Recv(64, 10*time.Millisecond); err != nil {
			return nil
		}
	}
}

// SetDTRRTS is inapplicable to USB bulk transports; JTAGICE3 resets
// targets through its own protocol commands instead of a modem-control
// signal.
func (u *USBBulkTransport) SetDTRRTS(dtr, rts bool) error {
	return nil
}

func firstInEndpoint(iface *gousb.Interface) (*gousb.InEndpoint, error) {
	for _, ep := range iface.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			return iface.InEndpoint(ep.Number)
		}
	}
	return nil, fmt.Errorf("no IN endpoint on USB interface")
}

func firstOutEndpoint(iface *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, ep := range iface.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut {
			return iface.OutEndpoint(ep.Number)
		}
	}
	return nil, fmt.Errorf("no OUT endpoint on USB interface")
}

func parseVidPid(port string) (gousb.ID, gousb.ID, error) {
	parts := strings.SplitN(port, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("usb port spec must be vid:pid, got %q", port)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad vendor id %q: %w", parts[0], err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad product id %q: %w", parts[1], err)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}
