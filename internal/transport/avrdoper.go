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
	"fmt"
	"time"
)

// avrDoperReportSizes are the four report sizes AVR-Doper exposes
// (spec.md §6): the host picks the smallest that still fits the
// chunk, so a small command doesn't waste a 125-byte transfer.
var avrDoperReportSizes = []int{13, 29, 61, 125}

// AVRDoperTransport frames each packet as [report-id][chunk-length]
// [payload...] over USB HID, per spec.md §6, selecting the report
// size by chunk length and reassembling padded/partial replies on
// receive.
type AVRDoperTransport struct {
	hid *USBHIDTransport
}

func NewAVRDoperTransport() *AVRDoperTransport {
	return &AVRDoperTransport{hid: NewUSBHIDTransport(largestAVRDoperReport())}
}

func largestAVRDoperReport() int {
	return avrDoperReportSizes[len(avrDoperReportSizes)-1]
}

func reportSizeFor(chunkLen int) (int, error) {
	for _, size := range avrDoperReportSizes {
		// -2 for the [report-id][chunk-length] header.
		if chunkLen <= size-2 {
			return size, nil
		}
	}
	return 0, fmt.Errorf("avrdoper: chunk of %d bytes too large for any report size", chunkLen)
}

func (a *AVRDoperTransport) Open(port string) error { return a.hid.Open(port) }
func (a *AVRDoperTransport) Close() error            { return a.hid.Close() }

// Send splits data into report-sized chunks, each framed as
// [report-id][chunk-length][payload...], zero-padded to the chosen
// report size.
func (a *AVRDoperTransport) Send(data []byte) error {
	maxChunk := largestAVRDoperReport() - 2
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > maxChunk {
			n = maxChunk
		}
		size, err := reportSizeFor(n)
		if err != nil {
			return err
		}
		a.hid.ReportSize = size
		frame := make([]byte, size)
		frame[0] = 0 // report id
		frame[1] = byte(n)
		copy(frame[2:], data[off:off+n])
		if err := a.hid.Send(frame); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Recv reassembles padded/partial packets: each HID report carries
// [report-id][chunk-length][payload...]; only chunk-length bytes of
// payload are significant, the rest is padding the caller must not
// see (spec.md §6: "receive-side buffer must handle padding and
// partial fills").
func (a *AVRDoperTransport) Recv(n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		size, err := reportSizeFor(n - len(out))
		if err != nil {
			size = largestAVRDoperReport()
		}
		frame, err := a.hid.USBBulkTransport.Recv(size, timeout)
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			return out, ErrShortRead
		}
		if len(frame) < 2 {
			return out, fmt.Errorf("avrdoper: short report header")
		}
		chunkLen := int(frame[1])
		if chunkLen > len(frame)-2 {
			chunkLen = len(frame) - 2
		}
		out = append(out, frame[2:2+chunkLen]...)
	}
	return out, nil
}

func (a *AVRDoperTransport) Drain() error               { return a.hid.Drain() }
func (a *AVRDoperTransport) SetDTRRTS(dtr, rts bool) error { return a.hid.SetDTRRTS(dtr, rts) }
