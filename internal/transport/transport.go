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

// Package transport implements the uniform byte-stream abstraction of
// spec.md §6: one tagged "transport" interface exposed to every upper
// layer, with concrete POSIX tty / USB-HID / USB-bulk / spidev+GPIO
// implementations.
package transport

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Recv when no data arrived within the
// caller's timeout, the transport-layer half of spec.md §7's
// "Transport error: byte-level I/O failure, timeout, short read."
var ErrTimeout = errors.New("transport: timed out waiting for data")

// ErrShortRead is returned when fewer bytes than requested arrived
// before the transport's internal deadline, with no more forthcoming.
var ErrShortRead = errors.New("transport: short read")

// Transport is the tagged variant of spec.md §6: every backend only
// ever holds one of these, never a concrete type.
type Transport interface {
	Open(port string) error
	Close() error
	Send(data []byte) error
	Recv(n int, timeout time.Duration) ([]byte, error)
	Drain() error
	SetDTRRTS(dtr, rts bool) error
}
