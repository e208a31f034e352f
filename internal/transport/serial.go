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
	"syscall"
	"time"

	"go.bug.st/serial"
)

// SerialTransport is a POSIX tty / Windows COM byte stream at 8N1,
// the backbone for UPDI, TPI, debugWIRE and STK500 links (spec.md
// §6). Generalized from exer/cex/dev/arduino.go's single hardcoded
// Arduino Nano device to any configured port and baud rate.
//
// Opening the port asserts DTR, which resets many AVR targets exactly
// as it resets an Arduino Nano; callers that need to avoid the reset
// (debugWIRE re-entry) should call SetDTRRTS after Open.
type SerialTransport struct {
	port serial.Port
	baud int
}

func NewSerialTransport(baud int) *SerialTransport {
	return &SerialTransport{baud: baud}
}

func (s *SerialTransport) Open(port string) error {
	mode := &serial.Mode{BaudRate: s.baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	p, err := serial.Open(port, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", port, err)
	}
	s.port = p
	return nil
}

func (s *SerialTransport) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Send writes all bytes, retrying only on EINTR (the teacher's
// writeBytes loop comment: "solely to handle EINTR, which occurs
// constantly as a result of Golang's Goroutine-level context switching
// mechanism").
func (s *SerialTransport) Send(data []byte) error {
	var n int
	var err error
	for {
		n, err = s.port.Write(data)
		if !isRetryableSyscallError(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("serial write: short write %d/%d", n, len(data))
	}
	return nil
}

// Recv reads exactly n bytes or returns ErrTimeout/ErrShortRead.
func (s *SerialTransport) Recv(n int, timeout time.Duration) ([]byte, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("serial set read timeout: %w", err)
	}
	buf := make([]byte, n)
	got := 0
	for got < n {
		chunk := make([]byte, n-got)
		var c int
		var err error
		for {
			c, err = s.port.Read(chunk)
			if !isRetryableSyscallError(err) {
				break
			}
		}
		if err != nil {
			return buf[:got], fmt.Errorf("serial read: %w", err)
		}
		if c == 0 {
			if got == 0 {
				return nil, ErrTimeout
			}
			return buf[:got], ErrShortRead
		}
		copy(buf[got:], chunk[:c])
		got += c
	}
	return buf, nil
}

func (s *SerialTransport) Drain() error {
	for {
		if _, err := s.Recv(1, 10*time.Millisecond); err != nil {
			return nil
		}
	}
}

func (s *SerialTransport) SetDTRRTS(dtr, rts bool) error {
	if err := s.port.SetDTR(dtr); err != nil {
		return err
	}
	return s.port.SetRTS(rts)
}

func isRetryableSyscallError(err error) bool {
	if errno, ok := err.(syscall.Errno); ok {
		return errno == syscall.EINTR
	}
	return false
}
