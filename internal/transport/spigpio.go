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

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIGPIOTransport is the Linux spidev + GPIO character device
// transport of spec.md §6, bit-clocked ISP over a real SPI controller
// with RESET driven by a separate GPIO line (periph's own split
// between conn/v3/spi for the clocked half and conn/v3/gpio for the
// reset strobe, mirrored from periph-host's FTDI MPSSE driver which
// splits TDI/TDO/TCK timing from discrete gpio.PinIO control lines).
type SPIGPIOTransport struct {
	ResetPinName string
	ClockHz      int64

	resetPin  gpio.PinIO
	spiPort   spi.PortCloser
	spiConn   spi.Conn
	lastReply []byte
}

// Open's port argument names the spidev device, e.g. "/dev/spidev0.0".
func (s *SPIGPIOTransport) Open(port string) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	p, err := spireg.Open(port)
	if err != nil {
		return fmt.Errorf("open spidev %s: %w", port, err)
	}
	hz := s.ClockHz
	if hz == 0 {
		hz = 200_000
	}
	conn, err := p.Connect(physic.Frequency(hz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return fmt.Errorf("configure spidev %s: %w", port, err)
	}
	s.spiPort = p
	s.spiConn = conn

	if s.ResetPinName != "" {
		pin := gpioreg.ByName(s.ResetPinName)
		if pin == nil {
			s.Close()
			return fmt.Errorf("gpio reset pin %s not found", s.ResetPinName)
		}
		s.resetPin = pin
		if err := s.resetPin.Out(gpio.High); err != nil {
			s.Close()
			return fmt.Errorf("set reset pin high: %w", err)
		}
	}
	return nil
}

func (s *SPIGPIOTransport) Close() error {
	if s.spiPort != nil {
		err := s.spiPort.Close()
		s.spiPort, s.spiConn = nil, nil
		return err
	}
	return nil
}

func (s *SPIGPIOTransport) Send(data []byte) error {
	reply := make([]byte, len(data))
	if err := s.spiConn.Tx(data, reply); err != nil {
		return fmt.Errorf("spi tx: %w", err)
	}
	s.lastReply = reply
	return nil
}

// Recv returns the full-duplex reply bytes captured by the most
// recent Send, since SPI clocks data in lockstep with data out: ISP
// always reads a reply byte for every byte written, so there is no
// separate read transfer to issue.
func (s *SPIGPIOTransport) Recv(n int, timeout time.Duration) ([]byte, error) {
	if len(s.lastReply) < n {
		return nil, ErrShortRead
	}
	return s.lastReply[:n], nil
}

func (s *SPIGPIOTransport) Drain() error {
	s.lastReply = nil
	return nil
}

func (s *SPIGPIOTransport) SetDTRRTS(dtr, rts bool) error {
	if s.resetPin == nil {
		return nil
	}
	return s.resetPin.Out(gpio.Level(!dtr))
}
