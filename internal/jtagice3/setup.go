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
	"fmt"
	"time"

	"github.com/pdxjjb/avrhost/internal/avrpart"
)

// PARM3 parameter ids used during session setup, spec.md §4.3c.
const (
	parm3Arch        byte = 0x20
	parm3SessPurpose byte = 0x21
	parm3Connection  byte = 0x22
)

// Architecture values for PARM3_ARCH.
const (
	archMega  byte = 0x01
	archTiny  byte = 0x02
	archXmega byte = 0x03
	archUPDI  byte = 0x04
)

func archFor(mode avrpart.ProgMode) byte {
	switch mode {
	case avrpart.ModeUPDI:
		return archUPDI
	case avrpart.ModePDI, avrpart.ModeXMEGAJTAG:
		return archXmega
	default:
		return archMega
	}
}

// Connection type values for PARM3_CONNECTION.
const (
	connISP   byte = 0x01
	connJTAG  byte = 0x02
	connPDI   byte = 0x03
	connUPDI  byte = 0x04
	connDW    byte = 0x05
	connTPI   byte = 0x06
)

func connectionFor(mode avrpart.ProgMode) (byte, error) {
	switch mode {
	case avrpart.ModeISP:
		return connISP, nil
	case avrpart.ModeJTAG, avrpart.ModeXMEGAJTAG:
		return connJTAG, nil
	case avrpart.ModePDI:
		return connPDI, nil
	case avrpart.ModeUPDI:
		return connUPDI, nil
	case avrpart.ModeDebugWIRE:
		return connDW, nil
	case avrpart.ModeTPI:
		return connTPI, nil
	default:
		return 0, fmt.Errorf("jtagice3: no connection type for mode %s", mode)
	}
}

// SignOn performs the session-setup sequence: the JTAGICE3 general
// sign-on, architecture/purpose/connection parameters, and finally
// CMD3_SIGN_ON(AVR). No CMSIS-DAP CONNECT is sent, neither here nor
// by the transport. Retries once with "apply external reset" on no
// answer; two failures are fatal (spec.md §7's bounded-retry policy).
func (s *Session) SignOn(part *avrpart.Part, mode avrpart.ProgMode) error {
	generalSignOn := []byte{byte(ScopeGeneral), 0x01} // CMD3_SIGN_ON
	if _, err := s.Do(generalSignOn, 500*time.Millisecond); err != nil {
		return fmt.Errorf("jtagice3: general sign-on: %w", err)
	}

	conn, err := connectionFor(mode)
	if err != nil {
		return err
	}
	if err := s.setParam(parm3Arch, []byte{archFor(mode)}); err != nil {
		return err
	}
	if err := s.setParam(parm3SessPurpose, []byte{0x01}); err != nil { // "programming"
		return err
	}
	if err := s.setParam(parm3Connection, []byte{conn}); err != nil {
		return err
	}
	if err := s.PushDeviceDesc(part, mode); err != nil {
		return fmt.Errorf("jtagice3: device descriptor: %w", err)
	}

	avrSignOn := []byte{byte(ScopeAVR), cmd3SignOn, 0, 0}
	if _, err := s.Do(avrSignOn, time.Second); err != nil {
		s.Log.Warnf("AVR sign-on failed, retrying with external reset: %v", err)
		avrSignOnRetry := []byte{byte(ScopeAVR), cmd3SignOn, 0, 1}
		if _, err := s.Do(avrSignOnRetry, time.Second); err != nil {
			return fmt.Errorf("jtagice3: AVR sign-on failed after retry: %w", err)
		}
	}
	return nil
}

func (s *Session) setParam(id byte, value []byte) error {
	payload := append([]byte{byte(ScopeAVR), 0x02 /* CMD3_SET_PARAMETER */, 0, 2 /* section */, id}, value...)
	_, err := s.Do(payload, 500*time.Millisecond)
	return err
}

// GetFirmwareVersion issues GET_PARAMETER(FW_MAJOR) and returns the
// 2-byte little-endian reply, exercising spec.md §8's S3 scenario.
func (s *Session) GetFirmwareVersion() (uint16, error) {
	payload := []byte{byte(ScopeGeneral), 0x03 /* CMD3_GET_PARAMETER */, 0, 0x00 /* section */, 0x00 /* FW_MAJOR */}
	reply, err := s.Do(payload, 500*time.Millisecond)
	if err != nil {
		return 0, err
	}
	if len(reply) < 2 {
		return 0, fmt.Errorf("jtagice3: short GET_PARAMETER reply")
	}
	return uint16(reply[0]) | uint16(reply[1])<<8, nil
}

// ReadSIB reads the System Information Block, returned as
// RSP3_DATA with a 4-byte length prefix per spec.md §8's S3
// scenario ("open + sign-on returns RSP3_DATA with 4-byte SIB
// prefix").
func (s *Session) ReadSIB() (string, error) {
	payload := []byte{byte(ScopeAVR), 0x0B /* CMD3_GET_SIB */, 0}
	reply, err := s.Do(payload, 500*time.Millisecond)
	if err != nil {
		return "", err
	}
	if len(reply) < 4 {
		return "", fmt.Errorf("jtagice3: short SIB reply")
	}
	return string(reply[4:]), nil
}
