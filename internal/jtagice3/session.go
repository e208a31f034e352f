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

	"github.com/sirupsen/logrus"

	"github.com/pdxjjb/avrhost/internal/pgm"
	"github.com/pdxjjb/avrhost/internal/transport"
)

// Session tracks the sequence-number counter and the connection
// metadata JTAGICE3 needs. It holds no page-cache state; the paged
// cache lives in Backend.
type Session struct {
	Transport transport.Transport
	Log       *logrus.Entry

	seq        uint16
	BootStart  uint32
	HVUPDI     bool
	MaxXfer    int // 64 for mEDBG HID dongles, 512 for bulk dongles
}

func NewSession(t transport.Transport, log *logrus.Entry, maxXfer int) *Session {
	return &Session{Transport: t, Log: log, MaxXfer: maxXfer}
}

// nextSeq increments the 16-bit sequence counter, wrapping at 0xFFFF
// and skipping the reserved event value, per spec.md §4.3a.
func (s *Session) nextSeq() uint16 {
	s.seq++
	if s.seq == eventSeq {
		s.seq = 0
	}
	return s.seq
}

// Do sends one command payload and returns the matching response
// payload, retrying the receive loop against event frames and
// mismatched sequence numbers per spec.md §5's ordering guarantee:
// strict FIFO per session, events filtered without disturbing the
// one reply the caller is waiting for.
func (s *Session) Do(payload []byte, timeout time.Duration) ([]byte, error) {
	seq := s.nextSeq()
	frame := Encode(seq, payload)
	if err := s.Transport.Send(frame); err != nil {
		return nil, fmt.Errorf("jtagice3: send: %w", err)
	}
	for attempts := 0; attempts < 32; attempts++ {
		raw, err := s.Transport.Recv(s.MaxXfer, timeout)
		if err != nil {
			return nil, fmt.Errorf("jtagice3: recv: %w", err)
		}
		resp, err := Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("jtagice3: decode: %w", err)
		}
		if resp.Seq == eventSeq {
			s.Log.Debugf("discarding event frame: % X", resp.Payload)
			continue
		}
		if resp.Seq != seq {
			s.Log.Debugf("discarding out-of-sequence frame seq=%d want=%d", resp.Seq, seq)
			continue
		}
		return checkStatus(resp.Payload)
	}
	return nil, fmt.Errorf("jtagice3: no matching response after repeated event frames")
}

// checkStatus inspects the first two bytes of a payload (scope,
// status) and returns the remainder on success, or a descriptive
// error mapping a failure sub-code, per spec.md §4.3a / §7.
func checkStatus(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("jtagice3: response too short for status")
	}
	status := payload[1]
	switch status {
	case RSP3OK, RSP3Data, RSP3Info, RSP3PC:
		return payload[2:], nil
	case RSP3Failed:
		if len(payload) < 3 {
			return nil, fmt.Errorf("jtagice3: RSP3_FAILED with no sub-code")
		}
		return nil, failureError(payload[2])
	default:
		return nil, fmt.Errorf("jtagice3: unrecognized status byte 0x%02X", status)
	}
}

func failureError(code byte) error {
	switch code {
	case FailOCDLocked:
		return ErrDeviceLocked
	case FailNoAnswer:
		return fmt.Errorf("jtagice3: no answer from target")
	case FailNoTargetPower:
		return fmt.Errorf("jtagice3: no target power")
	case FailNotUnderstood:
		return fmt.Errorf("jtagice3: command not understood")
	case FailWrongMode:
		return fmt.Errorf("jtagice3: wrong mode")
	case FailPDIFailure:
		return fmt.Errorf("jtagice3: PDI failure")
	case FailUnsupportedMem:
		return fmt.Errorf("jtagice3: unsupported memory")
	case FailWrongLength:
		return fmt.Errorf("jtagice3: wrong length")
	case FailDebugWireFailure:
		return fmt.Errorf("jtagice3: debugWIRE failure")
	case FailCRCFailure:
		return fmt.Errorf("jtagice3: CRC failure")
	default:
		return fmt.Errorf("jtagice3: failure sub-code 0x%02X", code)
	}
}

// ErrDeviceLocked is the soft-fail status of spec.md §7: device
// locked, chip erase required to unlock.
var ErrDeviceLocked = fmt.Errorf("jtagice3: device locked (OCD), chip erase required: %w", pgm.ErrDeviceLocked)
