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

// Command avrhost is the thin CLI surface of spec.md §6: a
// driver-loop front end over the PROGRAMMER abstraction. The command
// parser, hex/ELF file I/O, and interactive shell are named external
// collaborators out of core scope (spec.md §1); this binary registers
// every backend the module ships (dryrun, stk500v1/v2, jtagice3,
// updi, flip2) so the driver loop can drive any of them through the
// same -c/-p/-P flags.
//
// Grounded on exer/cex/main.go / emul/main.go's flag-based submain()
// convention.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/pdxjjb/avrhost/internal/config"
	"github.com/pdxjjb/avrhost/internal/driver"
	"github.com/pdxjjb/avrhost/internal/dryrun"
	"github.com/pdxjjb/avrhost/internal/flip2"
	"github.com/pdxjjb/avrhost/internal/jtagice3"
	"github.com/pdxjjb/avrhost/internal/pgm"
	"github.com/pdxjjb/avrhost/internal/stk500"
	"github.com/pdxjjb/avrhost/internal/transport"
	"github.com/pdxjjb/avrhost/internal/updi"
)

func main() {
	os.Exit(submain())
}

func submain() int {
	programmerID := flag.String("c", "dryrun", "programmer id (dryrun, stk500v1, stk500v2, jtagice3, updi, flip2)")
	partName := flag.String("p", "ATmega328P", "part name")
	port := flag.String("P", "", "port: device path for serial engines, vid:pid hex for USB engines, unused by dryrun")
	noErase := flag.Bool("D", false, "disable auto chip-erase on a locked device")
	doVerify := flag.Bool("v", true, "verify after write")
	flag.Parse()
	args := flag.Args()

	log := config.NewLogger()

	registry, err := config.Load(builtinProgrammers())
	if err != nil {
		log.Errorf("loading configuration: %v", err)
		return driver.ExitGeneralFailure
	}

	part, err := registry.FindPart(*partName)
	if err != nil {
		log.Errorf("%v", err)
		return driver.ExitGeneralFailure
	}

	entry, err := registry.FindProgrammer(*programmerID)
	if err != nil {
		log.Errorf("%v", err)
		return driver.ExitGeneralFailure
	}

	p := pgm.New(entry.Type, entry.IDs, entry.New())
	if err := p.Setup(); err != nil {
		log.Errorf("setup: %v", err)
		return driver.ExitGeneralFailure
	}
	defer p.Teardown()
	if err := p.Open(*port); err != nil {
		log.Errorf("open %q: %v", *port, err)
		return driver.ExitGeneralFailure
	}
	defer p.Close()

	d := driver.New(p, part, log.WithField("part", part.Name), driver.Options{
		NoErase: *noErase,
		Verify:  *doVerify,
	})

	if len(args) == 0 {
		log.Error("no command given; usage: avrhost [flags] <enter-progmode|leave-progmode|chip-erase|read|write|verify|fuse|reset> ...")
		return driver.ExitGeneralFailure
	}

	return d.Run(func() error {
		return dispatch(d, args[0], args[1:])
	})
}

// builtinProgrammers registers the programmer constructors this
// binary ships without a configuration file, per spec.md §4.1's
// "Multiple identifiers may alias one backend."
func builtinProgrammers() []config.ProgrammerEntry {
	return []config.ProgrammerEntry{
		{
			Type: "dryrun",
			IDs:  []string{"dryrun", "dr"},
			New:  func() pgm.Backend { return dryrun.New(false, false) },
		},
		{
			Type: "stk500v1",
			IDs:  []string{"stk500v1", "stk500"},
			New: func() pgm.Backend {
				return stk500.NewBackend(transport.NewSerialTransport(115200), stk500.V1)
			},
		},
		{
			Type: "stk500v2",
			IDs:  []string{"stk500v2"},
			New: func() pgm.Backend {
				return stk500.NewBackend(transport.NewSerialTransport(115200), stk500.V2)
			},
		},
		{
			Type: "jtagice3",
			IDs:  []string{"jtagice3", "edbg", "pkob4"},
			New: func() pgm.Backend {
				return jtagice3.NewBackend(&transport.USBBulkTransport{}, 512, false)
			},
		},
		{
			Type: "jtagice3-hv",
			IDs:  []string{"jtagice3-updi-hv"},
			New: func() pgm.Backend {
				return jtagice3.NewBackend(&transport.USBBulkTransport{}, 512, true)
			},
		},
		{
			Type: "updi",
			IDs:  []string{"updi", "serialupdi"},
			New: func() pgm.Backend {
				return updi.NewBackend(transport.NewSerialTransport(225000), 225000, updi.V3, 0x1000)
			},
		},
		{
			Type: "flip2",
			IDs:  []string{"flip2", "dfu"},
			New: func() pgm.Backend {
				return flip2.NewBackend()
			},
		},
	}
}

func dispatch(d *driver.Driver, cmd string, rest []string) error {
	switch cmd {
	case "enter-progmode":
		return d.Pgm.Backend.ProgramEnable(d.Part)
	case "leave-progmode":
		return d.Pgm.Backend.Disable()
	case "chip-erase":
		return d.ChipErase()
	case "reset":
		return d.Pgm.Backend.TermKeepAlive(d.Part)
	case "read":
		if len(rest) < 1 {
			return fmt.Errorf("usage: read <memname> (reads the whole memory)")
		}
		mem := d.Part.FindMemory(rest[0])
		if mem == nil {
			return fmt.Errorf("no memory %q on %s", rest[0], d.Part.Name)
		}
		data, err := d.ReadMemory(mem, 0, mem.Size)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(data))
		return nil
	case "write":
		if len(rest) < 2 {
			return fmt.Errorf("usage: write <memname> <hex> (writes from address 0)")
		}
		mem := d.Part.FindMemory(rest[0])
		if mem == nil {
			return fmt.Errorf("no memory %q on %s", rest[0], d.Part.Name)
		}
		data, err := hex.DecodeString(rest[1])
		if err != nil {
			return fmt.Errorf("decoding hex payload: %w", err)
		}
		return d.WriteMemory(mem, 0, data)
	case "verify":
		if len(rest) < 2 {
			return fmt.Errorf("usage: verify <memname> <hex>")
		}
		mem := d.Part.FindMemory(rest[0])
		if mem == nil {
			return fmt.Errorf("no memory %q on %s", rest[0], d.Part.Name)
		}
		data, err := hex.DecodeString(rest[1])
		if err != nil {
			return fmt.Errorf("decoding hex payload: %w", err)
		}
		return d.VerifyMemory(mem, 0, data)
	case "fuse":
		if len(rest) < 2 {
			return fmt.Errorf("usage: fuse read|write <fuseName> [hexvalue]")
		}
		mem := d.Part.FindMemory(rest[1])
		if mem == nil {
			return fmt.Errorf("no fuse memory %q on %s", rest[1], d.Part.Name)
		}
		if rest[0] == "read" {
			b, err := d.Pgm.Backend.ReadByte(d.Part, mem, 0)
			if err != nil {
				return err
			}
			fmt.Printf("%02X\n", b)
			return nil
		}
		if len(rest) < 3 {
			return fmt.Errorf("usage: fuse write <fuseName> <hexvalue>")
		}
		v, err := hex.DecodeString(rest[2])
		if err != nil || len(v) != 1 {
			return fmt.Errorf("fuse value must be one hex byte")
		}
		return d.ProgramFuse(mem, 0, v[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
