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

// Package config is the loader seam spec.md §1 names as an external
// collaborator ("the configuration-file parser and grammar") kept out
// of core scope. It builds the read-shared avrpart.Database and the
// Programmer registry once at process start, the same way the
// teacher's tools take a device path and baud rate as flags rather
// than parsing a config file (SPEC_FULL.md §2's "Configuration").
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/pdxjjb/avrhost/internal/avrpart"
	"github.com/pdxjjb/avrhost/internal/pgm"
)

// ProgrammerEntry binds one or more identifiers to a Backend
// constructor, mirroring spec.md §4.1's "configuration line
// 'programmer id=<id> type=<typename>' binds an identifier to a
// backend constructor. Multiple identifiers may alias one backend."
type ProgrammerEntry struct {
	Type string
	IDs  []string
	New  func() pgm.Backend
}

// Registry is the immutable, read-shared set of known parts and
// programmer constructors, built once at startup.
type Registry struct {
	Parts       *avrpart.Database
	Programmers []ProgrammerEntry
}

// Load builds the Registry from the built-in part table and the
// built-in programmer constructors registered by each engine package.
// The full external Programmer{}/Part{} configuration grammar of
// spec.md §6 is out of scope; this is the seam a future parser would
// populate instead.
func Load(entries []ProgrammerEntry) (*Registry, error) {
	db, err := avrpart.NewDatabase(avrpart.Builtin()...)
	if err != nil {
		return nil, fmt.Errorf("config: building part database: %w", err)
	}
	return &Registry{Parts: db, Programmers: entries}, nil
}

// FindProgrammer resolves an identifier to its registered entry.
func (r *Registry) FindProgrammer(id string) (*ProgrammerEntry, error) {
	for i := range r.Programmers {
		for _, pid := range r.Programmers[i].IDs {
			if pid == id {
				return &r.Programmers[i], nil
			}
		}
	}
	return nil, fmt.Errorf("config: unknown programmer id %q", id)
}

// FindPart resolves a part name.
func (r *Registry) FindPart(name string) (*avrpart.Part, error) {
	p := r.Parts.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("config: unknown part %q", name)
	}
	return p, nil
}

// NewLogger builds the process-wide structured logger from the
// VERBOSE environment variable (0-4, spec.md §6), the one piece of
// environment input the system recognizes. Verbosity maps to logrus
// levels the way the teacher's tools map a "-d" debug flag to extra
// log.Printf output, generalized to five graduated levels instead of
// a single on/off switch.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	level := logrus.WarnLevel
	if v := os.Getenv("VERBOSE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			switch {
			case n <= 0:
				level = logrus.ErrorLevel
			case n == 1:
				level = logrus.WarnLevel
			case n == 2:
				level = logrus.InfoLevel
			case n == 3:
				level = logrus.DebugLevel
			default:
				level = logrus.TraceLevel
			}
		}
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}
