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

package pgm

// noPage is the sentinel cache key meaning "no page cached," per
// spec.md §4.2's "invalidation ... setting the key to the sentinel
// 'no page'."
const noPage = ^uint32(0)

type pageEntry struct {
	base uint32
	buf  []byte
}

// PagedCache masks per-byte round-trip latency by holding the last
// read page of flash and EEPROM per programmer session, keyed by
// memory name (spec.md §4.2). Every backend shares this one
// implementation rather than rolling its own.
type PagedCache struct {
	pages map[string]*pageEntry
}

func NewPagedCache() *PagedCache {
	return &PagedCache{pages: make(map[string]*pageEntry)}
}

// Lookup returns (value, true) if addr is covered by a currently
// valid cached page for mem, computing page_base = addr &^ (pageSize-1)
// as spec.md §4.2 specifies.
func (c *PagedCache) Lookup(memName string, pageSize int, addr uint32) (byte, bool) {
	e, ok := c.pages[memName]
	if !ok || e.base == noPage || pageSize <= 0 {
		return 0, false
	}
	base := addr &^ uint32(pageSize-1)
	if base != e.base {
		return 0, false
	}
	off := addr - base
	if int(off) >= len(e.buf) {
		return 0, false
	}
	return e.buf[off], true
}

// Fill installs a freshly read page as the cache contents for mem.
func (c *PagedCache) Fill(memName string, base uint32, buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.pages[memName] = &pageEntry{base: base, buf: cp}
}

// Invalidate marks mem's cached page invalid, per spec.md §4.2's
// write policy: "every paged_write and every page_erase invalidates
// the relevant cache."
func (c *PagedCache) Invalidate(memName string) {
	c.pages[memName] = &pageEntry{base: noPage}
}

// InvalidateRange invalidates mem's cache only if its cached page base
// falls within [addr, addr+n) -- the precise form Testable Property 6
// in spec.md §8 requires ("the page cache ... is invalid at every page
// whose base lies in [a, a+n)").
func (c *PagedCache) InvalidateRange(memName string, addr uint32, n int) {
	e, ok := c.pages[memName]
	if !ok || e.base == noPage {
		return
	}
	if e.base >= addr && e.base < addr+uint32(n) {
		c.Invalidate(memName)
	}
}

// InvalidateAll drops every cached page, called from Disable().
func (c *PagedCache) InvalidateAll() {
	c.pages = make(map[string]*pageEntry)
}
