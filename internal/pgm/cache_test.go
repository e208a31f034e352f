package pgm

import "testing"

func TestPagedCacheLookupMiss(t *testing.T) {
	c := NewPagedCache()
	if _, ok := c.Lookup("flash", 128, 10); ok {
		t.Fatalf("expected cache miss on empty cache")
	}
}

func TestPagedCacheFillAndLookup(t *testing.T) {
	c := NewPagedCache()
	page := make([]byte, 128)
	for i := range page {
		page[i] = byte(i)
	}
	c.Fill("flash", 0, page)
	v, ok := c.Lookup("flash", 128, 10)
	if !ok || v != 10 {
		t.Fatalf("Lookup(10) = %d, %v, want 10, true", v, ok)
	}
	// A different page base must miss.
	if _, ok := c.Lookup("flash", 128, 200); ok {
		t.Fatalf("expected miss for address outside cached page")
	}
}

func TestPagedCacheInvalidateRange(t *testing.T) {
	c := NewPagedCache()
	c.Fill("flash", 256, make([]byte, 128))
	c.InvalidateRange("flash", 0, 64) // does not cover base 256
	if _, ok := c.Lookup("flash", 128, 256); !ok {
		t.Fatalf("page should still be valid, range did not overlap")
	}
	c.InvalidateRange("flash", 200, 64) // covers base 256
	if _, ok := c.Lookup("flash", 128, 256); ok {
		t.Fatalf("page should have been invalidated")
	}
}
