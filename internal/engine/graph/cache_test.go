package graph

import (
	"testing"
	"time"
)

func TestParseCache_ValidatesSizeAndModTime(t *testing.T) {
	c := NewParseCache(4)
	mod := time.Unix(1700000000, 0)
	c.Put("a.js", CachedFile{Size: 10, ModTime: mod, Requests: []string{"./b"}})

	f, ok := c.Get("a.js", 10, mod)
	if !ok || len(f.Requests) != 1 {
		t.Fatalf("expected hit, got %v %v", f, ok)
	}

	if _, ok := c.Get("a.js", 11, mod); ok {
		t.Fatal("size change must invalidate the entry")
	}
	if c.Len() != 0 {
		t.Fatalf("stale entry should be dropped, len=%d", c.Len())
	}

	c.Put("a.js", CachedFile{Size: 10, ModTime: mod})
	if _, ok := c.Get("a.js", 10, mod.Add(time.Second)); ok {
		t.Fatal("mtime change must invalidate the entry")
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 2 {
		t.Fatalf("stats = %d/%d, want 1/2", hits, misses)
	}
}

func TestParseCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewParseCache(2)
	mod := time.Unix(0, 0)
	c.Put("a", CachedFile{ModTime: mod})
	c.Put("b", CachedFile{ModTime: mod})
	c.Get("a", 0, mod)
	c.Put("c", CachedFile{ModTime: mod})

	if _, ok := c.Get("b", 0, mod); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get("a", 0, mod); !ok {
		t.Fatal("expected a to survive")
	}
	if _, ok := c.Get("c", 0, mod); !ok {
		t.Fatal("expected c to be present")
	}

	c.Evict("a")
	c.Evict("missing")
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestParseCache_ZeroCapacity(t *testing.T) {
	c := NewParseCache(0)
	c.Put("a", CachedFile{})
	c.Put("b", CachedFile{})
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}
