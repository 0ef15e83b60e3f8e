package graph

import (
	"container/list"
	"sync"
	"time"
)

// CachedFile is what the builder remembers about a file between rebuilds.
type CachedFile struct {
	Size     int64
	ModTime  time.Time
	Hash     string
	Source   []byte
	Requests []string
	Globals  []string
}

// ParseCache is a size-bounded LRU of parsed files keyed by path. An entry
// is only returned while the file's size and mtime are unchanged.
//
//	cache := NewParseCache(4096)
//	if f, ok := cache.Get(path, info.Size(), info.ModTime()); ok { ... }
type ParseCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	hits     int
	misses   int
}

type cacheEntry struct {
	path string
	file CachedFile
}

// NewParseCache creates a cache; capacity <= 0 is normalised to 1.
func NewParseCache(capacity int) *ParseCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ParseCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *ParseCache) Get(path string, size int64, modTime time.Time) (CachedFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[path]
	if !ok {
		c.misses++
		return CachedFile{}, false
	}
	entry := el.Value.(*cacheEntry)
	if entry.file.Size != size || !entry.file.ModTime.Equal(modTime) {
		c.order.Remove(el)
		delete(c.items, path)
		c.misses++
		return CachedFile{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.file, true
}

func (c *ParseCache) Put(path string, file CachedFile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[path]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).file = file
		return
	}
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*cacheEntry).path)
		}
	}
	c.items[path] = c.order.PushFront(&cacheEntry{path: path, file: file})
}

// Evict drops path; no-op when absent.
func (c *ParseCache) Evict(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		c.order.Remove(el)
		delete(c.items, path)
	}
}

func (c *ParseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports hits and misses since creation.
func (c *ParseCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
