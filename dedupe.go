package main

import (
	"hash/fnv"
	"sync"
	"time"
)

// Duplicate suppression for the frame plane. A fingerprint covers source,
// destination and payload but not the via path, so the same packet heard
// again with a partially consumed path is still recognized. This mirrors
// classic digipeater practice: only a checksum is kept, and entries age out
// after a short TTL.

const (
	DefaultSeenTTL        = 30 * time.Second
	DefaultMaxSeenEntries = 10000
)

type seenEntry struct {
	expiry time.Time
	added  time.Time
	source string
}

// SeenCache records recently handled frames keyed by fingerprint.
// All methods are safe for concurrent use.
type SeenCache struct {
	mu         sync.Mutex
	entries    map[uint64]seenEntry
	ttl        time.Duration
	maxEntries int
	evictions  int64
}

func NewSeenCache() *SeenCache {
	return &SeenCache{
		entries:    make(map[uint64]seenEntry),
		ttl:        DefaultSeenTTL,
		maxEntries: DefaultMaxSeenEntries,
	}
}

// Fingerprint hashes source callsign+SSID, destination callsign+SSID and
// the payload of a parsed frame.
func Fingerprint(f *AX25Frame) uint64 {
	h := fnv.New64a()
	h.Write([]byte(f.Src().Callsign.String()))
	h.Write([]byte{0})
	h.Write([]byte(f.Dest().Callsign.String()))
	h.Write([]byte{0})
	h.Write(f.Payload)
	return h.Sum64()
}

// CheckAndRecord reports whether the fingerprint was already present and
// unexpired, and (re)records it either way with a fresh expiry.
func (c *SeenCache) CheckAndRecord(fp uint64, source Callsign) (duplicate bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fp]; ok && now.Before(e.expiry) {
		e.expiry = now.Add(c.ttl)
		c.entries[fp] = e
		return true
	}

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[fp] = seenEntry{
		expiry: now.Add(c.ttl),
		added:  now,
		source: source.String(),
	}
	return false
}

// evictOldestLocked removes the entry with the earliest insertion time.
func (c *SeenCache) evictOldestLocked() {
	var oldest uint64
	var oldestAt time.Time
	first := true
	for fp, e := range c.entries {
		if first || e.added.Before(oldestAt) {
			oldest, oldestAt, first = fp, e.added, false
		}
	}
	if !first {
		delete(c.entries, oldest)
		c.evictions++
	}
}

// Cleanup drops expired entries and returns how many were removed.
func (c *SeenCache) Cleanup() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for fp, e := range c.entries {
		if now.After(e.expiry) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// UniqueStations counts distinct source callsigns across live entries.
func (c *SeenCache) UniqueStations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(c.entries))
	for _, e := range c.entries {
		seen[e.source] = struct{}{}
	}
	return len(seen)
}

// SetTTL tunes the retention window for future entries.
func (c *SeenCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// SetMaxEntries tunes the capacity ceiling, evicting immediately if the
// cache is already over it.
func (c *SeenCache) SetMaxEntries(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.maxEntries = n
	for len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
	c.mu.Unlock()
}
