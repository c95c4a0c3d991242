package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFingerprintIgnoresViaPath(t *testing.T) {
	src := MustCallsign("N0CALL-1")
	dest := MustCallsign("APRS")
	fresh := NewUIFrame(src, dest, []Callsign{MustCallsign("WIDE2-2")}, []byte("!test"))
	serviced := NewUIFrame(src, dest, []Callsign{MustCallsign("WIDE2-1")}, []byte("!test"))
	other := NewUIFrame(src, dest, nil, []byte("!other"))

	assert.Equal(t, Fingerprint(fresh), Fingerprint(serviced))
	assert.NotEqual(t, Fingerprint(fresh), Fingerprint(other))
}

func TestSeenCacheCheckAndRecord(t *testing.T) {
	c := NewSeenCache()
	src := MustCallsign("N0CALL")

	assert.False(t, c.CheckAndRecord(1, src))
	assert.True(t, c.CheckAndRecord(1, src))
	assert.False(t, c.CheckAndRecord(2, src))
	assert.Equal(t, 2, c.Len())
}

func TestSeenCacheTTLExpiry(t *testing.T) {
	c := NewSeenCache()
	c.SetTTL(10 * time.Millisecond)
	src := MustCallsign("N0CALL")

	require.False(t, c.CheckAndRecord(1, src))
	require.True(t, c.CheckAndRecord(1, src))

	time.Sleep(25 * time.Millisecond)
	assert.False(t, c.CheckAndRecord(1, src), "expired entry must not count as duplicate")

	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 0, c.Len())
}

func TestSeenCacheEviction(t *testing.T) {
	c := NewSeenCache()
	c.SetMaxEntries(3)
	src := MustCallsign("N0CALL")

	for fp := uint64(1); fp <= 4; fp++ {
		c.CheckAndRecord(fp, src)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 3, c.Len())
	// the oldest entry was evicted, so it reads as fresh again
	assert.False(t, c.CheckAndRecord(1, src))
}

func TestSeenCacheShrinkEvictsImmediately(t *testing.T) {
	c := NewSeenCache()
	src := MustCallsign("N0CALL")
	for fp := uint64(1); fp <= 10; fp++ {
		c.CheckAndRecord(fp, src)
	}
	c.SetMaxEntries(4)
	assert.Equal(t, 4, c.Len())
}

func TestSeenCacheUniqueStations(t *testing.T) {
	c := NewSeenCache()
	c.CheckAndRecord(1, MustCallsign("N0CALL-1"))
	c.CheckAndRecord(2, MustCallsign("N0CALL-1"))
	c.CheckAndRecord(3, MustCallsign("K4ABC"))
	assert.Equal(t, 2, c.UniqueStations())
}

func TestSeenCacheDuplicateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewSeenCache()
		src := MustCallsign("N0CALL")
		fps := rapid.SliceOfN(rapid.Uint64Range(0, 31), 1, 64).Draw(t, "fps")
		seen := make(map[uint64]bool)
		for _, fp := range fps {
			dup := c.CheckAndRecord(fp, src)
			if seen[fp] != dup {
				t.Fatalf("fp %d: want duplicate=%v got %v", fp, seen[fp], dup)
			}
			seen[fp] = true
		}
	})
}
