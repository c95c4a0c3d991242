package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestStore(t *testing.T) *BBSStore {
	t.Helper()
	s, err := NewBBSStore(nil)
	require.NoError(t, err)
	return s
}

func TestBBSStoreNumbersStrictlyIncrease(t *testing.T) {
	s := newTestStore(t)
	a := s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "first"})
	b := s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "second"})
	assert.Equal(t, 1, a.MessageNumber)
	assert.Equal(t, 2, b.MessageNumber)

	require.NoError(t, s.Delete(2))
	c := s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "third"})
	assert.Equal(t, 3, c.MessageNumber, "numbers are never reused")
}

func TestBBSStoreDefaults(t *testing.T) {
	s := newTestStore(t)
	m := s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "hello world"})
	assert.Equal(t, CategoryBulletin, m.Category)
	assert.Equal(t, PriorityNormal, m.Priority)
	assert.Equal(t, len("hello world"), m.Size)
	assert.False(t, m.Timestamp.IsZero())
	assert.Equal(t, m.Timestamp.Add(60*24*time.Hour), m.ExpiresAt)
}

func TestBBSStoreCategoryExpiry(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, CategoryPersonal.DefaultExpiry())
	assert.Equal(t, 60*24*time.Hour, CategoryBulletin.DefaultExpiry())
	assert.Equal(t, 7*24*time.Hour, CategoryEmergency.DefaultExpiry())
	assert.Equal(t, 90*24*time.Hour, CategoryAnnounce.DefaultExpiry())
}

func TestBBSStoreGCDropsExpired(t *testing.T) {
	s := newTestStore(t)
	s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "fresh"})
	s.AddMessage(&BBSMessage{
		Sender:    "N0CALL",
		Recipient: "ALL",
		Content:   "stale",
		ExpiresAt: time.Now().Add(-time.Hour),
	})

	assert.Equal(t, 1, s.GC())
	assert.Equal(t, 1, s.Count())
	_, ok := s.Get(2)
	assert.False(t, ok)
	_, ok = s.Get(1)
	assert.True(t, ok)
}

func TestBBSStoreMarkAsRead(t *testing.T) {
	s := newTestStore(t)
	m := s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "K4ABC", Category: CategoryPersonal, Content: "hi"})

	require.NoError(t, s.MarkAsRead(m.MessageNumber, MustCallsign("K4ABC-7")))
	require.NoError(t, s.MarkAsRead(m.MessageNumber, MustCallsign("K4ABC-7")))

	got, ok := s.Get(m.MessageNumber)
	require.True(t, ok)
	assert.True(t, got.Read)
	assert.Equal(t, []string{"K4ABC-7"}, got.ReadBy, "repeat reads are not duplicated")

	assert.ErrorIs(t, s.MarkAsRead(999, MustCallsign("K4ABC")), ErrMessageNotFound)
}

func TestBBSStorePersonalForMatchesAnySSID(t *testing.T) {
	s := newTestStore(t)
	s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "K4ABC-7", Category: CategoryPersonal, Content: "a"})
	s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "K4ABC", Category: CategoryPersonal, Content: "b"})
	s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "W1XYZ", Category: CategoryPersonal, Content: "c"})
	s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "bulletin"})

	personal := s.PersonalFor(MustCallsign("K4ABC-2"))
	require.Len(t, personal, 2)
	assert.Equal(t, "a", personal[0].Content, "personal listings run oldest first")
	assert.Equal(t, "b", personal[1].Content)
}

func TestBBSStoreUnreadCountTracksBase(t *testing.T) {
	s := newTestStore(t)
	m1 := s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "K4ABC", Category: CategoryPersonal, Content: "a"})
	s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "K4ABC-7", Category: CategoryPersonal, Content: "b"})

	assert.Equal(t, 2, s.UnreadCountFor(MustCallsign("K4ABC")))
	require.NoError(t, s.MarkAsRead(m1.MessageNumber, MustCallsign("K4ABC-2")))
	assert.Equal(t, 1, s.UnreadCountFor(MustCallsign("K4ABC")), "a read from any SSID counts")
}

func TestBBSStoreBulletinsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "b"})
	}
	s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "K4ABC", Category: CategoryPersonal, Content: "p"})

	bulletins := s.Bulletins(3)
	require.Len(t, bulletins, 3)
	assert.Equal(t, 5, bulletins[0].MessageNumber)
	assert.Equal(t, 3, bulletins[2].MessageNumber)
}

func TestBBSStorePersistsAcrossRestart(t *testing.T) {
	persist, err := NewPersistentStore(t.TempDir())
	require.NoError(t, err)

	s1, err := NewBBSStore(persist)
	require.NoError(t, err)
	s1.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Subject: "test", Content: "body"})
	s1.Flush()

	s2, err := NewBBSStore(persist)
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Count())
	m, ok := s2.Get(1)
	require.True(t, ok)
	assert.Equal(t, "test", m.Subject)

	next := s2.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "more"})
	assert.Equal(t, 2, next.MessageNumber, "numbering continues after reload")
}

func TestBBSStoreNumberingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, err := NewBBSStore(nil)
		if err != nil {
			t.Fatal(err)
		}
		n := rapid.IntRange(1, 30).Draw(t, "n")
		last := 0
		for i := 0; i < n; i++ {
			m := s.AddMessage(&BBSMessage{Sender: "N0CALL", Recipient: "ALL", Content: "x"})
			if m.MessageNumber <= last {
				t.Fatalf("number %d not above %d", m.MessageNumber, last)
			}
			last = m.MessageNumber
		}
	})
}

func TestFormatListing(t *testing.T) {
	m := &BBSMessage{
		MessageNumber: 7,
		Sender:        "N0CALL",
		Recipient:     "ALL",
		Subject:       "Meeting",
		Timestamp:     time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Read:          true,
	}
	assert.Equal(t, "   7* Mar14 N0CALL    ALL       Meeting", m.FormatListing())
}
