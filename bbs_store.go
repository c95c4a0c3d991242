package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// BBSCategory classifies a stored message and drives its default expiry.
type BBSCategory string

const (
	CategoryPersonal  BBSCategory = "P"
	CategoryBulletin  BBSCategory = "B"
	CategoryTraffic   BBSCategory = "T"
	CategoryEmergency BBSCategory = "E"
	CategoryAnnounce  BBSCategory = "A"
)

// DefaultExpiry returns the retention period for the category.
func (c BBSCategory) DefaultExpiry() time.Duration {
	switch c {
	case CategoryPersonal:
		return 30 * 24 * time.Hour
	case CategoryBulletin:
		return 60 * 24 * time.Hour
	case CategoryTraffic:
		return 30 * 24 * time.Hour
	case CategoryEmergency:
		return 7 * 24 * time.Hour
	case CategoryAnnounce:
		return 90 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// BBSPriority orders message listings.
type BBSPriority string

const (
	PriorityHigh   BBSPriority = "H"
	PriorityNormal BBSPriority = "N"
	PriorityLow    BBSPriority = "L"
)

// BBSMessage is a stored message. MessageNumber is strictly increasing and
// unique within the store; cross-component references use it, never
// pointers.
type BBSMessage struct {
	MessageNumber int         `json:"messageNumber"`
	Sender        string      `json:"sender"`
	Recipient     string      `json:"recipient"`
	Subject       string      `json:"subject"`
	Content       string      `json:"content"`
	Category      BBSCategory `json:"category"`
	Priority      BBSPriority `json:"priority"`
	Tags          []string    `json:"tags,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	ExpiresAt     time.Time   `json:"expiresAt"`
	Read          bool        `json:"read"`
	ReadBy        []string    `json:"readBy,omitempty"`
	Size          int         `json:"size"`
	ReplyTo       int         `json:"replyTo,omitempty"`
}

var ErrMessageNotFound = errors.New("message not found")

const bbsSaveDebounce = 5 * time.Second

// BBSStore is the shared server-side message store. Mutations are
// single-writer under the lock; a debounced save flushes to the persistence
// collaborator five seconds after the last change.
type BBSStore struct {
	mu         sync.RWMutex
	messages   []*BBSMessage
	nextNumber int
	persist    *PersistentStore
	saveTimer  *time.Timer
	nm         *NodeMetrics
}

type bbsSnapshot struct {
	NextNumber int           `json:"nextNumber"`
	Messages   []*BBSMessage `json:"messages"`
}

// NewBBSStore loads any persisted messages and GCs expired ones. persist
// may be nil for a purely in-memory store (tests).
func NewBBSStore(persist *PersistentStore) (*BBSStore, error) {
	s := &BBSStore{
		nextNumber: 1,
		persist:    persist,
	}
	if persist != nil {
		var snap bbsSnapshot
		err := persist.Load(PersistKeyBBS, &snap)
		switch {
		case err == nil:
			s.messages = snap.Messages
			s.nextNumber = snap.NextNumber
			if s.nextNumber < 1 {
				s.nextNumber = 1
			}
			log.Printf("BBS: loaded %d messages, next number %d", len(s.messages), s.nextNumber)
		case errors.Is(err, os.ErrNotExist):
			// First run.
		default:
			return nil, fmt.Errorf("load BBS store: %w", err)
		}
	}
	s.gcLocked(time.Now())
	return s, nil
}

func (s *BBSStore) SetMetrics(nm *NodeMetrics) {
	s.mu.Lock()
	s.nm = nm
	s.mu.Unlock()
}

// AddMessage stores a message, assigning its number and category expiry,
// and schedules a save. The expiry may be pre-set by the caller.
func (s *BBSStore) AddMessage(m *BBSMessage) *BBSMessage {
	s.mu.Lock()
	s.gcLocked(time.Now())

	m.MessageNumber = s.nextNumber
	s.nextNumber++
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.Category == "" {
		m.Category = CategoryBulletin
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if m.ExpiresAt.IsZero() {
		m.ExpiresAt = m.Timestamp.Add(m.Category.DefaultExpiry())
	}
	m.Size = len(m.Content)
	s.messages = append(s.messages, m)
	nm := s.nm
	count := len(s.messages)
	s.mu.Unlock()

	if nm != nil {
		nm.bbsMessagesAdded.Inc()
		nm.bbsMessages.Set(float64(count))
	}
	s.scheduleSave()
	return m
}

// Get returns the message by number.
func (s *BBSStore) Get(n int) (*BBSMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.MessageNumber == n {
			return m, true
		}
	}
	return nil, false
}

// MarkAsRead flags the message read and appends the reader callsign.
func (s *BBSStore) MarkAsRead(n int, reader Callsign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.MessageNumber != n {
			continue
		}
		m.Read = true
		r := reader.String()
		found := false
		for _, rb := range m.ReadBy {
			if rb == r {
				found = true
				break
			}
		}
		if !found {
			m.ReadBy = append(m.ReadBy, r)
		}
		s.scheduleSaveLocked()
		return nil
	}
	return ErrMessageNotFound
}

// Delete removes the message by number.
func (s *BBSStore) Delete(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.MessageNumber == n {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			if s.nm != nil {
				s.nm.bbsMessages.Set(float64(len(s.messages)))
			}
			s.scheduleSaveLocked()
			return nil
		}
	}
	return ErrMessageNotFound
}

// Bulletins returns up to limit most recent non-personal messages, newest
// first.
func (s *BBSStore) Bulletins(limit int) []*BBSMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BBSMessage
	for _, m := range s.messages {
		if m.Category != CategoryPersonal {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageNumber > out[j].MessageNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PersonalFor lists personal messages addressed to any SSID of the callsign
// base, oldest first.
func (s *BBSStore) PersonalFor(c Callsign) []*BBSMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BBSMessage
	for _, m := range s.messages {
		if m.Category != CategoryPersonal {
			continue
		}
		rc, err := ParseCallsign(m.Recipient)
		if err != nil {
			continue
		}
		if rc.BaseEqual(c) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageNumber < out[j].MessageNumber })
	return out
}

// UnreadCountFor counts personal messages for the callsign base not yet
// read by any of its SSIDs.
func (s *BBSStore) UnreadCountFor(c Callsign) int {
	n := 0
	for _, m := range s.PersonalFor(c) {
		if !s.readByBase(m, c) {
			n++
		}
	}
	return n
}

func (s *BBSStore) readByBase(m *BBSMessage, c Callsign) bool {
	for _, r := range m.ReadBy {
		rc, err := ParseCallsign(r)
		if err == nil && rc.BaseEqual(c) {
			return true
		}
	}
	return false
}

// Count reports stored messages.
func (s *BBSStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// GC drops expired messages and returns how many were removed.
func (s *BBSStore) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gcLocked(time.Now())
}

func (s *BBSStore) gcLocked(now time.Time) int {
	kept := s.messages[:0]
	removed := 0
	for _, m := range s.messages {
		if now.After(m.ExpiresAt) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	if removed > 0 {
		if s.nm != nil {
			s.nm.bbsExpired.Add(float64(removed))
			s.nm.bbsMessages.Set(float64(len(s.messages)))
		}
		s.scheduleSaveLocked()
	}
	return removed
}

func (s *BBSStore) scheduleSave() {
	s.mu.Lock()
	s.scheduleSaveLocked()
	s.mu.Unlock()
}

func (s *BBSStore) scheduleSaveLocked() {
	if s.persist == nil {
		return
	}
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(bbsSaveDebounce, s.Flush)
}

// Flush writes the store immediately. In-memory state stays authoritative
// on failure; the next mutation reschedules the save.
func (s *BBSStore) Flush() {
	s.mu.RLock()
	persist := s.persist
	snap := bbsSnapshot{
		NextNumber: s.nextNumber,
		Messages:   append([]*BBSMessage(nil), s.messages...),
	}
	s.mu.RUnlock()
	if persist == nil {
		return
	}
	if err := persist.Save(PersistKeyBBS, snap); err != nil {
		log.Printf("BBS: save failed (will retry on next change): %v", err)
	}
}

// FormatListing renders one line of a message listing.
func (m *BBSMessage) FormatListing() string {
	flag := " "
	if m.Read {
		flag = "*"
	}
	subject := m.Subject
	if subject == "" {
		subject = firstLine(m.Content)
	}
	return fmt.Sprintf("%4d%s %s %-9s %-9s %s", m.MessageNumber, flag, m.Timestamp.Format("Jan02"), m.Sender, m.Recipient, subject)
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
