package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const (
	DefaultAlertCooldown = 4 * time.Hour
	DefaultAlertBurstMax = 10
)

// AlertReason tags why an alert record was last updated.
type AlertReason string

const (
	AlertReasonNewMessage AlertReason = "new_message"
	AlertReasonReminder   AlertReason = "reminder"
	AlertReasonRetrieved  AlertReason = "retrieved"
)

// AlertRecord tracks the alert history for one callsign base.
type AlertRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	Count     int         `json:"count"`
	Reason    AlertReason `json:"reason"`
}

// MessageAlerter notices stations on the air that have unread personal
// messages waiting and nudges them with a directed APRS message. Reminders
// are rate-limited per callsign until the messages are retrieved.
type MessageAlerter struct {
	nodeCall Callsign
	store    *BBSStore
	cm       *ChannelManager
	persist  *PersistentStore

	cooldown time.Duration
	burstMax int

	mu         sync.Mutex
	lastAlerts map[string]*AlertRecord // by callsign base
	nm         *NodeMetrics
}

func NewMessageAlerter(nodeCall Callsign, store *BBSStore, cm *ChannelManager, persist *PersistentStore) *MessageAlerter {
	a := &MessageAlerter{
		nodeCall:   nodeCall,
		store:      store,
		cm:         cm,
		persist:    persist,
		cooldown:   DefaultAlertCooldown,
		burstMax:   DefaultAlertBurstMax,
		lastAlerts: make(map[string]*AlertRecord),
	}
	a.load()
	if cm != nil {
		cm.OnFrame(a.handleFrame)
	}
	return a
}

func (a *MessageAlerter) SetMetrics(nm *NodeMetrics) {
	a.mu.Lock()
	a.nm = nm
	a.mu.Unlock()
}

func (a *MessageAlerter) SetCooldown(d time.Duration) {
	a.mu.Lock()
	a.cooldown = d
	a.mu.Unlock()
}

func (a *MessageAlerter) load() {
	if a.persist == nil {
		return
	}
	var records map[string]*AlertRecord
	err := a.persist.Load(PersistKeyActiveAlerts, &records)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("alerter: load state: %v", err)
		}
		return
	}
	a.lastAlerts = records
}

func (a *MessageAlerter) saveLocked() {
	if a.persist == nil {
		return
	}
	records := make(map[string]*AlertRecord, len(a.lastAlerts))
	for k, v := range a.lastAlerts {
		records[k] = v
	}
	go func() {
		if err := a.persist.Save(PersistKeyActiveAlerts, records); err != nil {
			log.Printf("alerter: save state: %v", err)
		}
	}()
}

// handleFrame fires a reminder when a station with unread mail is heard.
func (a *MessageAlerter) handleFrame(ev FrameEvent) {
	src := ev.Frame.Src().Callsign
	if src.BaseEqual(a.nodeCall) {
		return
	}
	unread := a.store.UnreadCountFor(src)
	if unread == 0 {
		return
	}
	a.alert(src, unread, AlertReasonReminder, ev.Channel)
}

// NotifyNewMessage alerts a recipient immediately when a message is posted
// for them. channel is where the poster was heard; the alert goes out there.
func (a *MessageAlerter) NotifyNewMessage(recipient Callsign, channel string) {
	unread := a.store.UnreadCountFor(recipient)
	if unread == 0 {
		unread = 1
	}
	a.alert(recipient, unread, AlertReasonNewMessage, channel)
}

func (a *MessageAlerter) alert(c Callsign, unread int, reason AlertReason, channel string) {
	now := time.Now()

	a.mu.Lock()
	rec := a.lastAlerts[c.Base]
	if rec == nil {
		rec = &AlertRecord{}
		a.lastAlerts[c.Base] = rec
	}
	if reason == AlertReasonReminder {
		if rec.Count >= a.burstMax {
			a.mu.Unlock()
			return
		}
		if !rec.Timestamp.IsZero() && now.Sub(rec.Timestamp) < a.cooldown {
			a.mu.Unlock()
			return
		}
	}
	rec.Timestamp = now
	rec.Count++
	rec.Reason = reason
	nm := a.nm
	a.saveLocked()
	a.mu.Unlock()

	text := fmt.Sprintf("You have %d unread message(s) on %s. Connect to read.", unread, a.nodeCall)
	sent := a.cm.SendAPRSMessage(APRSMessageParams{
		From:    a.nodeCall,
		To:      c,
		Payload: text,
		Channel: channel,
	})
	if sent && nm != nil {
		nm.alertsSent.WithLabelValues(string(reason)).Inc()
	}
	if DebugMode {
		log.Printf("alerter: %s alert to %s on %s (unread=%d sent=%v)", reason, c, channel, unread, sent)
	}
}

// MarkMessagesRetrieved clears the reminder state for a callsign after it
// reads its mail.
func (a *MessageAlerter) MarkMessagesRetrieved(c Callsign) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.lastAlerts[c.Base]
	if rec == nil {
		return
	}
	rec.Count = 0
	rec.Reason = AlertReasonRetrieved
	rec.Timestamp = time.Now()
	a.saveLocked()
}

// Housekeeping drops records idle past twice the cooldown. Run hourly.
func (a *MessageAlerter) Housekeeping() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-2 * a.cooldown)
	removed := 0
	for base, rec := range a.lastAlerts {
		if rec.Timestamp.Before(cutoff) {
			delete(a.lastAlerts, base)
			removed++
		}
	}
	if removed > 0 {
		a.saveLocked()
	}
	return removed
}
