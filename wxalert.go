package main

import (
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	wxEchoTTL      = 1 * time.Hour
	wxBulletinDest = "ALLWX"
)

// WeatherAlert is a structured alert as delivered by an external feed.
type WeatherAlert struct {
	Event       string    `json:"event"`
	Area        string    `json:"area"`
	SameCodes   []string  `json:"sameCodes"`
	Effective   time.Time `json:"effective"`
	Expires     time.Time `json:"expires"`
	Description string    `json:"description"`
	Instruction string    `json:"instruction"`
}

// wxTagRules maps event keywords to APRS bulletin tags, checked in order.
// The first keyword hit wins; BLN1WX is the generic fallback.
var wxTagRules = []struct {
	keywords []string
	tag      string
}{
	{[]string{"TORNADO"}, "BLN2TOR"},
	{[]string{"SEVERE THUNDERSTORM", "SEVERE T-STORM"}, "BLN3SVR"},
	{[]string{"FLOOD", "FLASH FLOOD"}, "BLN4FLD"},
	{[]string{"EMERGENCY", "CIVIL", "EVACUATION"}, "BLN9EMR"},
}

// wxBulletinTag selects the tag for an alert.
func wxBulletinTag(a *WeatherAlert) string {
	event := strings.ToUpper(a.Event)
	for _, rule := range wxTagRules {
		for _, kw := range rule.keywords {
			if strings.Contains(event, kw) {
				return rule.tag
			}
		}
	}
	return "BLN1WX"
}

// WeatherRepeater turns structured alerts into APRS bulletins and echoes
// external SAME-coded bulletins that cover configured areas.
type WeatherRepeater struct {
	nodeCall Callsign
	cm       *ChannelManager

	// SAME codes this node cares about, and the channels bulletins go
	// out on.
	mu           sync.Mutex
	sameCodes    map[string]bool
	digiChannels []string
	echoSeen     map[uint64]time.Time // payload hash -> first echo
	nm           *NodeMetrics
}

func NewWeatherRepeater(nodeCall Callsign, cm *ChannelManager, sameCodes []string, digiChannels []string) *WeatherRepeater {
	w := &WeatherRepeater{
		nodeCall:     nodeCall,
		cm:           cm,
		sameCodes:    make(map[string]bool),
		digiChannels: digiChannels,
		echoSeen:     make(map[uint64]time.Time),
	}
	for _, c := range sameCodes {
		w.sameCodes[strings.TrimSpace(c)] = true
	}
	if cm != nil {
		cm.OnFrame(w.handleFrame)
	}
	return w
}

func (w *WeatherRepeater) SetMetrics(nm *NodeMetrics) {
	w.mu.Lock()
	w.nm = nm
	w.mu.Unlock()
}

// BulletinPayloads renders the alert into ordered bulletin payload strings.
// Each carries the tag prefix; a SAME: trailer frame is appended when the
// codes did not fit in any body chunk.
func (w *WeatherRepeater) BulletinPayloads(a *WeatherAlert) []string {
	tag := wxBulletinTag(a)

	var body strings.Builder
	body.WriteString(a.Event)
	if a.Area != "" {
		body.WriteString(" for ")
		body.WriteString(a.Area)
	}
	if !a.Expires.IsZero() {
		body.WriteString(" until ")
		body.WriteString(a.Expires.Format("1504Z"))
	}
	if a.Description != "" {
		body.WriteString(". ")
		body.WriteString(a.Description)
	}
	if a.Instruction != "" {
		body.WriteString(" ")
		body.WriteString(a.Instruction)
	}

	// The tag and a space eat into the payload budget of every frame.
	budget := APRSMaxPayload - len(tag) - 1
	chunks := ChunkAPRSText(body.String(), budget)

	var payloads []string
	sameSeen := false
	for _, c := range chunks {
		if strings.Contains(c, "SAME:") {
			sameSeen = true
		}
		payloads = append(payloads, tag+" "+c)
	}
	if !sameSeen && len(a.SameCodes) > 0 {
		payloads = append(payloads, tag+" SAME:"+strings.Join(a.SameCodes, ","))
	}
	return payloads
}

// Broadcast transmits the alert as bulletins on every digipeat channel.
func (w *WeatherRepeater) Broadcast(a *WeatherAlert) int {
	payloads := w.BulletinPayloads(a)
	dest := MustCallsign(wxBulletinDest)

	w.mu.Lock()
	channels := append([]string(nil), w.digiChannels...)
	nm := w.nm
	w.mu.Unlock()

	sent := 0
	for _, ch := range channels {
		for _, p := range payloads {
			f := NewUIFrame(w.nodeCall, dest, nil, []byte(p))
			if w.cm.SendFrame(ch, f.Build()) {
				sent++
				if nm != nil {
					nm.wxBulletins.Inc()
				}
			}
		}
	}
	log.Printf("wx: %s -> %d frame(s) on %d channel(s)", a.Event, len(payloads), len(channels))
	return sent
}

// handleFrame echoes external SAME-coded bulletins covering our area, once
// per payload per hour, onto the digipeat channels only.
func (w *WeatherRepeater) handleFrame(ev FrameEvent) {
	f := ev.Frame
	if f.Type() != AX25FrameUI || len(f.Payload) == 0 {
		return
	}
	if f.Src().Callsign.BaseEqual(w.nodeCall) {
		return
	}
	payload := string(f.Payload)
	idx := strings.Index(payload, "SAME:")
	if idx < 0 {
		return
	}
	if !w.codesIntersect(payload[idx+len("SAME:"):]) {
		return
	}

	h := fnv.New64a()
	h.Write(f.Payload)
	key := h.Sum64()
	now := time.Now()

	w.mu.Lock()
	for k, t := range w.echoSeen {
		if now.Sub(t) > wxEchoTTL {
			delete(w.echoSeen, k)
		}
	}
	if _, seen := w.echoSeen[key]; seen {
		w.mu.Unlock()
		return
	}
	w.echoSeen[key] = now
	channels := append([]string(nil), w.digiChannels...)
	nm := w.nm
	w.mu.Unlock()

	echo := f.Build()
	for _, ch := range channels {
		if ch == ev.Channel {
			continue
		}
		if w.cm.SendFrame(ch, echo) && nm != nil {
			nm.wxEchoes.Inc()
		}
	}
}

// codesIntersect reports whether any SAME code in the comma-separated list
// is configured on this node.
func (w *WeatherRepeater) codesIntersect(list string) bool {
	// The code list ends at the first whitespace.
	if i := strings.IndexAny(list, " \r\n"); i >= 0 {
		list = list[:i]
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range strings.Split(list, ",") {
		if w.sameCodes[strings.TrimSpace(c)] {
			return true
		}
	}
	return false
}
