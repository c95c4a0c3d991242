package main

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ChannelRole determines a channel's digipeat policy.
type ChannelRole string

const (
	ChannelRoleWide   ChannelRole = "wide"
	ChannelRoleFillIn ChannelRole = "fill-in"
)

// IGateChannelID is the special route destination meaning "hand the frame to
// the external IGate collaborator" instead of a radio channel.
const IGateChannelID = "igate"

const recentFramesRingSize = 200

// Channel couples an adapter with its digipeat options and live status.
type Channel struct {
	ID                 string
	Name               string
	Adapter            ChannelAdapter
	Enabled            bool
	Mode               string // "mock", "kiss-serial", "kiss-tcp", "agw"
	Role               ChannelRole
	MaxWideN           int
	Callsign           Callsign // this channel's own digi callsign
	Aliases            []string // extra explicit aliases serviced on this channel
	AppendDigiCallsign bool
	IDOnRepeat         bool

	// Managed state, guarded by the manager's lock.
	connected bool
	lastError string
	decoder   *KISSDecoder
	sendQueue chan []byte
	rx, tx    int64
	digipeats int64
}

// matchOptions is the digi-callsign option list handed to
// ServiceAddressInBuffer for this channel.
func (ch *Channel) matchOptions() []string {
	opts := make([]string, 0, 1+len(ch.Aliases))
	if !ch.Callsign.IsZero() {
		opts = append(opts, ch.Callsign.String())
	}
	return append(opts, ch.Aliases...)
}

// ChannelStatus is the externally visible channel state.
type ChannelStatus struct {
	ID        string
	Name      string
	Mode      string
	Role      ChannelRole
	Enabled   bool
	Connected bool
	LastError string
	RX        int64
	TX        int64
	Digipeats int64
}

// FrameEvent is delivered to frame subscribers for every accepted frame.
type FrameEvent struct {
	Channel string
	Raw     []byte
	Frame   *AX25Frame
	Time    time.Time
}

// TxEvent is emitted whenever a frame is handed to a channel adapter.
type TxEvent struct {
	Channel string
	Raw     []byte
}

// IGateEvent carries a frame routed to the external IGate collaborator.
type IGateEvent struct {
	Channel string
	Raw     []byte
	Frame   *AX25Frame
}

// RawEvent reports bytes that arrived framed but failed AX.25 parsing.
type RawEvent struct {
	Channel string
	Data    []byte
	Err     error
}

// HeardEntry records when and where a station was last copied.
type HeardEntry struct {
	Callsign string    `json:"callsign"`
	Channel  string    `json:"channel"`
	Time     time.Time `json:"time"`
}

// ChannelManagerMetrics is a counters snapshot.
type ChannelManagerMetrics struct {
	RX                  int64
	TX                  int64
	DedupDrop           int64
	ParseFailures       int64
	Digipeats           int64
	ServicedWideBlocked int64
	MaxWideBlocked      int64
	FillInBlocked       int64
	UniqueStations      int
	SeenEntries         int
}

type routeKey struct {
	a, b string // normalized: sorted, except igate always second
}

type ingressChunk struct {
	channelID string
	data      []byte
}

// ChannelManager owns the channels, the dedup cache, path servicing and
// route fan-out. All frame ingress funnels through a single queue so map
// mutations and cache updates never race; per-channel transmit keeps FIFO
// order through a dedicated queue per adapter.
type ChannelManager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	routes   map[routeKey]struct{}
	seen     *SeenCache

	recent    [recentFramesRingSize]FrameEvent
	recentPos int
	recentLen int

	lastHeard map[string]HeardEntry

	metrics ChannelManagerMetrics
	nm      *NodeMetrics

	ingress  chan ingressChunk
	stopChan chan struct{}
	wg       sync.WaitGroup

	frameHandlers []func(FrameEvent)
	txHandlers    []func(TxEvent)
	igateHandlers []func(IGateEvent)
	rawHandlers   []func(RawEvent)
	errorHandlers []func(string, error)
}

func NewChannelManager() *ChannelManager {
	cm := &ChannelManager{
		channels:  make(map[string]*Channel),
		routes:    make(map[routeKey]struct{}),
		seen:      NewSeenCache(),
		lastHeard: make(map[string]HeardEntry),
		ingress:   make(chan ingressChunk, 256),
		stopChan:  make(chan struct{}),
	}
	cm.wg.Add(1)
	go cm.processLoop()
	return cm
}

// SetMetrics attaches the Prometheus collectors.
func (cm *ChannelManager) SetMetrics(nm *NodeMetrics) {
	cm.mu.Lock()
	cm.nm = nm
	cm.mu.Unlock()
}

func (cm *ChannelManager) OnFrame(h func(FrameEvent)) {
	cm.mu.Lock()
	cm.frameHandlers = append(cm.frameHandlers, h)
	cm.mu.Unlock()
}

func (cm *ChannelManager) OnTx(h func(TxEvent)) {
	cm.mu.Lock()
	cm.txHandlers = append(cm.txHandlers, h)
	cm.mu.Unlock()
}

func (cm *ChannelManager) OnIGate(h func(IGateEvent)) {
	cm.mu.Lock()
	cm.igateHandlers = append(cm.igateHandlers, h)
	cm.mu.Unlock()
}

func (cm *ChannelManager) OnRaw(h func(RawEvent)) {
	cm.mu.Lock()
	cm.rawHandlers = append(cm.rawHandlers, h)
	cm.mu.Unlock()
}

func (cm *ChannelManager) OnError(h func(string, error)) {
	cm.mu.Lock()
	cm.errorHandlers = append(cm.errorHandlers, h)
	cm.mu.Unlock()
}

// AddChannel registers a channel and opens its adapter when enabled.
func (cm *ChannelManager) AddChannel(ch *Channel) error {
	if ch.ID == "" || ch.ID == IGateChannelID {
		return fmt.Errorf("invalid channel id %q", ch.ID)
	}
	if ch.Adapter == nil {
		return fmt.Errorf("channel %s has no adapter", ch.ID)
	}
	if ch.MaxWideN < 1 || ch.MaxWideN > 7 {
		ch.MaxWideN = 2
	}
	if ch.Role == "" {
		ch.Role = ChannelRoleWide
	}

	cm.mu.Lock()
	if _, exists := cm.channels[ch.ID]; exists {
		cm.mu.Unlock()
		return fmt.Errorf("channel %s already exists", ch.ID)
	}
	ch.decoder = NewKISSDecoder()
	ch.sendQueue = make(chan []byte, 64)
	cm.channels[ch.ID] = ch
	nm := cm.nm
	cm.mu.Unlock()

	id := ch.ID
	ch.Adapter.OnData(func(b []byte) {
		select {
		case cm.ingress <- ingressChunk{channelID: id, data: b}:
		case <-cm.stopChan:
		}
	})
	ch.Adapter.OnOpen(func() { cm.setChannelStatus(id, true, "") })
	ch.Adapter.OnClose(func() { cm.setChannelStatus(id, false, "") })
	ch.Adapter.OnError(func(err error) {
		cm.setChannelStatus(id, false, err.Error())
		cm.emitError(id, err)
	})

	cm.wg.Add(1)
	go cm.sendLoop(ch)

	if nm != nil {
		nm.channelsActive.Inc()
	}
	if ch.Enabled {
		if err := ch.Adapter.Open(); err != nil {
			cm.setChannelStatus(id, false, err.Error())
			log.Printf("Channel Manager: open channel %s: %v", id, err)
		}
	}
	log.Printf("Channel Manager: added channel %s (%s, role=%s, maxWideN=%d)", ch.ID, ch.Mode, ch.Role, ch.MaxWideN)
	return nil
}

// RemoveChannel closes the adapter and drops the channel plus any routes
// touching it.
func (cm *ChannelManager) RemoveChannel(id string) bool {
	cm.mu.Lock()
	ch, ok := cm.channels[id]
	if !ok {
		cm.mu.Unlock()
		return false
	}
	delete(cm.channels, id)
	for k := range cm.routes {
		if k.a == id || k.b == id {
			delete(cm.routes, k)
		}
	}
	close(ch.sendQueue)
	nm := cm.nm
	cm.mu.Unlock()

	ch.Adapter.Close()
	if nm != nil {
		nm.channelsActive.Dec()
	}
	log.Printf("Channel Manager: removed channel %s", id)
	return true
}

// AddRoute links two channels for digipeat fan-out. Routes are unordered
// pairs; the igate pseudo-channel is destination-only. Duplicates are
// ignored.
func (cm *ChannelManager) AddRoute(from, to string) error {
	if from == to {
		return fmt.Errorf("route endpoints must differ")
	}
	if from == IGateChannelID {
		return fmt.Errorf("igate cannot be a route source")
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.routes[normalizeRoute(from, to)] = struct{}{}
	return nil
}

func (cm *ChannelManager) RemoveRoute(from, to string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	k := normalizeRoute(from, to)
	if _, ok := cm.routes[k]; !ok {
		return false
	}
	delete(cm.routes, k)
	return true
}

func normalizeRoute(a, b string) routeKey {
	if b == IGateChannelID {
		return routeKey{a: a, b: b}
	}
	if a == IGateChannelID {
		return routeKey{a: b, b: a}
	}
	if a > b {
		a, b = b, a
	}
	return routeKey{a: a, b: b}
}

// SendFrame queues a raw AX.25 frame for transmission on a channel. It
// reports false for an unknown or disabled channel instead of failing hard.
func (cm *ChannelManager) SendFrame(channelID string, frame []byte) bool {
	cm.mu.RLock()
	ch, ok := cm.channels[channelID]
	cm.mu.RUnlock()
	if !ok || !ch.Enabled {
		return false
	}
	cm.enqueue(ch, frame)
	return true
}

// APRSMessageParams describes a one-shot APRS message transmission.
type APRSMessageParams struct {
	From    Callsign
	To      Callsign
	Payload string
	Channel string
	Path    []Callsign
	MsgID   string
}

// SendAPRSMessage composes a UI frame carrying an APRS directed message and
// transmits it.
func (cm *ChannelManager) SendAPRSMessage(p APRSMessageParams) bool {
	payload := ComposeAPRSMessage(p.To, p.Payload, p.MsgID)
	f := NewUIFrame(p.From, MustCallsign("APRS"), p.Path, []byte(payload))
	return cm.SendFrame(p.Channel, f.Build())
}

// ListChannels returns status snapshots sorted by id.
func (cm *ChannelManager) ListChannels() []ChannelStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]ChannelStatus, 0, len(cm.channels))
	for _, ch := range cm.channels {
		out = append(out, ChannelStatus{
			ID:        ch.ID,
			Name:      ch.Name,
			Mode:      ch.Mode,
			Role:      ch.Role,
			Enabled:   ch.Enabled,
			Connected: ch.connected,
			LastError: ch.lastError,
			RX:        ch.rx,
			TX:        ch.tx,
			Digipeats: ch.digipeats,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetMetrics returns a counters snapshot.
func (cm *ChannelManager) GetMetrics() ChannelManagerMetrics {
	cm.mu.RLock()
	m := cm.metrics
	cm.mu.RUnlock()
	m.UniqueStations = cm.seen.UniqueStations()
	m.SeenEntries = cm.seen.Len()
	return m
}

// CleanupSeen sweeps expired dedup entries; the background GC calls this
// every ten seconds.
func (cm *ChannelManager) CleanupSeen() int {
	removed := cm.seen.Cleanup()
	cm.mu.RLock()
	nm := cm.nm
	cm.mu.RUnlock()
	if nm != nil {
		nm.uniqueStations.Set(float64(cm.seen.UniqueStations()))
	}
	return removed
}

func (cm *ChannelManager) SetSeenTTL(ttl time.Duration) { cm.seen.SetTTL(ttl) }
func (cm *ChannelManager) SetMaxSeenEntries(n int)      { cm.seen.SetMaxEntries(n) }

// LastHeard returns the most recent reception per station, newest first.
func (cm *ChannelManager) LastHeard() []HeardEntry {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]HeardEntry, 0, len(cm.lastHeard))
	for _, e := range cm.lastHeard {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out
}

// RecentFrames returns a restartable newest-first iterator over the bounded
// ring of accepted frames.
func (cm *ChannelManager) RecentFrames() func(yield func(FrameEvent) bool) {
	return func(yield func(FrameEvent) bool) {
		cm.mu.RLock()
		n := cm.recentLen
		pos := cm.recentPos
		snapshot := cm.recent
		cm.mu.RUnlock()
		for i := 0; i < n; i++ {
			idx := (pos - 1 - i + recentFramesRingSize) % recentFramesRingSize
			if !yield(snapshot[idx]) {
				return
			}
		}
	}
}

// Shutdown closes every adapter and stops the ingress loop.
func (cm *ChannelManager) Shutdown() {
	cm.mu.Lock()
	channels := make([]*Channel, 0, len(cm.channels))
	for _, ch := range cm.channels {
		channels = append(channels, ch)
	}
	cm.channels = make(map[string]*Channel)
	cm.mu.Unlock()

	for _, ch := range channels {
		ch.Adapter.Close()
		close(ch.sendQueue)
	}
	close(cm.stopChan)
	cm.wg.Wait()
}

func (cm *ChannelManager) setChannelStatus(id string, connected bool, lastError string) {
	cm.mu.Lock()
	ch, ok := cm.channels[id]
	if ok {
		ch.connected = connected
		if lastError != "" {
			ch.lastError = lastError
		}
	}
	nm := cm.nm
	cm.mu.Unlock()
	if ok && nm != nil {
		v := 0.0
		if connected {
			v = 1.0
		}
		nm.channelUp.WithLabelValues(id).Set(v)
	}
}

func (cm *ChannelManager) enqueue(ch *Channel, frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	defer func() {
		// Losing the race with RemoveChannel closing the queue is not
		// worth crashing over; the frame is simply dropped.
		recover()
	}()
	select {
	case ch.sendQueue <- cp:
	default:
		cm.emitError(ch.ID, fmt.Errorf("send queue full, frame dropped"))
		return
	}
	cm.mu.Lock()
	cm.metrics.TX++
	ch.tx++
	nm := cm.nm
	cm.mu.Unlock()
	if nm != nil {
		nm.framesSent.WithLabelValues(ch.ID).Inc()
	}
	cm.emitTx(TxEvent{Channel: ch.ID, Raw: cp})
}

// sendLoop drains one channel's queue, preserving submission order per
// channel while other channels transmit independently.
func (cm *ChannelManager) sendLoop(ch *Channel) {
	defer cm.wg.Done()
	for frame := range ch.sendQueue {
		if err := ch.Adapter.Send(frame); err != nil {
			cm.emitError(ch.ID, fmt.Errorf("send: %w", err))
		}
	}
}

// processLoop is the single ingress task: every adapter's bytes arrive here,
// so the dedup cache, the ring and the counters need no finer locking.
func (cm *ChannelManager) processLoop() {
	defer cm.wg.Done()
	for {
		select {
		case chunk := <-cm.ingress:
			cm.mu.RLock()
			ch, ok := cm.channels[chunk.channelID]
			cm.mu.RUnlock()
			if !ok {
				continue
			}
			for _, pkt := range ch.decoder.Feed(chunk.data) {
				if pkt.Command != KissCmdData {
					continue
				}
				cm.handleFrame(ch, pkt.Data)
			}
		case <-cm.stopChan:
			return
		}
	}
}

// handleFrame runs the receive pipeline for one de-framed AX.25 packet.
func (cm *ChannelManager) handleFrame(ch *Channel, raw []byte) {
	frame, err := ParseAX25(raw)
	if err != nil {
		cm.mu.Lock()
		cm.metrics.ParseFailures++
		nm := cm.nm
		cm.mu.Unlock()
		if nm != nil {
			nm.parseFailures.Inc()
		}
		cm.emitRaw(RawEvent{Channel: ch.ID, Data: raw, Err: err})
		return
	}

	fp := Fingerprint(frame)
	if cm.seen.CheckAndRecord(fp, frame.Src().Callsign) {
		cm.mu.Lock()
		cm.metrics.DedupDrop++
		nm := cm.nm
		cm.mu.Unlock()
		if nm != nil {
			nm.dedupDrops.Inc()
		}
		return
	}

	ev := FrameEvent{Channel: ch.ID, Raw: raw, Frame: frame, Time: time.Now()}

	cm.mu.Lock()
	cm.metrics.RX++
	ch.rx++
	cm.recent[cm.recentPos] = ev
	cm.recentPos = (cm.recentPos + 1) % recentFramesRingSize
	if cm.recentLen < recentFramesRingSize {
		cm.recentLen++
	}
	src := frame.Src().Callsign.String()
	cm.lastHeard[src] = HeardEntry{Callsign: src, Channel: ch.ID, Time: ev.Time}
	nm := cm.nm
	targets := cm.routeTargetsLocked(ch.ID)
	cm.mu.Unlock()

	if nm != nil {
		nm.framesReceived.WithLabelValues(ch.ID).Inc()
	}

	cm.emitFrame(ev)

	for _, to := range targets {
		cm.forward(ch, ev, to)
	}
}

func (cm *ChannelManager) routeTargetsLocked(from string) []string {
	var out []string
	for k := range cm.routes {
		switch {
		case k.a == from:
			out = append(out, k.b)
		case k.b == from:
			out = append(out, k.a)
		}
	}
	sort.Strings(out)
	return out
}

// forward applies path servicing and the digipeat guardrails for one route
// target, then queues the serviced frame.
func (cm *ChannelManager) forward(from *Channel, ev FrameEvent, targetID string) {
	if targetID == IGateChannelID {
		serviced := append([]byte(nil), ev.Raw...)
		ServiceAddressInBuffer(serviced, from.matchOptions())
		cm.emitIGate(IGateEvent{Channel: from.ID, Raw: serviced, Frame: ev.Frame})
		return
	}

	cm.mu.RLock()
	to, ok := cm.channels[targetID]
	nm := cm.nm
	cm.mu.RUnlock()
	if !ok || !to.Enabled {
		return
	}

	addr, outcome := FirstUnrepeatedDigi(ev.Raw)
	switch outcome {
	case ServiceNoDigis:
		return
	case ServiceAllRepeated:
		cm.mu.Lock()
		cm.metrics.ServicedWideBlocked++
		cm.mu.Unlock()
		if nm != nil {
			nm.wideBlocked.Inc()
		}
		return
	}

	if n, isWide := wideInfo(addr.Callsign); isWide {
		if n > to.MaxWideN {
			cm.mu.Lock()
			cm.metrics.MaxWideBlocked++
			cm.mu.Unlock()
			if nm != nil {
				nm.maxWideBlocked.Inc()
			}
			return
		}
	}
	if to.Role == ChannelRoleFillIn && frameHasWideAtLeast(ev.Frame, 2) {
		cm.mu.Lock()
		cm.metrics.FillInBlocked++
		cm.mu.Unlock()
		if nm != nil {
			nm.fillInBlocked.Inc()
		}
		return
	}

	serviced := append([]byte(nil), ev.Raw...)
	res := ServiceAddressInBuffer(serviced, to.matchOptions())
	explicitSlot := false
	switch res {
	case ServiceServiced:
		_, wide := wideInfo(addr.Callsign)
		explicitSlot = !wide
	case ServiceNoMatch:
		if ServiceFirstWide(serviced) != ServiceServiced {
			return
		}
	default:
		return
	}

	if explicitSlot && to.AppendDigiCallsign && !to.Callsign.IsZero() {
		if rebuilt, ok := insertRepeatedDigi(serviced, addr, to.Callsign); ok {
			serviced = rebuilt
		}
	}

	cm.mu.Lock()
	cm.metrics.Digipeats++
	to.digipeats++
	cm.mu.Unlock()
	if nm != nil {
		nm.digipeats.WithLabelValues(to.ID).Inc()
	}
	cm.enqueue(to, serviced)
}

// frameHasWideAtLeast reports whether any digi in the path is a WIDEn-N
// alias with n at or above the threshold. Fill-in digipeaters only repeat
// WIDE1-1 traffic.
func frameHasWideAtLeast(f *AX25Frame, n int) bool {
	for _, d := range f.Digis() {
		if wn, ok := wideInfo(d.Callsign); ok && wn >= n {
			return true
		}
	}
	return false
}

// insertRepeatedDigi places own as an already-repeated hop before the slot
// that accepted servicing. Frames already carrying the maximum number of
// repeaters pass through unchanged.
func insertRepeatedDigi(raw []byte, slot AX25Address, own Callsign) ([]byte, bool) {
	f, err := ParseAX25(raw)
	if err != nil || len(f.Digis()) >= AX25MaxRepeaters {
		return nil, false
	}
	idx := -1
	for i, d := range f.Digis() {
		if d.Callsign.Equal(slot.Callsign) {
			idx = i + 2
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	hop := NewAX25Address(own)
	hop.CH = true
	f.Addresses = append(f.Addresses[:idx], append([]AX25Address{hop}, f.Addresses[idx:]...)...)
	return f.Build(), true
}

func (cm *ChannelManager) emitFrame(ev FrameEvent) {
	cm.mu.RLock()
	handlers := cm.frameHandlers
	cm.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (cm *ChannelManager) emitTx(ev TxEvent) {
	cm.mu.RLock()
	handlers := cm.txHandlers
	cm.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (cm *ChannelManager) emitIGate(ev IGateEvent) {
	cm.mu.RLock()
	handlers := cm.igateHandlers
	cm.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (cm *ChannelManager) emitRaw(ev RawEvent) {
	cm.mu.RLock()
	handlers := cm.rawHandlers
	cm.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (cm *ChannelManager) emitError(channelID string, err error) {
	if DebugMode {
		log.Printf("Channel Manager: channel %s: %v", channelID, err)
	}
	cm.mu.RLock()
	handlers := cm.errorHandlers
	cm.mu.RUnlock()
	for _, h := range handlers {
		h(channelID, err)
	}
}
