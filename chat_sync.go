package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"
)

const (
	chatSyncProtocolVersion = "1.1.0"
	chatSyncMinProtocol     = "1.0.0"

	chatSyncInterval     = 30 * time.Second
	chatSyncSeenTTL      = 1 * time.Hour
	chatSyncRetryMax     = 3
	chatSyncRetrySpacing = 5 * time.Second
	chatSyncBatchLimit   = 100

	chatSyncTTLMessage = 5
	chatSyncTTLBatch   = 7
)

// ChatSyncPayload is the body of a chat-message or chat-sync mesh packet.
type ChatSyncPayload struct {
	Protocol    string         `json:"protocol"`
	RoomID      string         `json:"roomId"`
	Messages    []*ChatMessage `json:"messages"`
	Hashes      []string       `json:"hashes"`
	SourceNode  string         `json:"sourceNode"`
	VectorClock VectorClock    `json:"vectorClock"`
}

type syncRetry struct {
	packet   *MeshPacket
	attempts int
	nextTry  time.Time
}

// ChatSync replicates chat rooms across the mesh. Outbound messages are
// broadcast as they happen; a periodic pass ships anything a neighbor may
// have missed. Vector clocks arbitrate concurrent histories and a content
// hash keeps our own packets from looping back in.
type ChatSync struct {
	serverID string
	chat     *ChatManager
	mesh     MeshTransport

	mu           sync.Mutex
	clocks       map[string]VectorClock // by room
	seenMessages map[string]time.Time   // content hash -> first seen
	lastSync     map[string]time.Time   // by room
	retries      []syncRetry
	nm           *NodeMetrics

	minProtocol *goversion.Version
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewChatSync wires replication between a chat manager and a mesh
// transport. Call Start to begin the periodic exchange.
func NewChatSync(serverID string, chat *ChatManager, mesh MeshTransport) *ChatSync {
	minVer := goversion.Must(goversion.NewVersion(chatSyncMinProtocol))
	s := &ChatSync{
		serverID:     serverID,
		chat:         chat,
		mesh:         mesh,
		clocks:       make(map[string]VectorClock),
		seenMessages: make(map[string]time.Time),
		lastSync:     make(map[string]time.Time),
		minProtocol:  minVer,
		stop:         make(chan struct{}),
	}
	chat.OnEvent(s.handleChatEvent)
	mesh.OnData(s.handleMeshPacket)
	return s
}

func (s *ChatSync) SetMetrics(nm *NodeMetrics) {
	s.mu.Lock()
	s.nm = nm
	s.mu.Unlock()
}

// Start launches the periodic sync and retry loops.
func (s *ChatSync) Start() {
	go s.loop()
}

// Stop halts background work.
func (s *ChatSync) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// messageHash fingerprints a message so the same content is recognized no
// matter which node relays it.
func messageHash(m *ChatMessage, serverID string) string {
	h := sha256.New()
	h.Write([]byte(m.ID))
	h.Write([]byte{0})
	h.Write([]byte(serverID))
	h.Write([]byte{0})
	h.Write([]byte(m.Sender))
	h.Write([]byte{0})
	h.Write([]byte(m.Text))
	h.Write([]byte{0})
	h.Write([]byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// handleChatEvent broadcasts locally originated messages.
func (s *ChatSync) handleChatEvent(ev ChatEvent) {
	if ev.Kind != "message-sent" || ev.Message == nil || ev.Message.Synced {
		return
	}
	msg := ev.Message
	hash := messageHash(msg, s.serverID)

	s.mu.Lock()
	clock := s.clocks[ev.Room]
	if clock == nil {
		clock = make(VectorClock)
		s.clocks[ev.Room] = clock
	}
	clock.Increment(s.serverID)
	clockCopy := clock.Clone()
	s.seenMessages[hash] = time.Now()
	nm := s.nm
	s.mu.Unlock()

	payload := &ChatSyncPayload{
		Protocol:    chatSyncProtocolVersion,
		RoomID:      ev.Room,
		Messages:    []*ChatMessage{msg},
		Hashes:      []string{hash},
		SourceNode:  s.serverID,
		VectorClock: clockCopy,
	}
	packet, err := s.buildPacket("chat-message", payload, MeshPriorityHigh, chatSyncTTLMessage)
	if err != nil {
		log.Printf("chat sync: build packet: %v", err)
		return
	}
	if err := s.mesh.Broadcast(packet); err != nil {
		log.Printf("chat sync: broadcast failed, queuing retry: %v", err)
		s.queueRetry(packet)
		return
	}
	if nm != nil {
		nm.syncSent.Inc()
	}
}

func (s *ChatSync) buildPacket(kind string, payload *ChatSyncPayload, priority MeshPriority, ttl int) (*MeshPacket, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sync payload: %w", err)
	}
	return &MeshPacket{
		Kind:     kind,
		Source:   s.serverID,
		Data:     body,
		Priority: priority,
		TTL:      ttl,
	}, nil
}

func (s *ChatSync) queueRetry(packet *MeshPacket) {
	s.mu.Lock()
	s.retries = append(s.retries, syncRetry{
		packet:  packet,
		nextTry: time.Now().Add(chatSyncRetrySpacing),
	})
	s.mu.Unlock()
}

// handleMeshPacket admits remote chat traffic.
func (s *ChatSync) handleMeshPacket(p *MeshPacket) {
	if p.Kind != "chat-message" && p.Kind != "chat-sync" {
		return
	}
	if p.Source == s.serverID {
		// Our own broadcast looping back counts as a dedup, same as a
		// hash hit.
		s.mu.Lock()
		nm := s.nm
		s.mu.Unlock()
		if nm != nil {
			nm.syncDeduplicated.Inc()
		}
		return
	}

	var payload ChatSyncPayload
	if err := json.Unmarshal(p.Data, &payload); err != nil {
		log.Printf("chat sync: bad payload from %s: %v", p.Source, err)
		return
	}

	s.mu.Lock()
	nm := s.nm
	s.mu.Unlock()

	if !s.protocolCompatible(payload.Protocol) {
		if nm != nil {
			nm.syncVersionRejected.Inc()
		}
		log.Printf("chat sync: rejecting packet from %s (protocol %q)", payload.SourceNode, payload.Protocol)
		return
	}
	if nm != nil {
		nm.syncReceived.Inc()
	}

	for i, msg := range payload.Messages {
		hash := ""
		if i < len(payload.Hashes) {
			hash = payload.Hashes[i]
		} else {
			hash = messageHash(msg, payload.SourceNode)
		}
		s.admit(payload.RoomID, msg, hash, payload.VectorClock, nm)
	}
}

func (s *ChatSync) admit(room string, msg *ChatMessage, hash string, remote VectorClock, nm *NodeMetrics) {
	s.mu.Lock()
	if _, seen := s.seenMessages[hash]; seen {
		s.mu.Unlock()
		if nm != nil {
			nm.syncDeduplicated.Inc()
		}
		return
	}

	local := s.clocks[room]
	if local == nil {
		local = make(VectorClock)
		s.clocks[room] = local
	}
	// Accept unless our history strictly dominates: concurrent edits and
	// genuinely newer remote state both come through.
	if len(remote) > 0 && local.Dominates(remote) {
		s.mu.Unlock()
		if nm != nil {
			nm.syncClockRejected.Inc()
		}
		return
	}
	local.Merge(remote)
	s.seenMessages[hash] = time.Now()
	s.mu.Unlock()

	if s.chat.HasMessage(room, msg.ID) {
		if nm != nil {
			nm.syncDeduplicated.Inc()
		}
		return
	}
	if err := s.chat.AppendSynced(room, msg); err != nil {
		log.Printf("chat sync: append to %s: %v", room, err)
	}
}

func (s *ChatSync) protocolCompatible(v string) bool {
	if v == "" {
		return false
	}
	parsed, err := goversion.NewVersion(v)
	if err != nil {
		return false
	}
	return parsed.GreaterThanOrEqual(s.minProtocol)
}

func (s *ChatSync) loop() {
	syncTicker := time.NewTicker(chatSyncInterval)
	retryTicker := time.NewTicker(time.Second)
	defer syncTicker.Stop()
	defer retryTicker.Stop()

	for {
		select {
		case <-syncTicker.C:
			s.periodicSync()
			s.purgeSeen()
		case <-retryTicker.C:
			s.processRetries()
		case <-s.stop:
			return
		}
	}
}

// periodicSync ships recent history for every room so nodes that missed
// live broadcasts converge.
func (s *ChatSync) periodicSync() {
	for _, room := range s.chat.RoomNames() {
		s.mu.Lock()
		since := s.lastSync[room]
		s.mu.Unlock()

		msgs := s.chat.MessagesSince(room, since, chatSyncBatchLimit)
		// Only locally originated history is ours to offer.
		var outbound []*ChatMessage
		for _, m := range msgs {
			if !m.Synced {
				outbound = append(outbound, m)
			}
		}
		if len(outbound) == 0 {
			continue
		}

		hashes := make([]string, len(outbound))
		for i, m := range outbound {
			hashes[i] = messageHash(m, s.serverID)
		}

		s.mu.Lock()
		clock := s.clocks[room]
		if clock == nil {
			clock = make(VectorClock)
			s.clocks[room] = clock
		}
		clockCopy := clock.Clone()
		nm := s.nm
		s.mu.Unlock()

		payload := &ChatSyncPayload{
			Protocol:    chatSyncProtocolVersion,
			RoomID:      room,
			Messages:    outbound,
			Hashes:      hashes,
			SourceNode:  s.serverID,
			VectorClock: clockCopy,
		}
		packet, err := s.buildPacket("chat-sync", payload, MeshPriorityNormal, chatSyncTTLBatch)
		if err != nil {
			log.Printf("chat sync: build periodic packet: %v", err)
			continue
		}
		if err := s.mesh.Broadcast(packet); err != nil {
			log.Printf("chat sync: periodic broadcast for %s failed: %v", room, err)
			continue
		}
		if nm != nil {
			nm.syncSent.Inc()
		}
		s.mu.Lock()
		s.lastSync[room] = outbound[len(outbound)-1].Timestamp
		s.mu.Unlock()
	}
}

func (s *ChatSync) purgeSeen() {
	cutoff := time.Now().Add(-chatSyncSeenTTL)
	s.mu.Lock()
	for hash, t := range s.seenMessages {
		if t.Before(cutoff) {
			delete(s.seenMessages, hash)
		}
	}
	s.mu.Unlock()
}

func (s *ChatSync) processRetries() {
	now := time.Now()

	s.mu.Lock()
	var due []syncRetry
	var remaining []syncRetry
	for _, r := range s.retries {
		if r.nextTry.After(now) {
			remaining = append(remaining, r)
		} else {
			due = append(due, r)
		}
	}
	s.retries = remaining
	nm := s.nm
	s.mu.Unlock()

	for _, r := range due {
		if nm != nil {
			nm.syncRetries.Inc()
		}
		if err := s.mesh.Broadcast(r.packet); err != nil {
			r.attempts++
			if r.attempts >= chatSyncRetryMax {
				log.Printf("chat sync: dropping packet after %d retries: %v", r.attempts, err)
				continue
			}
			r.nextTry = now.Add(chatSyncRetrySpacing)
			s.mu.Lock()
			s.retries = append(s.retries, r)
			s.mu.Unlock()
			continue
		}
		if nm != nil {
			nm.syncSent.Inc()
		}
	}
}

// SeenCount reports the dedup window size, for status surfaces and tests.
func (s *ChatSync) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seenMessages)
}

// RecordSeen marks a hash as already handled. The outbound path uses it
// implicitly; tests use it to seed state.
func (s *ChatSync) RecordSeen(hash string) {
	s.mu.Lock()
	s.seenMessages[hash] = time.Now()
	s.mu.Unlock()
}
