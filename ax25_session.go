package main

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Connected-mode AX.25 (v2.0, modulo-8). Each session is owned by a single
// goroutine keyed by (channel, remote base callsign); incoming frames, timer
// ticks and upper-layer send requests all funnel through its mailbox, so the
// V(S)/V(R) counters need no locks.

const (
	DefaultSessionInactivity = 300 * time.Second
	DefaultAckDelay          = 5 * time.Second
)

type sessionKey struct {
	channel    string
	remoteBase string
}

type sessionEventKind int

const (
	sessEvFrame sessionEventKind = iota
	sessEvSend
	sessEvAckTimer
	sessEvDisconnect
)

type sessionEvent struct {
	kind    sessionEventKind
	frame   *AX25Frame
	payload []byte
}

// AX25Session is one connected-mode link to a remote station.
type AX25Session struct {
	Channel string
	Local   Callsign
	Remote  Callsign // full callsign incl. SSID as heard in the SABM

	mgr     *AX25SessionManager
	mailbox chan sessionEvent

	// Owned by the session goroutine.
	vS          int
	vR          int
	remoteNR    int
	needsAck    bool
	rejSent     bool
	lastPayload []byte // most recent I-frame payload, for REJ recovery
	ackTimer    *time.Timer

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// Send queues payload for transmission as an I-frame.
func (s *AX25Session) Send(payload []byte) {
	s.post(sessionEvent{kind: sessEvSend, payload: payload})
}

// SendText is Send for line-oriented BBS traffic.
func (s *AX25Session) SendText(text string) {
	s.Send([]byte(text))
}

// Disconnect tears the session down, sending DM to the peer.
func (s *AX25Session) Disconnect() {
	s.post(sessionEvent{kind: sessEvDisconnect})
}

func (s *AX25Session) post(ev sessionEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.mailbox <- ev:
	default:
		// A wedged session should not block the frame plane.
		log.Printf("AX.25: session %s/%s mailbox full, event dropped", s.Channel, s.Remote)
	}
}

func (s *AX25Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// AX25SessionManager creates sessions on SABM and routes I/S/U traffic to
// them. It subscribes to the channel manager's frame events.
type AX25SessionManager struct {
	cm    *ChannelManager
	local Callsign

	mu       sync.RWMutex
	sessions map[sessionKey]*AX25Session

	inactivity time.Duration
	ackDelay   time.Duration
	sendDelay  time.Duration // per-frame pacing for slow TNCs (bbsDelayMs)

	connectHandlers []func(*AX25Session)
	dataHandlers    []func(*AX25Session, []byte)
	closeHandlers   []func(*AX25Session)

	nm *NodeMetrics
}

// NewAX25SessionManager wires the session engine to a channel manager.
// local is the callsign the node answers SABMs for (matched on base, so
// connects to any SSID reach the same service).
func NewAX25SessionManager(cm *ChannelManager, local Callsign) *AX25SessionManager {
	m := &AX25SessionManager{
		cm:         cm,
		local:      local,
		sessions:   make(map[sessionKey]*AX25Session),
		inactivity: DefaultSessionInactivity,
		ackDelay:   DefaultAckDelay,
	}
	cm.OnFrame(m.handleFrameEvent)
	return m
}

func (m *AX25SessionManager) SetMetrics(nm *NodeMetrics) {
	m.mu.Lock()
	m.nm = nm
	m.mu.Unlock()
}

// SetInactivityTimeout tunes the idle teardown limit.
func (m *AX25SessionManager) SetInactivityTimeout(d time.Duration) {
	if d > 0 {
		m.mu.Lock()
		m.inactivity = d
		m.mu.Unlock()
	}
}

// SetSendDelay paces outbound frames for TNCs that drop back-to-back
// packets.
func (m *AX25SessionManager) SetSendDelay(d time.Duration) {
	m.mu.Lock()
	m.sendDelay = d
	m.mu.Unlock()
}

func (m *AX25SessionManager) OnConnect(h func(*AX25Session)) {
	m.mu.Lock()
	m.connectHandlers = append(m.connectHandlers, h)
	m.mu.Unlock()
}

func (m *AX25SessionManager) OnData(h func(*AX25Session, []byte)) {
	m.mu.Lock()
	m.dataHandlers = append(m.dataHandlers, h)
	m.mu.Unlock()
}

func (m *AX25SessionManager) OnClose(h func(*AX25Session)) {
	m.mu.Lock()
	m.closeHandlers = append(m.closeHandlers, h)
	m.mu.Unlock()
}

// SessionCount reports live sessions.
func (m *AX25SessionManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Lookup finds the session for a channel and remote station, if any.
func (m *AX25SessionManager) Lookup(channel string, remote Callsign) (*AX25Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey{channel: channel, remoteBase: remote.Base}]
	return s, ok
}

// handleFrameEvent filters connected-mode frames addressed to the node.
func (m *AX25SessionManager) handleFrameEvent(ev FrameEvent) {
	f := ev.Frame
	if !f.Dest().Callsign.BaseEqual(m.local) {
		return
	}
	switch f.Type() {
	case AX25FrameUI, AX25FrameUnknownU:
		return
	}
	// Frames still in transit through a digi path are not for us yet.
	if _, out := FirstUnrepeatedDigi(ev.Raw); out == ServiceServiced {
		return
	}

	key := sessionKey{channel: ev.Channel, remoteBase: f.Src().Base}

	m.mu.Lock()
	s, exists := m.sessions[key]
	if !exists {
		if f.Type() != AX25FrameSABM {
			m.mu.Unlock()
			if f.Type() == AX25FrameDISC {
				m.sendControl(ev.Channel, f.Src().Callsign, AX25ControlDM)
			}
			return
		}
		s = &AX25Session{
			Channel:      ev.Channel,
			Local:        m.local,
			Remote:       f.Src().Callsign,
			mgr:          m,
			mailbox:      make(chan sessionEvent, 32),
			lastActivity: time.Now(),
		}
		m.sessions[key] = s
		nm := m.nm
		m.mu.Unlock()
		if nm != nil {
			nm.sessionsTotal.Inc()
			nm.sessionsActive.Set(float64(m.SessionCount()))
		}
		go s.run()
	} else {
		m.mu.Unlock()
	}

	s.post(sessionEvent{kind: sessEvFrame, frame: f})
}

// SweepInactive tears down sessions idle past the inactivity limit. The
// background task runs this every ten seconds.
func (m *AX25SessionManager) SweepInactive() int {
	m.mu.RLock()
	limit := m.inactivity
	var stale []*AX25Session
	for _, s := range m.sessions {
		s.mu.Lock()
		idle := time.Since(s.lastActivity)
		s.mu.Unlock()
		if idle > limit {
			stale = append(stale, s)
		}
	}
	nm := m.nm
	m.mu.RUnlock()
	for _, s := range stale {
		log.Printf("AX.25: session %s/%s idle, disconnecting", s.Channel, s.Remote)
		if nm != nil {
			nm.sessionTimeouts.Inc()
		}
		s.Disconnect()
	}
	return len(stale)
}

// Shutdown disconnects every session, sending DM where appropriate.
func (m *AX25SessionManager) Shutdown() {
	m.mu.RLock()
	sessions := make([]*AX25Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.Disconnect()
	}
}

func (m *AX25SessionManager) remove(s *AX25Session) {
	key := sessionKey{channel: s.Channel, remoteBase: s.Remote.Base}
	m.mu.Lock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
	nm := m.nm
	m.mu.Unlock()
	if nm != nil {
		nm.sessionsActive.Set(float64(m.SessionCount()))
	}
}

// buildFrame constructs an outbound frame to the session peer.
func (m *AX25SessionManager) buildFrame(channel string, remote Callsign, control byte, payload []byte, command bool) bool {
	f := &AX25Frame{
		Addresses: []AX25Address{NewAX25Address(remote), NewAX25Address(m.local)},
		Control:   control,
	}
	f.SetCommand(command)
	if f.Type() == AX25FrameI {
		f.PID = AX25PIDNoLayer3
		f.HasPID = true
		f.Payload = payload
	}
	m.mu.RLock()
	delay := m.sendDelay
	m.mu.RUnlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return m.cm.SendFrame(channel, f.Build())
}

func (m *AX25SessionManager) sendControl(channel string, remote Callsign, control byte) {
	m.buildFrame(channel, remote, control, nil, false)
}

// run is the session task: the only goroutine that touches the sequence
// state.
func (s *AX25Session) run() {
	defer func() {
		if s.ackTimer != nil {
			s.ackTimer.Stop()
		}
	}()

	for ev := range s.mailbox {
		switch ev.kind {
		case sessEvFrame:
			s.touch()
			if s.handleFrame(ev.frame) {
				return
			}
		case sessEvSend:
			s.touch()
			s.sendIFrame(ev.payload)
		case sessEvAckTimer:
			if s.needsAck {
				s.sendRR(false)
			}
		case sessEvDisconnect:
			s.teardown(true)
			return
		}
	}
}

// handleFrame applies the state machine; a true return means the session
// ended.
func (s *AX25Session) handleFrame(f *AX25Frame) bool {
	m := s.mgr
	switch f.Type() {
	case AX25FrameSABM:
		// First SABM and retransmitted SABM both answer UA mirroring
		// P/F; a fresh connect resets sequencing.
		ua := byte(AX25ControlUA)
		if f.PF() {
			ua = AX25ControlUAF
		}
		m.sendControl(s.Channel, s.Remote, ua)
		s.vS, s.vR, s.remoteNR = 0, 0, 0
		s.needsAck = false
		s.rejSent = false
		m.emitConnect(s)

	case AX25FrameI:
		ns := f.NS()
		s.remoteNR = f.NR()
		if ns == s.vR {
			s.vR = (ns + 1) % 8
			s.rejSent = false
			if m.metricsRef() != nil {
				m.metricsRef().iframesDelivered.Inc()
			}
			m.emitData(s, f.Payload)
			if f.PF() {
				s.sendRR(true)
			} else {
				s.scheduleAck()
			}
		} else {
			// Out of sequence: payload is not buffered, one REJ per
			// gap asks the peer to back up.
			if m.metricsRef() != nil {
				m.metricsRef().iframesRejected.Inc()
			}
			if !s.rejSent {
				s.sendREJ(f.PF())
				s.rejSent = true
			} else if f.PF() {
				s.sendRR(true)
			}
		}

	case AX25FrameRR, AX25FrameRNR:
		s.remoteNR = f.NR()
		if f.PF() && f.IsCommand() {
			s.sendRR(true)
		}

	case AX25FrameREJ:
		// Clamp V(S) back to what the peer expects and retransmit the
		// most recent I-frame; anything older is the BBS layer's
		// problem.
		s.remoteNR = f.NR()
		s.vS = f.NR()
		if s.lastPayload != nil {
			s.sendIFrame(s.lastPayload)
		}

	case AX25FrameDISC:
		m.sendControl(s.Channel, s.Remote, AX25ControlDM)
		s.teardown(false)
		return true

	case AX25FrameDM:
		s.teardown(false)
		return true
	}
	return false
}

func (s *AX25Session) sendIFrame(payload []byte) {
	control := byte(s.vS&0x07)<<1 | byte(s.vR&0x07)<<5
	s.mgr.buildFrame(s.Channel, s.Remote, control, payload, true)
	s.lastPayload = payload
	s.vS = (s.vS + 1) % 8
	s.needsAck = false // N(R) in the I-frame acknowledges received frames
	if s.ackTimer != nil {
		s.ackTimer.Stop()
	}
	s.touch()
}

func (s *AX25Session) sendRR(final bool) {
	control := byte(0x01) | byte(s.vR&0x07)<<5
	if final {
		control |= AX25ControlPFMask
	}
	s.mgr.buildFrame(s.Channel, s.Remote, control, nil, false)
	s.needsAck = false
}

func (s *AX25Session) sendREJ(final bool) {
	control := byte(0x01) | byte(AX25SupervisoryREJ)<<2 | byte(s.vR&0x07)<<5
	if final {
		control |= AX25ControlPFMask
	}
	s.mgr.buildFrame(s.Channel, s.Remote, control, nil, false)
}

// scheduleAck defers the RR so a burst of I-frames is answered once.
func (s *AX25Session) scheduleAck() {
	s.needsAck = true
	if s.ackTimer != nil {
		s.ackTimer.Stop()
	}
	s.ackTimer = time.AfterFunc(s.mgr.ackDelay, func() {
		s.post(sessionEvent{kind: sessEvAckTimer})
	})
}

func (s *AX25Session) teardown(sendDM bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if sendDM {
		s.mgr.sendControl(s.Channel, s.Remote, AX25ControlDM)
	}
	s.mgr.remove(s)
	s.mgr.emitClose(s)
}

func (m *AX25SessionManager) metricsRef() *NodeMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nm
}

func (m *AX25SessionManager) emitConnect(s *AX25Session) {
	m.mu.RLock()
	handlers := m.connectHandlers
	m.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (m *AX25SessionManager) emitData(s *AX25Session, payload []byte) {
	m.mu.RLock()
	handlers := m.dataHandlers
	m.mu.RUnlock()
	for _, h := range handlers {
		h(s, payload)
	}
}

func (m *AX25SessionManager) emitClose(s *AX25Session) {
	m.mu.RLock()
	handlers := m.closeHandlers
	m.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// String identifies the session in logs.
func (s *AX25Session) String() string {
	return fmt.Sprintf("%s/%s", s.Channel, s.Remote)
}
