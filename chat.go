package main

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultChatMaxHistory = 100
	DefaultChatRatePerMin = 10
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomFull        = errors.New("room is full")
	ErrRoomPersistent  = errors.New("persistent rooms cannot be deleted")
	ErrBadPassword     = errors.New("incorrect room password")
	ErrBanned          = errors.New("banned from room")
	ErrMuted           = errors.New("muted in room")
	ErrNotInRoom       = errors.New("not joined to a room")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrChatRateLimited = errors.New("rate limit exceeded")
)

// ChatMessage is one message in a room or a private exchange.
type ChatMessage struct {
	ID        string    `json:"id"`
	Room      string    `json:"room,omitempty"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"` // private messages only
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced,omitempty"` // arrived via mesh sync
}

// ChatUser tracks a joined participant. Web users get history replay on
// join; radio users see live traffic only.
type ChatUser struct {
	Callsign Callsign
	Room     string
	Web      bool
	JoinedAt time.Time
	LastSeen time.Time
}

// ChatRoom holds room state. Moderation sets are keyed by callsign base.
type ChatRoom struct {
	Name       string
	Topic      string
	Creator    string // callsign base
	Password   string
	Persistent bool
	Capacity   int // 0 = unlimited
	CreatedAt  time.Time

	mods    map[string]bool
	banned  map[string]bool
	muted   map[string]bool
	history []*ChatMessage
}

// ChatEvent is delivered to subscribers for every state change.
type ChatEvent struct {
	Kind    string // room-created, room-deleted, user-joined, user-left, message-sent, private-message-sent
	Room    string
	User    string
	Message *ChatMessage
}

// ChatStats is a point-in-time summary for status surfaces.
type ChatStats struct {
	Rooms         int `json:"rooms"`
	Users         int `json:"users"`
	TotalMessages int `json:"totalMessages"`
}

// ChatManager is the keyboard-to-keyboard chat service. All state is in
// memory; an optional ChatLogger journals messages, and the sync layer
// replicates rooms across the mesh.
type ChatManager struct {
	mu         sync.RWMutex
	rooms      map[string]*ChatRoom
	users      map[string]*ChatUser // by callsign base
	maxHistory int
	totalMsgs  int

	limiter *CallsignRateLimiter
	logger  *ChatLogger
	nm      *NodeMetrics

	handlerMu sync.RWMutex
	handlers  []func(ChatEvent)
}

// NewChatManager creates the chat service with the default lobby room.
func NewChatManager(maxHistory int, logger *ChatLogger) *ChatManager {
	if maxHistory <= 0 {
		maxHistory = DefaultChatMaxHistory
	}
	m := &ChatManager{
		rooms:      make(map[string]*ChatRoom),
		users:      make(map[string]*ChatUser),
		maxHistory: maxHistory,
		limiter:    NewCallsignRateLimiter(DefaultChatRatePerMin),
		logger:     logger,
	}
	m.rooms["lobby"] = &ChatRoom{
		Name:       "lobby",
		Topic:      "General discussion",
		Persistent: true,
		CreatedAt:  time.Now(),
		mods:       make(map[string]bool),
		banned:     make(map[string]bool),
		muted:      make(map[string]bool),
	}
	return m
}

func (m *ChatManager) SetMetrics(nm *NodeMetrics) {
	m.mu.Lock()
	m.nm = nm
	m.mu.Unlock()
}

// OnEvent registers a handler for chat events.
func (m *ChatManager) OnEvent(h func(ChatEvent)) {
	m.handlerMu.Lock()
	m.handlers = append(m.handlers, h)
	m.handlerMu.Unlock()
}

func (m *ChatManager) emit(ev ChatEvent) {
	m.handlerMu.RLock()
	handlers := m.handlers
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func normalizeRoom(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CreateRoom creates a room. Persistent rooms survive emptiness.
func (m *ChatManager) CreateRoom(name string, creator Callsign, password string, capacity int, persistent bool) (*ChatRoom, error) {
	name = normalizeRoom(name)
	if name == "" {
		return nil, fmt.Errorf("room name required")
	}

	m.mu.Lock()
	if _, exists := m.rooms[name]; exists {
		m.mu.Unlock()
		return nil, ErrRoomExists
	}
	room := &ChatRoom{
		Name:       name,
		Creator:    creator.Base,
		Password:   password,
		Persistent: persistent,
		Capacity:   capacity,
		CreatedAt:  time.Now(),
		mods:       make(map[string]bool),
		banned:     make(map[string]bool),
		muted:      make(map[string]bool),
	}
	m.rooms[name] = room
	nm := m.nm
	count := len(m.rooms)
	m.mu.Unlock()

	if nm != nil {
		nm.chatRooms.Set(float64(count))
	}
	m.emit(ChatEvent{Kind: "room-created", Room: name, User: creator.String()})
	return room, nil
}

// DeleteRoom removes a room. Only the creator or a mod may delete, and
// persistent rooms are refused.
func (m *ChatManager) DeleteRoom(name string, by Callsign) error {
	name = normalizeRoom(name)

	m.mu.Lock()
	room, exists := m.rooms[name]
	if !exists {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	if room.Persistent {
		m.mu.Unlock()
		return ErrRoomPersistent
	}
	if !m.canModerateLocked(room, by) {
		m.mu.Unlock()
		return ErrNotAuthorized
	}
	delete(m.rooms, name)
	for _, u := range m.users {
		if u.Room == name {
			u.Room = ""
		}
	}
	nm := m.nm
	count := len(m.rooms)
	m.mu.Unlock()

	if nm != nil {
		nm.chatRooms.Set(float64(count))
	}
	m.emit(ChatEvent{Kind: "room-deleted", Room: name, User: by.String()})
	return nil
}

// JoinRoom joins a user, leaving any current room first. Web users get the
// history tail back for replay; radio users get nil to avoid flooding a
// narrow channel.
func (m *ChatManager) JoinRoom(name string, c Callsign, password string, web bool) ([]*ChatMessage, error) {
	name = normalizeRoom(name)

	m.mu.Lock()
	room, exists := m.rooms[name]
	if !exists {
		m.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	if room.banned[c.Base] {
		m.mu.Unlock()
		return nil, ErrBanned
	}
	if room.Password != "" && room.Password != password {
		m.mu.Unlock()
		return nil, ErrBadPassword
	}
	if room.Capacity > 0 && m.roomPopulationLocked(name) >= room.Capacity {
		nm := m.nm
		m.mu.Unlock()
		if nm != nil {
			nm.chatRoomFull.Inc()
		}
		return nil, ErrRoomFull
	}

	prev := ""
	user := m.users[c.Base]
	if user != nil && user.Room != "" && user.Room != name {
		prev = user.Room
	}
	now := time.Now()
	if user == nil {
		user = &ChatUser{Callsign: c, JoinedAt: now}
		m.users[c.Base] = user
	}
	user.Room = name
	user.Web = web
	user.LastSeen = now

	var history []*ChatMessage
	if web {
		history = append(history, room.history...)
	}
	nm := m.nm
	userCount := len(m.users)
	m.mu.Unlock()

	if prev != "" {
		m.leaveInternal(prev, c)
	}
	if nm != nil {
		nm.chatUsers.Set(float64(userCount))
	}
	m.emit(ChatEvent{Kind: "user-joined", Room: name, User: c.String()})
	return history, nil
}

// LeaveRoom removes the user from their current room. Empty non-persistent
// rooms are deleted.
func (m *ChatManager) LeaveRoom(c Callsign) error {
	m.mu.Lock()
	user := m.users[c.Base]
	if user == nil || user.Room == "" {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	room := user.Room
	delete(m.users, c.Base)
	nm := m.nm
	userCount := len(m.users)
	m.mu.Unlock()

	if nm != nil {
		nm.chatUsers.Set(float64(userCount))
	}
	m.limiter.Remove(c)
	m.leaveInternal(room, c)
	return nil
}

func (m *ChatManager) leaveInternal(roomName string, c Callsign) {
	m.emit(ChatEvent{Kind: "user-left", Room: roomName, User: c.String()})

	m.mu.Lock()
	room, exists := m.rooms[roomName]
	deleted := false
	if exists && !room.Persistent && m.roomPopulationLocked(roomName) == 0 {
		delete(m.rooms, roomName)
		deleted = true
	}
	nm := m.nm
	count := len(m.rooms)
	m.mu.Unlock()

	if deleted {
		if nm != nil {
			nm.chatRooms.Set(float64(count))
		}
		m.emit(ChatEvent{Kind: "room-deleted", Room: roomName, User: ""})
	}
}

func (m *ChatManager) roomPopulationLocked(roomName string) int {
	n := 0
	for _, u := range m.users {
		if u.Room == roomName {
			n++
		}
	}
	return n
}

// SendMessage posts a message from a joined user to their room.
func (m *ChatManager) SendMessage(c Callsign, text string) (*ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}

	m.mu.Lock()
	user := m.users[c.Base]
	if user == nil || user.Room == "" {
		m.mu.Unlock()
		return nil, ErrNotInRoom
	}
	room := m.rooms[user.Room]
	if room == nil {
		m.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	if room.muted[c.Base] {
		m.mu.Unlock()
		return nil, ErrMuted
	}
	nm := m.nm
	m.mu.Unlock()

	if !m.limiter.Allow(c) {
		if nm != nil {
			nm.chatRateLimited.Inc()
		}
		return nil, ErrChatRateLimited
	}

	msg := &ChatMessage{
		ID:        uuid.New().String(),
		Room:      room.Name,
		Sender:    c.String(),
		Text:      text,
		Timestamp: time.Now(),
	}
	m.appendHistory(room.Name, msg)
	m.emit(ChatEvent{Kind: "message-sent", Room: room.Name, User: msg.Sender, Message: msg})
	return msg, nil
}

// AppendSynced stores a message that arrived via mesh sync. It is recorded
// and journaled but not re-emitted as message-sent, so it never loops back
// out through the sync layer.
func (m *ChatManager) AppendSynced(roomName string, msg *ChatMessage) error {
	roomName = normalizeRoom(roomName)

	m.mu.Lock()
	room := m.rooms[roomName]
	if room == nil {
		// Synced traffic for an unknown room creates it; the mesh is
		// authoritative for room existence.
		room = &ChatRoom{
			Name:       roomName,
			Persistent: true,
			CreatedAt:  time.Now(),
			mods:       make(map[string]bool),
			banned:     make(map[string]bool),
			muted:      make(map[string]bool),
		}
		m.rooms[roomName] = room
		if m.nm != nil {
			m.nm.chatRooms.Set(float64(len(m.rooms)))
		}
	}
	m.mu.Unlock()

	msg.Synced = true
	m.appendHistory(roomName, msg)
	return nil
}

func (m *ChatManager) appendHistory(roomName string, msg *ChatMessage) {
	m.mu.Lock()
	room := m.rooms[roomName]
	if room != nil {
		room.history = append(room.history, msg)
		if len(room.history) > m.maxHistory {
			room.history = room.history[len(room.history)-m.maxHistory:]
		}
	}
	m.totalMsgs++
	nm := m.nm
	logger := m.logger
	m.mu.Unlock()

	if nm != nil {
		nm.chatMessages.Inc()
	}
	if logger != nil {
		if err := logger.LogMessage(msg.Timestamp, roomName, msg.Sender, msg.Text, msg.Synced); err != nil {
			log.Printf("chat: log message: %v", err)
		}
	}
}

// SendPrivate delivers a direct message between two users. No room
// membership is required of the recipient.
func (m *ChatManager) SendPrivate(from, to Callsign, text string) (*ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}
	if !m.limiter.Allow(from) {
		m.mu.RLock()
		nm := m.nm
		m.mu.RUnlock()
		if nm != nil {
			nm.chatRateLimited.Inc()
		}
		return nil, ErrChatRateLimited
	}
	msg := &ChatMessage{
		ID:        uuid.New().String(),
		Sender:    from.String(),
		Recipient: to.String(),
		Text:      text,
		Timestamp: time.Now(),
	}
	m.emit(ChatEvent{Kind: "private-message-sent", User: msg.Sender, Message: msg})
	return msg, nil
}

// SetTopic sets or clears the room topic. Mods and the creator only.
func (m *ChatManager) SetTopic(roomName string, by Callsign, topic string) error {
	roomName = normalizeRoom(roomName)
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[roomName]
	if room == nil {
		return ErrRoomNotFound
	}
	if !m.canModerateLocked(room, by) {
		return ErrNotAuthorized
	}
	room.Topic = topic
	return nil
}

// AddMod grants moderator rights. Creator only.
func (m *ChatManager) AddMod(roomName string, by, who Callsign) error {
	return m.setModLocked(roomName, by, who, true)
}

// RemoveMod revokes moderator rights. Creator only.
func (m *ChatManager) RemoveMod(roomName string, by, who Callsign) error {
	return m.setModLocked(roomName, by, who, false)
}

func (m *ChatManager) setModLocked(roomName string, by, who Callsign, grant bool) error {
	roomName = normalizeRoom(roomName)
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[roomName]
	if room == nil {
		return ErrRoomNotFound
	}
	if room.Creator != by.Base {
		return ErrNotAuthorized
	}
	if grant {
		room.mods[who.Base] = true
	} else {
		delete(room.mods, who.Base)
	}
	return nil
}

// Ban ejects a user from the room and blocks rejoining.
func (m *ChatManager) Ban(roomName string, by, who Callsign) error {
	roomName = normalizeRoom(roomName)
	m.mu.Lock()
	room := m.rooms[roomName]
	if room == nil {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	if !m.canModerateLocked(room, by) {
		m.mu.Unlock()
		return ErrNotAuthorized
	}
	room.banned[who.Base] = true
	user := m.users[who.Base]
	inRoom := user != nil && user.Room == roomName
	m.mu.Unlock()

	if inRoom {
		m.LeaveRoom(who)
	}
	return nil
}

// Mute silences a user in the room without ejecting them.
func (m *ChatManager) Mute(roomName string, by, who Callsign) error {
	return m.setMuted(roomName, by, who, true)
}

// Unmute lifts a mute.
func (m *ChatManager) Unmute(roomName string, by, who Callsign) error {
	return m.setMuted(roomName, by, who, false)
}

func (m *ChatManager) setMuted(roomName string, by, who Callsign, muted bool) error {
	roomName = normalizeRoom(roomName)
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[roomName]
	if room == nil {
		return ErrRoomNotFound
	}
	if !m.canModerateLocked(room, by) {
		return ErrNotAuthorized
	}
	if muted {
		room.muted[who.Base] = true
	} else {
		delete(room.muted, who.Base)
	}
	return nil
}

func (m *ChatManager) canModerateLocked(room *ChatRoom, c Callsign) bool {
	return room.Creator == c.Base || room.mods[c.Base]
}

// RoomInfo is a listing entry.
type RoomInfo struct {
	Name       string `json:"name"`
	Topic      string `json:"topic,omitempty"`
	Users      int    `json:"users"`
	Persistent bool   `json:"persistent"`
	Protected  bool   `json:"protected"`
}

// ListRooms returns room summaries sorted by name.
func (m *ChatManager) ListRooms() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for name, room := range m.rooms {
		out = append(out, RoomInfo{
			Name:       name,
			Topic:      room.Topic,
			Users:      m.roomPopulationLocked(name),
			Persistent: room.Persistent,
			Protected:  room.Password != "",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetRoomHistory returns the most recent limit messages, oldest first.
func (m *ChatManager) GetRoomHistory(roomName string, limit int) ([]*ChatMessage, error) {
	roomName = normalizeRoom(roomName)
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[roomName]
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if limit <= 0 || limit > m.maxHistory {
		limit = m.maxHistory
	}
	h := room.history
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]*ChatMessage(nil), h...), nil
}

// MessagesSince returns room messages newer than t, up to limit, for the
// sync layer's periodic exchange.
func (m *ChatManager) MessagesSince(roomName string, t time.Time, limit int) []*ChatMessage {
	roomName = normalizeRoom(roomName)
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[roomName]
	if room == nil {
		return nil
	}
	var out []*ChatMessage
	for _, msg := range room.history {
		if msg.Timestamp.After(t) {
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// HasMessage reports whether a message ID is already in the room history.
func (m *ChatManager) HasMessage(roomName, id string) bool {
	roomName = normalizeRoom(roomName)
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[roomName]
	if room == nil {
		return false
	}
	for _, msg := range room.history {
		if msg.ID == id {
			return true
		}
	}
	return false
}

// RoomNames returns all room names.
func (m *ChatManager) RoomNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GetStats summarizes current usage.
func (m *ChatManager) GetStats() ChatStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ChatStats{
		Rooms:         len(m.rooms),
		Users:         len(m.users),
		TotalMessages: m.totalMsgs,
	}
}
