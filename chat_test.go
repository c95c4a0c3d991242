package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChat() *ChatManager {
	return NewChatManager(0, nil)
}

func TestChatLobbyExists(t *testing.T) {
	m := newTestChat()
	rooms := m.ListRooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby", rooms[0].Name)
	assert.True(t, rooms[0].Persistent)
}

func TestChatJoinSendLeave(t *testing.T) {
	m := newTestChat()
	alice := MustCallsign("K4ABC")

	history, err := m.JoinRoom("lobby", alice, "", false)
	require.NoError(t, err)
	assert.Nil(t, history, "radio users get no replay")

	msg, err := m.SendMessage(alice, "hello all")
	require.NoError(t, err)
	assert.Equal(t, "lobby", msg.Room)
	assert.Equal(t, "K4ABC", msg.Sender)
	assert.NotEmpty(t, msg.ID)

	require.NoError(t, m.LeaveRoom(alice))
	assert.ErrorIs(t, m.LeaveRoom(alice), ErrNotInRoom)

	_, err = m.SendMessage(alice, "after leaving")
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestChatWebJoinReplaysHistory(t *testing.T) {
	m := newTestChat()
	alice := MustCallsign("K4ABC")
	_, err := m.JoinRoom("lobby", alice, "", false)
	require.NoError(t, err)
	_, err = m.SendMessage(alice, "first")
	require.NoError(t, err)
	_, err = m.SendMessage(alice, "second")
	require.NoError(t, err)

	history, err := m.JoinRoom("lobby", MustCallsign("W1XYZ"), "", true)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Text)
	assert.Equal(t, "second", history[1].Text)
}

func TestChatRoomLifecycle(t *testing.T) {
	m := newTestChat()
	alice := MustCallsign("K4ABC")

	_, err := m.CreateRoom("VHF-Net", alice, "", 0, false)
	require.NoError(t, err)
	_, err = m.CreateRoom("vhf-net", alice, "", 0, false)
	assert.ErrorIs(t, err, ErrRoomExists, "room names are case-insensitive")

	_, err = m.JoinRoom("VHF-NET", alice, "", false)
	require.NoError(t, err)

	// leaving empties the non-persistent room, which deletes it
	require.NoError(t, m.LeaveRoom(alice))
	_, err = m.JoinRoom("vhf-net", alice, "", false)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestChatPersistentRoomNotDeletable(t *testing.T) {
	m := newTestChat()
	assert.ErrorIs(t, m.DeleteRoom("lobby", MustCallsign("K4ABC")), ErrRoomPersistent)
}

func TestChatDeleteRoomAuthorization(t *testing.T) {
	m := newTestChat()
	alice := MustCallsign("K4ABC")
	mallory := MustCallsign("W1XYZ")
	_, err := m.CreateRoom("net", alice, "", 0, false)
	require.NoError(t, err)

	assert.ErrorIs(t, m.DeleteRoom("net", mallory), ErrNotAuthorized)
	require.NoError(t, m.AddMod("net", alice, mallory))
	assert.NoError(t, m.DeleteRoom("net", mallory))
}

func TestChatPasswordAndCapacity(t *testing.T) {
	m := newTestChat()
	nm := NewNodeMetrics()
	m.SetMetrics(nm)
	alice := MustCallsign("K4ABC")
	_, err := m.CreateRoom("private", alice, "secret", 1, false)
	require.NoError(t, err)

	_, err = m.JoinRoom("private", MustCallsign("W1XYZ"), "wrong", false)
	assert.ErrorIs(t, err, ErrBadPassword)

	_, err = m.JoinRoom("private", MustCallsign("W1XYZ"), "secret", false)
	require.NoError(t, err)
	_, err = m.JoinRoom("private", MustCallsign("N0DEF"), "secret", false)
	assert.ErrorIs(t, err, ErrRoomFull)

	// the refused join is counted
	families, err := nm.Gatherer().Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, flattenCounters(families)["packetnode_chat_room_full_total"])
}

func TestChatBanAndMute(t *testing.T) {
	m := newTestChat()
	alice := MustCallsign("K4ABC")
	bob := MustCallsign("W1XYZ")
	_, err := m.CreateRoom("net", alice, "", 0, true)
	require.NoError(t, err)
	_, err = m.JoinRoom("net", alice, "", false)
	require.NoError(t, err)
	_, err = m.JoinRoom("net", bob, "", false)
	require.NoError(t, err)

	require.NoError(t, m.Mute("net", alice, bob))
	_, err = m.SendMessage(bob, "can you hear me?")
	assert.ErrorIs(t, err, ErrMuted)
	require.NoError(t, m.Unmute("net", alice, bob))
	_, err = m.SendMessage(bob, "back again")
	assert.NoError(t, err)

	require.NoError(t, m.Ban("net", alice, bob))
	_, err = m.JoinRoom("net", MustCallsign("W1XYZ-7"), "", false)
	assert.ErrorIs(t, err, ErrBanned, "bans apply to the callsign base")
}

func TestChatModerationRequiresRights(t *testing.T) {
	m := newTestChat()
	alice := MustCallsign("K4ABC")
	bob := MustCallsign("W1XYZ")
	_, err := m.CreateRoom("net", alice, "", 0, true)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Mute("net", bob, alice), ErrNotAuthorized)
	assert.ErrorIs(t, m.SetTopic("net", bob, "hijack"), ErrNotAuthorized)
	assert.ErrorIs(t, m.AddMod("net", bob, bob), ErrNotAuthorized, "only the creator grants mod")

	require.NoError(t, m.SetTopic("net", alice, "Tuesday 2m net"))
	infos := m.ListRooms()
	for _, ri := range infos {
		if ri.Name == "net" {
			assert.Equal(t, "Tuesday 2m net", ri.Topic)
		}
	}
}

func TestChatRateLimit(t *testing.T) {
	m := newTestChat()
	alice := MustCallsign("K4ABC")
	_, err := m.JoinRoom("lobby", alice, "", false)
	require.NoError(t, err)

	for i := 0; i < DefaultChatRatePerMin; i++ {
		_, err := m.SendMessage(alice, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}
	_, err = m.SendMessage(alice, "one too many")
	assert.ErrorIs(t, err, ErrChatRateLimited)
}

func TestChatHistoryCap(t *testing.T) {
	m := NewChatManager(5, nil)
	alice := MustCallsign("K4ABC")
	_, err := m.JoinRoom("lobby", alice, "", false)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		m.AppendSynced("lobby", &ChatMessage{
			ID:        fmt.Sprintf("id-%d", i),
			Sender:    "W1XYZ",
			Text:      fmt.Sprintf("msg %d", i),
			Timestamp: time.Now(),
		})
	}
	history, err := m.GetRoomHistory("lobby", 0)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, "msg 3", history[0].Text)
	assert.Equal(t, "msg 7", history[4].Text)
}

func TestChatAppendSyncedCreatesRoom(t *testing.T) {
	m := newTestChat()
	var events []ChatEvent
	m.OnEvent(func(ev ChatEvent) { events = append(events, ev) })

	msg := &ChatMessage{ID: "remote-1", Sender: "W1XYZ", Text: "hi", Timestamp: time.Now()}
	require.NoError(t, m.AppendSynced("REGIONAL", msg))

	assert.True(t, msg.Synced)
	assert.True(t, m.HasMessage("regional", "remote-1"))
	assert.Empty(t, events, "synced messages never re-emit")
}

func TestChatMessagesSince(t *testing.T) {
	m := newTestChat()
	base := time.Now()
	for i := 0; i < 4; i++ {
		m.AppendSynced("lobby", &ChatMessage{
			ID:        fmt.Sprintf("id-%d", i),
			Sender:    "W1XYZ",
			Text:      fmt.Sprintf("msg %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	got := m.MessagesSince("lobby", base.Add(90*time.Second), 0)
	require.Len(t, got, 2)
	assert.Equal(t, "msg 2", got[0].Text)

	limited := m.MessagesSince("lobby", time.Time{}, 1)
	require.Len(t, limited, 1)
}

func TestChatStats(t *testing.T) {
	m := newTestChat()
	alice := MustCallsign("K4ABC")
	_, err := m.JoinRoom("lobby", alice, "", false)
	require.NoError(t, err)
	_, err = m.SendMessage(alice, "hi")
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 1, stats.TotalMessages)
}
