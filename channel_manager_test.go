package main

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(id string, role ChannelRole) (*Channel, *MockAdapter) {
	mock := NewSilentMockAdapter()
	return &Channel{
		ID:      id,
		Name:    id,
		Adapter: mock,
		Enabled: true,
		Mode:    "mock",
		Role:    role,
	}, mock
}

func TestChannelManagerDeliversFrames(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	ch, mock := newTestChannel("vhf", ChannelRoleWide)
	require.NoError(t, cm.AddChannel(ch))

	var mu sync.Mutex
	var got []FrameEvent
	cm.OnFrame(func(ev FrameEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	f := NewUIFrame(MustCallsign("N0CALL-1"), MustCallsign("APRS"), nil, []byte("!test"))
	mock.InjectFrame(f.Build())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "vhf", got[0].Channel)
	assert.True(t, got[0].Frame.Src().Callsign.Equal(MustCallsign("N0CALL-1")))
	assert.Equal(t, []byte("!test"), got[0].Frame.Payload)
}

func TestChannelManagerDigipeatAndDedup(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	chA, mockA := newTestChannel("vhf", ChannelRoleWide)
	chA.Callsign = MustCallsign("NA4WX-1")
	chB, mockB := newTestChannel("uhf", ChannelRoleWide)
	chB.Callsign = MustCallsign("NA4WX-2")
	require.NoError(t, cm.AddChannel(chA))
	require.NoError(t, cm.AddChannel(chB))
	require.NoError(t, cm.AddRoute("vhf", "uhf"))

	f := NewUIFrame(MustCallsign("N0CALL-1"), MustCallsign("APRS"),
		[]Callsign{MustCallsign("WIDE2-2")}, []byte("!test"))
	mockA.InjectFrame(f.Build())

	require.Eventually(t, func() bool {
		return len(mockB.Sent()) == 1
	}, time.Second, 5*time.Millisecond)

	out, err := ParseAX25(mockB.Sent()[0])
	require.NoError(t, err)
	digis := out.Digis()
	require.Len(t, digis, 1)
	assert.Equal(t, "WIDE2-1", digis[0].Callsign.String())
	assert.False(t, digis[0].CH, "one hop remains, H bit must stay clear")

	// the same copy heard again is a dedup drop, not a second repeat
	mockA.InjectFrame(f.Build())
	require.Eventually(t, func() bool {
		return cm.GetMetrics().DedupDrop == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, mockB.Sent(), 1)
}

func TestChannelManagerFillInBlocksWideTwo(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	chA, mockA := newTestChannel("vhf", ChannelRoleWide)
	chB, mockB := newTestChannel("fillin", ChannelRoleFillIn)
	require.NoError(t, cm.AddChannel(chA))
	require.NoError(t, cm.AddChannel(chB))
	require.NoError(t, cm.AddRoute("vhf", "fillin"))

	wide2 := NewUIFrame(MustCallsign("N0CALL-1"), MustCallsign("APRS"),
		[]Callsign{MustCallsign("WIDE2-2")}, []byte("!a"))
	mockA.InjectFrame(wide2.Build())

	require.Eventually(t, func() bool {
		return cm.GetMetrics().FillInBlocked == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, mockB.Sent())

	wide1 := NewUIFrame(MustCallsign("N0CALL-2"), MustCallsign("APRS"),
		[]Callsign{MustCallsign("WIDE1-1")}, []byte("!b"))
	mockA.InjectFrame(wide1.Build())

	require.Eventually(t, func() bool {
		return len(mockB.Sent()) == 1
	}, time.Second, 5*time.Millisecond)
	out, err := ParseAX25(mockB.Sent()[0])
	require.NoError(t, err)
	require.Len(t, out.Digis(), 1)
	assert.True(t, out.Digis()[0].CH, "WIDE1-1 exhausts on first hop")
}

func TestChannelManagerExhaustedPathBlocked(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	chA, mockA := newTestChannel("vhf", ChannelRoleWide)
	chB, mockB := newTestChannel("uhf", ChannelRoleWide)
	require.NoError(t, cm.AddChannel(chA))
	require.NoError(t, cm.AddChannel(chB))
	require.NoError(t, cm.AddRoute("vhf", "uhf"))

	f := NewUIFrame(MustCallsign("N0CALL-1"), MustCallsign("APRS"),
		[]Callsign{MustCallsign("WIDE1")}, []byte("!done"))
	f.Addresses[2].CH = true // path fully consumed

	mockA.InjectFrame(f.Build())
	require.Eventually(t, func() bool {
		return cm.GetMetrics().ServicedWideBlocked == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, mockB.Sent())
}

func TestChannelManagerIGateRoute(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	ch, mock := newTestChannel("vhf", ChannelRoleWide)
	require.NoError(t, cm.AddChannel(ch))
	require.NoError(t, cm.AddRoute("vhf", IGateChannelID))
	require.Error(t, cm.AddRoute(IGateChannelID, "vhf"), "igate is destination-only")

	var mu sync.Mutex
	var got []IGateEvent
	cm.OnIGate(func(ev IGateEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	f := NewUIFrame(MustCallsign("N0CALL-1"), MustCallsign("APRS"), nil, []byte("!pos"))
	mock.InjectFrame(f.Build())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "vhf", got[0].Channel)
}

func TestChannelManagerSendFrame(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	ch, mock := newTestChannel("vhf", ChannelRoleWide)
	require.NoError(t, cm.AddChannel(ch))

	f := NewUIFrame(MustCallsign("NA4WX-7"), MustCallsign("APRS"), nil, []byte(">up"))
	assert.True(t, cm.SendFrame("vhf", f.Build()))
	assert.False(t, cm.SendFrame("nosuch", f.Build()))

	require.Eventually(t, func() bool {
		return len(mock.Sent()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, f.Build(), mock.Sent()[0])
}

func TestChannelManagerSendAPRSMessage(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	ch, mock := newTestChannel("vhf", ChannelRoleWide)
	require.NoError(t, cm.AddChannel(ch))

	ok := cm.SendAPRSMessage(APRSMessageParams{
		From:    MustCallsign("NA4WX-7"),
		To:      MustCallsign("N0CALL"),
		Payload: "hello",
		Channel: "vhf",
		MsgID:   "1",
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return len(mock.Sent()) == 1
	}, time.Second, 5*time.Millisecond)

	out, err := ParseAX25(mock.Sent()[0])
	require.NoError(t, err)
	m, isMsg := ParseAPRSMessage(out.Payload)
	require.True(t, isMsg)
	assert.True(t, m.Addressee.Equal(MustCallsign("N0CALL")))
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, "1", m.MsgID)
}

func TestChannelManagerLastHeard(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	ch, mock := newTestChannel("vhf", ChannelRoleWide)
	require.NoError(t, cm.AddChannel(ch))

	mock.InjectFrame(NewUIFrame(MustCallsign("N0CALL-1"), MustCallsign("APRS"), nil, []byte("!a")).Build())
	mock.InjectFrame(NewUIFrame(MustCallsign("K4ABC"), MustCallsign("APRS"), nil, []byte("!b")).Build())

	require.Eventually(t, func() bool {
		return len(cm.LastHeard()) == 2
	}, time.Second, 5*time.Millisecond)
	heard := cm.LastHeard()
	assert.Equal(t, "K4ABC", heard[0].Callsign)
	assert.Equal(t, "vhf", heard[0].Channel)
}
