package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundTasksBeacon(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	ch, mock := newTestChannel("vhf", ChannelRoleWide)
	require.NoError(t, cm.AddChannel(ch))

	tasks := NewBackgroundTasks(cm, nil, nil, nil, nil)
	tasks.SetBeacon(MustCallsign("NA4WX-7"), "PacketNode NA4WX-7 Boone NC", time.Hour, []string{"vhf"})
	tasks.sendBeacon()

	var raw []byte
	require.Eventually(t, func() bool {
		sent := mock.Sent()
		if len(sent) == 1 {
			raw = sent[0]
			return true
		}
		return false
	}, time.Second, 2*time.Millisecond)

	f, err := ParseAX25(raw)
	require.NoError(t, err)
	assert.Equal(t, AX25FrameUI, f.Type())
	assert.True(t, f.Dest().Callsign.Equal(MustCallsign("ID")))
	assert.True(t, f.Src().Callsign.Equal(MustCallsign("NA4WX-7")))
	assert.Equal(t, []byte("PacketNode NA4WX-7 Boone NC"), f.Payload)
}

func TestBackgroundTasksSaveLastHeard(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	ch, mock := newTestChannel("vhf", ChannelRoleWide)
	require.NoError(t, cm.AddChannel(ch))

	f := NewUIFrame(MustCallsign("K4ABC-3"), MustCallsign("APRS"), nil, []byte(">hi"))
	mock.InjectFrame(f.Build())
	require.Eventually(t, func() bool {
		return len(cm.LastHeard()) == 1
	}, time.Second, 2*time.Millisecond)

	persist, err := NewPersistentStore(t.TempDir())
	require.NoError(t, err)

	tasks := NewBackgroundTasks(cm, nil, nil, nil, persist)
	tasks.saveLastHeard()

	var heard []HeardEntry
	require.NoError(t, persist.Load(PersistKeyLastHeard, &heard))
	require.Len(t, heard, 1)
	assert.Equal(t, "K4ABC-3", heard[0].Callsign)
	assert.Equal(t, "vhf", heard[0].Channel)
}

func TestFlattenCounters(t *testing.T) {
	nm := NewNodeMetrics()
	nm.dedupDrops.Add(3)
	nm.framesReceived.WithLabelValues("vhf").Add(2)
	nm.framesReceived.WithLabelValues("uhf").Add(5)
	nm.uniqueStations.Set(12)

	families, err := nm.Gatherer().Gather()
	require.NoError(t, err)
	flat := flattenCounters(families)

	assert.Equal(t, 3.0, flat["packetnode_dedup_drops_total"])
	assert.Equal(t, 2.0, flat["packetnode_frames_received_total{channel=vhf}"])
	assert.Equal(t, 5.0, flat["packetnode_frames_received_total{channel=uhf}"])
	// Vector families also expose a label-free total.
	assert.Equal(t, 7.0, flat["packetnode_frames_received_total"])
	assert.Equal(t, 12.0, flat["packetnode_unique_stations"])
}

func TestSampleMetricsRaisesAlert(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()
	nm := NewNodeMetrics()
	persist, err := NewPersistentStore(t.TempDir())
	require.NoError(t, err)

	tasks := NewBackgroundTasks(cm, nil, nil, nm, persist)
	tasks.SetRules([]MetricAlertRule{{Metric: "packetnode_dedup_drops_total", Threshold: 5}})

	// Below threshold: quiet.
	nm.dedupDrops.Add(3)
	tasks.sampleMetrics()
	assert.Empty(t, tasks.Alerts())

	// Crosses threshold while climbing: one alert with the delta.
	nm.dedupDrops.Add(4)
	tasks.sampleMetrics()
	alerts := tasks.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "packetnode_dedup_drops_total", alerts[0].Metric)
	assert.Equal(t, 7.0, alerts[0].Value)
	assert.Equal(t, 4.0, alerts[0].Delta)
	assert.Equal(t, 5.0, alerts[0].Threshold)

	// Over threshold but flat: no repeat alert.
	tasks.sampleMetrics()
	assert.Len(t, tasks.Alerts(), 1)

	// Raised alerts are persisted.
	var saved []MetricAlertRecord
	require.NoError(t, persist.Load(PersistKeyMetricAlerts, &saved))
	assert.Len(t, saved, 1)
}

func TestMetricAlertsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cm := NewChannelManager()
	defer cm.Shutdown()
	nm := NewNodeMetrics()

	persist, err := NewPersistentStore(dir)
	require.NoError(t, err)
	tasks := NewBackgroundTasks(cm, nil, nil, nm, persist)
	tasks.SetRules([]MetricAlertRule{{Metric: "packetnode_parse_failures_total", Threshold: 1}})
	nm.parseFailures.Add(2)
	tasks.sampleMetrics()
	require.Len(t, tasks.Alerts(), 1)

	persist2, err := NewPersistentStore(dir)
	require.NoError(t, err)
	reborn := NewBackgroundTasks(cm, nil, nil, nm, persist2)
	alerts := reborn.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "packetnode_parse_failures_total", alerts[0].Metric)
}

func TestBackgroundTasksStartShutdown(t *testing.T) {
	cm := NewChannelManager()
	defer cm.Shutdown()

	tasks := NewBackgroundTasks(cm, nil, nil, nil, nil)
	tasks.SetMetricsCheck(10 * time.Millisecond)
	tasks.Start()
	time.Sleep(25 * time.Millisecond)
	tasks.Shutdown()
	// Shutdown is idempotent.
	tasks.Shutdown()
}
