package main

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NodeMetrics holds the Prometheus collectors for the packet node. All
// components take it optionally (nil disables export); internal counters in
// each manager remain authoritative for the API surface.
type NodeMetrics struct {
	registry *prometheus.Registry

	framesReceived *prometheus.CounterVec // by channel
	framesSent     *prometheus.CounterVec // by channel
	dedupDrops     prometheus.Counter
	parseFailures  prometheus.Counter
	digipeats      *prometheus.CounterVec // by channel
	maxWideBlocked prometheus.Counter
	wideBlocked    prometheus.Counter
	fillInBlocked  prometheus.Counter
	uniqueStations prometheus.Gauge
	channelsActive prometheus.Gauge
	channelUp      *prometheus.GaugeVec // by channel

	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionTimeouts  prometheus.Counter
	iframesDelivered prometheus.Counter
	iframesRejected  prometheus.Counter

	bbsMessages      prometheus.Gauge
	bbsMessagesAdded prometheus.Counter
	bbsExpired       prometheus.Counter
	alertsSent       *prometheus.CounterVec // by reason

	chatRooms           prometheus.Gauge
	chatUsers           prometheus.Gauge
	chatMessages        prometheus.Counter
	chatRateLimited     prometheus.Counter
	chatRoomFull        prometheus.Counter
	syncSent            prometheus.Counter
	syncReceived        prometheus.Counter
	syncDeduplicated    prometheus.Counter
	syncClockRejected   prometheus.Counter
	syncRetries         prometheus.Counter
	syncVersionRejected prometheus.Counter

	wxBulletins prometheus.Counter
	wxEchoes    prometheus.Counter
}

// NewNodeMetrics registers all collectors on a private registry so tests can
// create instances freely.
func NewNodeMetrics() *NodeMetrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		reg.MustRegister(g)
		return g
	}

	return &NodeMetrics{
		registry: reg,

		framesReceived: counterVec("packetnode_frames_received_total", "AX.25 frames received", "channel"),
		framesSent:     counterVec("packetnode_frames_sent_total", "AX.25 frames transmitted", "channel"),
		dedupDrops:     counter("packetnode_dedup_drops_total", "Frames dropped as duplicates"),
		parseFailures:  counter("packetnode_parse_failures_total", "Frames that failed AX.25 parsing"),
		digipeats:      counterVec("packetnode_digipeats_total", "Frames digipeated", "channel"),
		maxWideBlocked: counter("packetnode_max_wide_blocked_total", "Frames blocked by the maxWideN guardrail"),
		wideBlocked:    counter("packetnode_serviced_wide_blocked_total", "Fully repeated frames not forwarded"),
		fillInBlocked:  counter("packetnode_fill_in_blocked_total", "Frames dropped by fill-in policy"),
		uniqueStations: gauge("packetnode_unique_stations", "Distinct stations in the dedup window"),
		channelsActive: gauge("packetnode_channels", "Configured channels"),
		channelUp:      gaugeVec("packetnode_channel_up", "Channel adapter connected", "channel"),

		sessionsActive:   gauge("packetnode_ax25_sessions", "Active AX.25 connected-mode sessions"),
		sessionsTotal:    counter("packetnode_ax25_sessions_total", "AX.25 sessions established"),
		sessionTimeouts:  counter("packetnode_ax25_session_timeouts_total", "Sessions torn down by inactivity"),
		iframesDelivered: counter("packetnode_ax25_iframes_delivered_total", "In-sequence I-frames delivered upward"),
		iframesRejected:  counter("packetnode_ax25_iframes_rejected_total", "Out-of-sequence I-frames dropped"),

		bbsMessages:      gauge("packetnode_bbs_messages", "Messages currently stored"),
		bbsMessagesAdded: counter("packetnode_bbs_messages_added_total", "Messages posted to the BBS"),
		bbsExpired:       counter("packetnode_bbs_messages_expired_total", "Messages swept by expiry GC"),
		alertsSent:       counterVec("packetnode_message_alerts_total", "Unread-message alerts sent", "reason"),

		chatRooms:           gauge("packetnode_chat_rooms", "Chat rooms"),
		chatUsers:           gauge("packetnode_chat_users", "Users joined to chat rooms"),
		chatMessages:        counter("packetnode_chat_messages_total", "Chat messages accepted"),
		chatRateLimited:     counter("packetnode_chat_rate_limited_total", "Chat messages rejected by rate limit"),
		chatRoomFull:        counter("packetnode_chat_room_full_total", "Joins refused because the room was at capacity"),
		syncSent:            counter("packetnode_chat_sync_sent_total", "Sync packets broadcast to the mesh"),
		syncReceived:        counter("packetnode_chat_sync_received_total", "Sync packets accepted from the mesh"),
		syncDeduplicated:    counter("packetnode_chat_sync_deduplicated_total", "Sync packets dropped by hash dedup"),
		syncClockRejected:   counter("packetnode_chat_sync_clock_rejected_total", "Sync packets dominated by the local vector clock"),
		syncRetries:         counter("packetnode_chat_sync_retries_total", "Sync broadcast retries"),
		syncVersionRejected: counter("packetnode_chat_sync_version_rejected_total", "Sync packets from incompatible protocol versions"),

		wxBulletins: counter("packetnode_wx_bulletins_total", "Weather bulletins transmitted"),
		wxEchoes:    counter("packetnode_wx_echoes_total", "External weather bulletins re-broadcast"),
	}
}

// Gatherer exposes the node registry for the metric-sampling task.
func (m *NodeMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// StartMetricsServer serves /metrics from the node registry and returns the
// server for shutdown.
func (m *NodeMetrics) StartMetricsServer(listen string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Prometheus: serving metrics on %s/metrics", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus: metrics server: %v", err)
		}
	}()
	return srv
}
