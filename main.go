package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Global debug flag
var DebugMode bool

// Global start time for uptime reporting
var StartTime time.Time

func main() {
	StartTime = time.Now()

	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Environment variable takes precedence over the CLI flag.
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if config.Logging.Debug {
		DebugMode = true
	}
	nodeCall := MustCallsign(config.Node.Callsign)
	log.Printf("packetnode %s starting as %s", Version, nodeCall)

	persist, err := NewPersistentStore(config.Node.DataDir)
	if err != nil {
		log.Fatalf("Failed to open data directory: %v", err)
	}

	nm := NewNodeMetrics()

	// Channel plane: adapters, dedup, digipeat, routes.
	cm := NewChannelManager()
	cm.SetMetrics(nm)
	if config.Digipeater.SeenTTLSec > 0 {
		cm.SetSeenTTL(time.Duration(config.Digipeater.SeenTTLSec) * time.Second)
	}
	if config.Digipeater.MaxSeenEntries > 0 {
		cm.SetMaxSeenEntries(config.Digipeater.MaxSeenEntries)
	}
	for i := range config.Channels {
		ch, err := config.Channels[i].buildChannel()
		if err != nil {
			log.Fatalf("Failed to build channel: %v", err)
		}
		if err := cm.AddChannel(ch); err != nil {
			log.Fatalf("Failed to add channel %s: %v", ch.ID, err)
		}
	}
	for _, r := range config.Routes {
		if err := cm.AddRoute(r.From, r.To); err != nil {
			log.Fatalf("Failed to add route %s<->%s: %v", r.From, r.To, err)
		}
	}

	// Connected-mode session layer.
	sessions := NewAX25SessionManager(cm, nodeCall)
	sessions.SetMetrics(nm)
	sessions.SetInactivityTimeout(config.BBS.SessionTimeout())
	if config.BBS.SendDelayMs > 0 {
		sessions.SetSendDelay(time.Duration(config.BBS.SendDelayMs) * time.Millisecond)
	}

	// BBS, store and alerter.
	var alerter *MessageAlerter
	if config.BBS.Enabled {
		store, err := NewBBSStore(persist)
		if err != nil {
			log.Fatalf("Failed to open BBS store: %v", err)
		}
		store.SetMetrics(nm)

		bbs := NewBBS(nodeCall, store, sessions, cm, persist)
		for _, ch := range config.BBS.APRSChannels {
			bbs.AllowAPRSChannel(ch)
		}

		alerter = NewMessageAlerter(nodeCall, store, cm, persist)
		alerter.SetMetrics(nm)
		if config.BBS.AlertCooldownHours > 0 {
			alerter.SetCooldown(time.Duration(config.BBS.AlertCooldownHours) * time.Hour)
		}
		bbs.SetAlerter(alerter)
		log.Printf("BBS enabled (%d messages stored)", store.Count())
	}

	// Chat and mesh replication.
	var chatSync *ChatSync
	var chatLogger *ChatLogger
	var mesh MeshTransport
	if config.Chat.Enabled {
		chatLogger, err = NewChatLogger(config.Chat.LogDir, config.Chat.LogEnabled)
		if err != nil {
			log.Fatalf("Failed to initialize chat logger: %v", err)
		}
		chat := NewChatManager(config.Chat.MaxHistory, chatLogger)
		chat.SetMetrics(nm)

		if config.Mesh.Enabled {
			mesh, err = NewMQTTMeshTransport(config.Mesh.MQTT)
			if err != nil {
				log.Fatalf("Failed to connect mesh transport: %v", err)
			}
			chatSync = NewChatSync(config.Mesh.MQTT.NodeID, chat, mesh)
			chatSync.SetMetrics(nm)
			chatSync.Start()
			log.Printf("Chat sync enabled via %s", config.Mesh.MQTT.Broker)
		}
	}

	// Weather alert repeater.
	if config.Weather.Enabled {
		wx := NewWeatherRepeater(nodeCall, cm, config.Weather.SameCodes, config.Weather.Channels)
		wx.SetMetrics(nm)
		log.Printf("Weather repeater enabled (%d SAME codes)", len(config.Weather.SameCodes))
	}

	// Metrics endpoint.
	if config.Prometheus.Enabled {
		metricsServer := nm.StartMetricsServer(config.Prometheus.Listen)
		defer metricsServer.Close()
		log.Printf("Metrics listening on %s", config.Prometheus.Listen)
	}

	// Background tasks.
	tasks := NewBackgroundTasks(cm, sessions, alerter, nm, persist)
	tasks.SetMetricsCheck(time.Duration(config.Alerts.CheckIntervalSec) * time.Second)
	tasks.SetRules(config.Alerts.Rules)
	if config.Beacon.Enabled && config.Beacon.IntervalMin > 0 {
		tasks.SetBeacon(nodeCall, config.Beacon.Text,
			time.Duration(config.Beacon.IntervalMin)*time.Minute, config.Beacon.Channels)
	}
	tasks.Start()

	log.Printf("packetnode up: %d channel(s), %d route(s)", len(config.Channels), len(config.Routes))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	tasks.Shutdown()
	if chatSync != nil {
		chatSync.Stop()
	}
	if mesh != nil {
		mesh.Close()
	}
	if chatLogger != nil {
		chatLogger.Close()
	}
	sessions.Shutdown()
	cm.Shutdown()
	log.Println("Shutdown complete")
}
