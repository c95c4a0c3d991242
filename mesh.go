package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MeshPriority orders competing broadcasts on constrained transports.
type MeshPriority string

const (
	MeshPriorityHigh   MeshPriority = "high"
	MeshPriorityNormal MeshPriority = "normal"
	MeshPriorityLow    MeshPriority = "low"
)

// MeshPacket is the envelope carried between nodes.
type MeshPacket struct {
	Kind     string          `json:"kind"`
	Source   string          `json:"source"`
	Data     json.RawMessage `json:"data"`
	Priority MeshPriority    `json:"priority,omitempty"`
	TTL      int             `json:"ttl,omitempty"`
	SentAt   time.Time       `json:"sentAt"`
}

// NeighborInfo describes a mesh peer as last heard.
type NeighborInfo struct {
	Callsign string    `json:"callsign"`
	Version  string    `json:"version,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// MeshTransport is the replication fabric the node consumes. The sync
// layer treats it as opaque; implementations may ride MQTT, IP, or AX.25.
type MeshTransport interface {
	Broadcast(p *MeshPacket) error
	Send(destination string, payload []byte, priority MeshPriority) error
	OnData(h func(*MeshPacket))
	OnNeighborUpdate(h func(callsign string, info NeighborInfo))
	Close() error
}

// MQTTMeshConfig configures the MQTT-backed mesh transport.
type MQTTMeshConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	NodeID      string `yaml:"node_id"`
}

// MQTTMeshTransport rides a shared MQTT broker: broadcasts publish to
// <prefix>/broadcast, directed sends to <prefix>/node/<dest>, and presence
// beacons to <prefix>/presence keep the neighbor table warm.
type MQTTMeshTransport struct {
	client mqtt.Client
	config MQTTMeshConfig
	nodeID string

	handlerMu        sync.RWMutex
	dataHandlers     []func(*MeshPacket)
	neighborHandlers []func(string, NeighborInfo)

	stopPresence chan struct{}
	stopOnce     sync.Once
}

func meshClientID(nodeID string) string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "packetnode_" + nodeID + "_" + hex.EncodeToString(bytes)
}

// NewMQTTMeshTransport connects to the broker and subscribes to the
// broadcast and directed topics.
func NewMQTTMeshTransport(config MQTTMeshConfig) (*MQTTMeshTransport, error) {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "packetnode/mesh"
	}
	t := &MQTTMeshTransport{
		config:       config,
		nodeID:       config.NodeID,
		stopPresence: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(meshClientID(config.NodeID))
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("mesh: connected to broker %s", config.Broker)
		t.subscribe(client)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("mesh: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mesh broker: %w", token.Error())
	}
	t.client = client

	go t.presenceLoop()
	return t, nil
}

func (t *MQTTMeshTransport) subscribe(client mqtt.Client) {
	topics := map[string]byte{
		t.config.TopicPrefix + "/broadcast":        1,
		t.config.TopicPrefix + "/node/" + t.nodeID: 1,
		t.config.TopicPrefix + "/presence":         0,
	}
	for topic, qos := range topics {
		tk := client.Subscribe(topic, qos, t.handleMessage)
		if tk.Wait() && tk.Error() != nil {
			log.Printf("mesh: subscribe %s: %v", topic, tk.Error())
		}
	}
}

func (t *MQTTMeshTransport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if msg.Topic() == t.config.TopicPrefix+"/presence" {
		var info NeighborInfo
		if err := json.Unmarshal(msg.Payload(), &info); err != nil || info.Callsign == t.nodeID {
			return
		}
		info.LastSeen = time.Now()
		t.handlerMu.RLock()
		handlers := t.neighborHandlers
		t.handlerMu.RUnlock()
		for _, h := range handlers {
			h(info.Callsign, info)
		}
		return
	}

	var p MeshPacket
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		log.Printf("mesh: bad packet on %s: %v", msg.Topic(), err)
		return
	}
	t.handlerMu.RLock()
	handlers := t.dataHandlers
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		h(&p)
	}
}

func (t *MQTTMeshTransport) presenceLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	t.announce()
	for {
		select {
		case <-ticker.C:
			t.announce()
		case <-t.stopPresence:
			return
		}
	}
}

func (t *MQTTMeshTransport) announce() {
	payload, _ := json.Marshal(NeighborInfo{
		Callsign: t.nodeID,
		Version:  Version,
		LastSeen: time.Now(),
	})
	t.client.Publish(t.config.TopicPrefix+"/presence", 0, false, payload)
}

// Broadcast publishes to every mesh node.
func (t *MQTTMeshTransport) Broadcast(p *MeshPacket) error {
	p.Source = t.nodeID
	if p.SentAt.IsZero() {
		p.SentAt = time.Now()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal mesh packet: %w", err)
	}
	qos := byte(0)
	if p.Priority == MeshPriorityHigh {
		qos = 1
	}
	tk := t.client.Publish(t.config.TopicPrefix+"/broadcast", qos, false, payload)
	if !tk.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mesh broadcast timed out")
	}
	return tk.Error()
}

// Send delivers payload to a single node.
func (t *MQTTMeshTransport) Send(destination string, payload []byte, priority MeshPriority) error {
	p := MeshPacket{
		Kind:     "direct",
		Source:   t.nodeID,
		Data:     payload,
		Priority: priority,
		SentAt:   time.Now(),
	}
	body, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshal mesh packet: %w", err)
	}
	qos := byte(0)
	if priority == MeshPriorityHigh {
		qos = 1
	}
	tk := t.client.Publish(t.config.TopicPrefix+"/node/"+destination, qos, false, body)
	if !tk.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mesh send timed out")
	}
	return tk.Error()
}

func (t *MQTTMeshTransport) OnData(h func(*MeshPacket)) {
	t.handlerMu.Lock()
	t.dataHandlers = append(t.dataHandlers, h)
	t.handlerMu.Unlock()
}

func (t *MQTTMeshTransport) OnNeighborUpdate(h func(string, NeighborInfo)) {
	t.handlerMu.Lock()
	t.neighborHandlers = append(t.neighborHandlers, h)
	t.handlerMu.Unlock()
}

// Close stops the presence beacon and disconnects from the broker.
func (t *MQTTMeshTransport) Close() error {
	t.stopOnce.Do(func() { close(t.stopPresence) })
	t.client.Disconnect(250)
	return nil
}

// LoopbackMeshTransport wires nodes together in process for tests.
type LoopbackMeshTransport struct {
	nodeID string

	mu       sync.RWMutex
	peers    []*LoopbackMeshTransport
	handlers []func(*MeshPacket)
	fail     bool
	sent     []*MeshPacket
}

func NewLoopbackMeshTransport(nodeID string) *LoopbackMeshTransport {
	return &LoopbackMeshTransport{nodeID: nodeID}
}

// Link joins two transports so each receives the other's broadcasts.
func (t *LoopbackMeshTransport) Link(other *LoopbackMeshTransport) {
	t.mu.Lock()
	t.peers = append(t.peers, other)
	t.mu.Unlock()
	other.mu.Lock()
	other.peers = append(other.peers, t)
	other.mu.Unlock()
}

// SetFailing makes Broadcast return errors, for retry-path tests.
func (t *LoopbackMeshTransport) SetFailing(fail bool) {
	t.mu.Lock()
	t.fail = fail
	t.mu.Unlock()
}

// Sent returns the packets broadcast so far.
func (t *LoopbackMeshTransport) Sent() []*MeshPacket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*MeshPacket(nil), t.sent...)
}

func (t *LoopbackMeshTransport) Broadcast(p *MeshPacket) error {
	t.mu.Lock()
	if t.fail {
		t.mu.Unlock()
		return fmt.Errorf("mesh unavailable")
	}
	p.Source = t.nodeID
	if p.SentAt.IsZero() {
		p.SentAt = time.Now()
	}
	t.sent = append(t.sent, p)
	peers := append([]*LoopbackMeshTransport(nil), t.peers...)
	t.mu.Unlock()

	for _, peer := range peers {
		peer.deliver(p)
	}
	return nil
}

func (t *LoopbackMeshTransport) Send(destination string, payload []byte, priority MeshPriority) error {
	p := &MeshPacket{Kind: "direct", Source: t.nodeID, Data: payload, Priority: priority, SentAt: time.Now()}
	t.mu.RLock()
	peers := append([]*LoopbackMeshTransport(nil), t.peers...)
	t.mu.RUnlock()
	for _, peer := range peers {
		if peer.nodeID == destination {
			peer.deliver(p)
			return nil
		}
	}
	return fmt.Errorf("no route to %s", destination)
}

func (t *LoopbackMeshTransport) deliver(p *MeshPacket) {
	t.mu.RLock()
	handlers := append([]func(*MeshPacket){}, t.handlers...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

func (t *LoopbackMeshTransport) OnData(h func(*MeshPacket)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

func (t *LoopbackMeshTransport) OnNeighborUpdate(h func(string, NeighborInfo)) {}

func (t *LoopbackMeshTransport) Close() error { return nil }
