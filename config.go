package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole node configuration.
type Config struct {
	Node       NodeConfig         `yaml:"node"`
	Channels   []ChannelConfig    `yaml:"channels"`
	Routes     []RouteConfig      `yaml:"routes"`
	Digipeater DigipeaterConfig   `yaml:"digipeater"`
	BBS        BBSConfig          `yaml:"bbs"`
	Chat       ChatConfig         `yaml:"chat"`
	Mesh       MeshConfig         `yaml:"mesh"`
	Weather    WeatherConfig      `yaml:"weather"`
	Beacon     BeaconConfig       `yaml:"beacon"`
	Prometheus PrometheusConfig   `yaml:"prometheus"`
	Alerts     MetricAlertsConfig `yaml:"metric_alerts"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// NodeConfig identifies the station.
type NodeConfig struct {
	Callsign string `yaml:"callsign"`
	DataDir  string `yaml:"data_dir"`
}

// ChannelConfig describes one radio or virtual channel.
type ChannelConfig struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Type               string   `yaml:"type"` // "kiss-serial", "kiss-tcp", "agw", "mock"
	Enabled            *bool    `yaml:"enabled"`
	Device             string   `yaml:"device"` // kiss-serial
	Baud               int      `yaml:"baud"`
	Host               string   `yaml:"host"` // kiss-tcp, agw
	Port               int      `yaml:"port"`
	Role               string   `yaml:"role"`     // "wide" (default) or "fill-in"
	Callsign           string   `yaml:"callsign"` // digi callsign; node callsign when empty
	Aliases            []string `yaml:"aliases"`
	MaxWideN           int      `yaml:"max_wide_n"`
	AppendDigiCallsign bool     `yaml:"append_digi_callsign"`
	IDOnRepeat         bool     `yaml:"id_on_repeat"`
}

// RouteConfig is an unordered channel pair, or a channel paired with the
// igate pseudo-channel.
type RouteConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// DigipeaterConfig tunes the dedup cache.
type DigipeaterConfig struct {
	SeenTTLSec     int `yaml:"seen_ttl_sec"`
	MaxSeenEntries int `yaml:"max_seen_entries"`
}

// BBSConfig tunes the bulletin board and its session layer.
type BBSConfig struct {
	Enabled            bool     `yaml:"enabled"`
	SessionTimeoutSec  int      `yaml:"session_timeout_sec"`
	SendDelayMs        int      `yaml:"send_delay_ms"`
	AlertCooldownHours int      `yaml:"alert_cooldown_hours"`
	APRSChannels       []string `yaml:"aprs_channels"` // channels honoring UI one-shot commands
}

// ChatConfig tunes the chat service.
type ChatConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MaxHistory int    `yaml:"max_history"`
	LogDir     string `yaml:"log_dir"`
	LogEnabled bool   `yaml:"log_enabled"`
}

// MeshConfig enables chat replication over MQTT.
type MeshConfig struct {
	Enabled bool           `yaml:"enabled"`
	MQTT    MQTTMeshConfig `yaml:"mqtt"`
}

// WeatherConfig enables the weather alert repeater.
type WeatherConfig struct {
	Enabled   bool     `yaml:"enabled"`
	SameCodes []string `yaml:"same_codes"`
	Channels  []string `yaml:"channels"`
}

// BeaconConfig drives the periodic station ID frame.
type BeaconConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Text        string   `yaml:"text"`
	IntervalMin int      `yaml:"interval_min"`
	Channels    []string `yaml:"channels"`
}

// PrometheusConfig exposes the metrics endpoint.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. ":9100"
}

// MetricAlertsConfig configures the counter watchdog.
type MetricAlertsConfig struct {
	CheckIntervalSec int               `yaml:"check_interval_sec"`
	Rules            []MetricAlertRule `yaml:"rules"`
}

// LoggingConfig holds logging options.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// LoadConfig reads and validates the YAML configuration.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration for internal consistency and fills
// defaults.
func (c *Config) Validate() error {
	if _, err := ParseCallsign(c.Node.Callsign); err != nil {
		return fmt.Errorf("node.callsign: %w", err)
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "data"
	}

	ids := make(map[string]bool)
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id required", i)
		}
		if ch.ID == IGateChannelID {
			return fmt.Errorf("channels[%d]: %q is reserved", i, IGateChannelID)
		}
		if ids[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		ids[ch.ID] = true

		switch ch.Type {
		case "kiss-serial":
			if ch.Device == "" {
				return fmt.Errorf("channel %s: device required for kiss-serial", ch.ID)
			}
			if ch.Baud == 0 {
				ch.Baud = 9600
			}
		case "kiss-tcp", "agw":
			if ch.Host == "" || ch.Port == 0 {
				return fmt.Errorf("channel %s: host and port required for %s", ch.ID, ch.Type)
			}
		case "mock":
		default:
			return fmt.Errorf("channel %s: unknown type %q", ch.ID, ch.Type)
		}

		switch ch.Role {
		case "", string(ChannelRoleWide):
			ch.Role = string(ChannelRoleWide)
		case string(ChannelRoleFillIn):
		default:
			return fmt.Errorf("channel %s: unknown role %q", ch.ID, ch.Role)
		}
		if ch.Callsign == "" {
			ch.Callsign = c.Node.Callsign
		}
		if _, err := ParseCallsign(ch.Callsign); err != nil {
			return fmt.Errorf("channel %s: callsign: %w", ch.ID, err)
		}
		if ch.MaxWideN == 0 {
			ch.MaxWideN = 2
		}
	}

	for i, r := range c.Routes {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("routes[%d]: from and to required", i)
		}
		if r.From == IGateChannelID {
			return fmt.Errorf("routes[%d]: %s cannot be a route source", i, IGateChannelID)
		}
		if !ids[r.From] {
			return fmt.Errorf("routes[%d]: unknown channel %q", i, r.From)
		}
		if r.To != IGateChannelID && !ids[r.To] {
			return fmt.Errorf("routes[%d]: unknown channel %q", i, r.To)
		}
	}

	for _, name := range c.BBS.APRSChannels {
		if !ids[name] {
			return fmt.Errorf("bbs.aprs_channels: unknown channel %q", name)
		}
	}
	for _, name := range c.Weather.Channels {
		if !ids[name] {
			return fmt.Errorf("weather.channels: unknown channel %q", name)
		}
	}
	for _, name := range c.Beacon.Channels {
		if !ids[name] {
			return fmt.Errorf("beacon.channels: unknown channel %q", name)
		}
	}

	if c.Mesh.Enabled {
		if c.Mesh.MQTT.Broker == "" {
			return fmt.Errorf("mesh.mqtt.broker required when mesh is enabled")
		}
		if c.Mesh.MQTT.NodeID == "" {
			c.Mesh.MQTT.NodeID = c.Node.Callsign
		}
	}
	if c.Prometheus.Enabled && c.Prometheus.Listen == "" {
		c.Prometheus.Listen = ":9100"
	}
	if c.Alerts.CheckIntervalSec == 0 {
		c.Alerts.CheckIntervalSec = 60
	}
	return nil
}

// buildChannel constructs the runtime channel from its configuration.
func (cc *ChannelConfig) buildChannel() (*Channel, error) {
	var adapter ChannelAdapter
	switch cc.Type {
	case "kiss-serial":
		adapter = NewSerialAdapter(cc.Device, cc.Baud)
	case "kiss-tcp":
		adapter = NewKISSTCPAdapter(cc.Host, cc.Port)
	case "agw":
		adapter = NewAGWAdapter(cc.Host, cc.Port)
	case "mock":
		adapter = NewMockAdapter()
	default:
		return nil, fmt.Errorf("unknown channel type %q", cc.Type)
	}

	enabled := true
	if cc.Enabled != nil {
		enabled = *cc.Enabled
	}
	call, err := ParseCallsign(cc.Callsign)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cc.ID, err)
	}
	name := cc.Name
	if name == "" {
		name = cc.ID
	}
	return &Channel{
		ID:                 cc.ID,
		Name:               name,
		Adapter:            adapter,
		Enabled:            enabled,
		Mode:               cc.Type,
		Role:               ChannelRole(cc.Role),
		MaxWideN:           cc.MaxWideN,
		Callsign:           call,
		Aliases:            cc.Aliases,
		AppendDigiCallsign: cc.AppendDigiCallsign,
		IDOnRepeat:         cc.IDOnRepeat,
	}, nil
}

// SessionTimeout returns the configured inactivity timeout.
func (b *BBSConfig) SessionTimeout() time.Duration {
	if b.SessionTimeoutSec <= 0 {
		return DefaultSessionInactivity
	}
	return time.Duration(b.SessionTimeoutSec) * time.Second
}
