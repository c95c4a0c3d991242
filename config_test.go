package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
node:
  callsign: NA4WX-7
channels:
  - id: vhf
    type: mock
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.Node.DataDir)
	require.Len(t, cfg.Channels, 1)
	ch := cfg.Channels[0]
	assert.Equal(t, "wide", ch.Role)
	assert.Equal(t, "NA4WX-7", ch.Callsign, "channel callsign defaults to the node callsign")
	assert.Equal(t, 2, ch.MaxWideN)
	assert.Equal(t, 60, cfg.Alerts.CheckIntervalSec)
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
node:
  callsign: NA4WX-7
  data_dir: /var/lib/packetnode
channels:
  - id: vhf
    name: 2m Voice Alert
    type: kiss-serial
    device: /dev/ttyUSB0
    callsign: NA4WX-1
    aliases: [BOONE]
    max_wide_n: 3
    append_digi_callsign: true
  - id: uhf
    type: kiss-tcp
    host: 192.168.1.50
    port: 8001
    role: fill-in
  - id: hf
    type: agw
    host: localhost
    port: 8000
routes:
  - {from: vhf, to: uhf}
  - {from: vhf, to: igate}
digipeater:
  seen_ttl_sec: 45
bbs:
  enabled: true
  session_timeout_sec: 600
  aprs_channels: [vhf]
weather:
  enabled: true
  same_codes: ["037189"]
  channels: [vhf, uhf]
beacon:
  enabled: true
  text: PacketNode NA4WX-7
  interval_min: 30
  channels: [vhf]
prometheus:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, 9600, cfg.Channels[0].Baud, "kiss-serial baud defaults to 9600")
	assert.Equal(t, "fill-in", cfg.Channels[1].Role)
	assert.Equal(t, "NA4WX-7", cfg.Channels[1].Callsign)
	assert.Equal(t, ":9100", cfg.Prometheus.Listen)
	assert.Equal(t, 10*time.Minute, cfg.BBS.SessionTimeout())
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad node callsign",
			body: "node:\n  callsign: \"\"\n",
			want: "node.callsign",
		},
		{
			name: "igate reserved as channel id",
			body: `
node:
  callsign: NA4WX-7
channels:
  - id: igate
    type: mock
`,
			want: "reserved",
		},
		{
			name: "duplicate channel id",
			body: `
node:
  callsign: NA4WX-7
channels:
  - id: vhf
    type: mock
  - id: vhf
    type: mock
`,
			want: "duplicate id",
		},
		{
			name: "kiss-serial without device",
			body: `
node:
  callsign: NA4WX-7
channels:
  - id: vhf
    type: kiss-serial
`,
			want: "device required",
		},
		{
			name: "kiss-tcp without host",
			body: `
node:
  callsign: NA4WX-7
channels:
  - id: vhf
    type: kiss-tcp
    port: 8001
`,
			want: "host and port required",
		},
		{
			name: "unknown channel type",
			body: `
node:
  callsign: NA4WX-7
channels:
  - id: vhf
    type: carrier-pigeon
`,
			want: "unknown type",
		},
		{
			name: "unknown role",
			body: `
node:
  callsign: NA4WX-7
channels:
  - id: vhf
    type: mock
    role: relay
`,
			want: "unknown role",
		},
		{
			name: "route references unknown channel",
			body: minimalConfig + `
routes:
  - {from: vhf, to: uhf}
`,
			want: `unknown channel "uhf"`,
		},
		{
			name: "igate as route source",
			body: minimalConfig + `
routes:
  - {from: igate, to: vhf}
`,
			want: "cannot be a route source",
		},
		{
			name: "bbs aprs channel unknown",
			body: minimalConfig + `
bbs:
  aprs_channels: [hf]
`,
			want: "bbs.aprs_channels",
		},
		{
			name: "weather channel unknown",
			body: minimalConfig + `
weather:
  channels: [hf]
`,
			want: "weather.channels",
		},
		{
			name: "beacon channel unknown",
			body: minimalConfig + `
beacon:
  channels: [hf]
`,
			want: "beacon.channels",
		},
		{
			name: "mesh enabled without broker",
			body: minimalConfig + `
mesh:
  enabled: true
`,
			want: "mesh.mqtt.broker required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestMeshNodeIDDefaultsToCallsign(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
mesh:
  enabled: true
  mqtt:
    broker: tcp://localhost:1883
`))
	require.NoError(t, err)
	assert.Equal(t, "NA4WX-7", cfg.Mesh.MQTT.NodeID)
}

func TestBuildChannel(t *testing.T) {
	cc := ChannelConfig{
		ID:       "vhf",
		Type:     "mock",
		Callsign: "NA4WX-1",
		Role:     "wide",
		MaxWideN: 2,
		Aliases:  []string{"BOONE"},
	}
	ch, err := cc.buildChannel()
	require.NoError(t, err)
	assert.Equal(t, "vhf", ch.ID)
	assert.Equal(t, "vhf", ch.Name, "name falls back to id")
	assert.True(t, ch.Enabled)
	assert.IsType(t, &MockAdapter{}, ch.Adapter)
	assert.True(t, ch.Callsign.Equal(MustCallsign("NA4WX-1")))
	assert.Equal(t, []string{"BOONE"}, ch.Aliases)

	disabled := false
	cc.Enabled = &disabled
	ch, err = cc.buildChannel()
	require.NoError(t, err)
	assert.False(t, ch.Enabled)

	cc.Type = "teleport"
	_, err = cc.buildChannel()
	require.Error(t, err)
}
