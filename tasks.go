package main

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	dedupGCInterval       = 10 * time.Second
	sessionSweepInterval  = 10 * time.Second
	alerterHousekeeping   = 1 * time.Hour
	defaultMetricsCheck   = 60 * time.Second
	lastHeardSaveInterval = 5 * time.Minute
)

// MetricAlertRule fires when a counter crosses threshold while still
// climbing.
type MetricAlertRule struct {
	Metric    string  `yaml:"metric" json:"metric"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// MetricAlertRecord is one raised alert, persisted for the operator.
type MetricAlertRecord struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Delta     float64   `json:"delta"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// BackgroundTasks drives the node's periodic work: cache GC, session
// sweeps, alerter housekeeping, metric watching, the ID beacon, and
// last-heard persistence. Everything stops on Shutdown.
type BackgroundTasks struct {
	cm       *ChannelManager
	sessions *AX25SessionManager
	alerter  *MessageAlerter
	nm       *NodeMetrics
	persist  *PersistentStore

	metricsCheck time.Duration
	rules        []MetricAlertRule

	beaconText     string
	beaconInterval time.Duration
	beaconChannels []string
	nodeCall       Callsign

	mu          sync.Mutex
	lastSamples map[string]float64
	alerts      []MetricAlertRecord
	proc        *process.Process

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBackgroundTasks(cm *ChannelManager, sessions *AX25SessionManager, alerter *MessageAlerter, nm *NodeMetrics, persist *PersistentStore) *BackgroundTasks {
	t := &BackgroundTasks{
		cm:           cm,
		sessions:     sessions,
		alerter:      alerter,
		nm:           nm,
		persist:      persist,
		metricsCheck: defaultMetricsCheck,
		lastSamples:  make(map[string]float64),
		stop:         make(chan struct{}),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		t.proc = p
	}
	if persist != nil {
		var alerts []MetricAlertRecord
		if err := persist.Load(PersistKeyMetricAlerts, &alerts); err == nil {
			t.alerts = alerts
		}
	}
	return t
}

// SetMetricsCheck overrides the sampling cadence.
func (t *BackgroundTasks) SetMetricsCheck(d time.Duration) {
	if d > 0 {
		t.metricsCheck = d
	}
}

// SetRules installs the watched-counter rules.
func (t *BackgroundTasks) SetRules(rules []MetricAlertRule) {
	t.mu.Lock()
	t.rules = rules
	t.mu.Unlock()
}

// SetBeacon configures the periodic station ID frame. An empty interval
// disables the beacon.
func (t *BackgroundTasks) SetBeacon(nodeCall Callsign, text string, interval time.Duration, channels []string) {
	t.nodeCall = nodeCall
	t.beaconText = text
	t.beaconInterval = interval
	t.beaconChannels = channels
}

// Start launches all task loops.
func (t *BackgroundTasks) Start() {
	t.wg.Add(1)
	go t.loop()
	log.Printf("tasks: started (metrics check every %s)", t.metricsCheck)
}

// Shutdown cancels all timers and waits for loops to exit.
func (t *BackgroundTasks) Shutdown() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}

func (t *BackgroundTasks) loop() {
	defer t.wg.Done()

	dedupTicker := time.NewTicker(dedupGCInterval)
	sweepTicker := time.NewTicker(sessionSweepInterval)
	alerterTicker := time.NewTicker(alerterHousekeeping)
	metricsTicker := time.NewTicker(t.metricsCheck)
	heardTicker := time.NewTicker(lastHeardSaveInterval)
	defer dedupTicker.Stop()
	defer sweepTicker.Stop()
	defer alerterTicker.Stop()
	defer metricsTicker.Stop()
	defer heardTicker.Stop()

	var beaconC <-chan time.Time
	if t.beaconInterval > 0 && t.beaconText != "" {
		beaconTicker := time.NewTicker(t.beaconInterval)
		defer beaconTicker.Stop()
		beaconC = beaconTicker.C
	}

	for {
		select {
		case <-dedupTicker.C:
			if n := t.cm.CleanupSeen(); n > 0 && DebugMode {
				log.Printf("tasks: dedup GC removed %d entries", n)
			}
		case <-sweepTicker.C:
			if t.sessions != nil {
				t.sessions.SweepInactive()
			}
		case <-alerterTicker.C:
			if t.alerter != nil {
				t.alerter.Housekeeping()
			}
		case <-metricsTicker.C:
			t.sampleMetrics()
		case <-heardTicker.C:
			t.saveLastHeard()
		case <-beaconC:
			t.sendBeacon()
		case <-t.stop:
			t.saveLastHeard()
			return
		}
	}
}

// sendBeacon transmits the station ID UI frame on each beacon channel.
func (t *BackgroundTasks) sendBeacon() {
	dest := MustCallsign("ID")
	for _, ch := range t.beaconChannels {
		f := NewUIFrame(t.nodeCall, dest, nil, []byte(t.beaconText))
		t.cm.SendFrame(ch, f.Build())
	}
}

func (t *BackgroundTasks) saveLastHeard() {
	if t.persist == nil {
		return
	}
	heard := t.cm.LastHeard()
	if len(heard) == 0 {
		return
	}
	if err := t.persist.Save(PersistKeyLastHeard, heard); err != nil {
		log.Printf("tasks: save last heard: %v", err)
	}
}

// sampleMetrics walks the registry and raises an alert for any watched
// counter that is over threshold and has strictly increased since the last
// sample. Process stats ride along for the log.
func (t *BackgroundTasks) sampleMetrics() {
	if t.nm == nil {
		return
	}
	families, err := t.nm.Gatherer().Gather()
	if err != nil {
		log.Printf("tasks: gather metrics: %v", err)
		return
	}
	current := flattenCounters(families)

	t.mu.Lock()
	rules := t.rules
	last := t.lastSamples
	t.lastSamples = current
	t.mu.Unlock()

	var raised []MetricAlertRecord
	now := time.Now()
	for _, rule := range rules {
		value, ok := current[rule.Metric]
		if !ok || value < rule.Threshold {
			continue
		}
		prev := last[rule.Metric]
		if value <= prev {
			continue
		}
		rec := MetricAlertRecord{
			Metric:    rule.Metric,
			Value:     value,
			Delta:     value - prev,
			Threshold: rule.Threshold,
			Timestamp: now,
		}
		raised = append(raised, rec)
		log.Printf("tasks: metric alert: %s=%v (+%v) over threshold %v", rule.Metric, value, rec.Delta, rule.Threshold)
	}

	if len(raised) > 0 {
		t.mu.Lock()
		t.alerts = append(t.alerts, raised...)
		alerts := append([]MetricAlertRecord(nil), t.alerts...)
		t.mu.Unlock()
		if t.persist != nil {
			if err := t.persist.Save(PersistKeyMetricAlerts, alerts); err != nil {
				log.Printf("tasks: save metric alerts: %v", err)
			}
		}
	}

	if DebugMode && t.proc != nil {
		cpuPct, _ := t.proc.CPUPercent()
		if mi, err := t.proc.MemoryInfo(); err == nil {
			log.Printf("tasks: process cpu=%.1f%% rss=%dMB", cpuPct, mi.RSS/1024/1024)
		}
	}
}

// Alerts returns raised metric alerts, newest last.
func (t *BackgroundTasks) Alerts() []MetricAlertRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]MetricAlertRecord(nil), t.alerts...)
}

// flattenCounters maps metric family names (with label values appended for
// vectors) to current counter and gauge readings.
func flattenCounters(families []*dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64)
	for _, fam := range families {
		name := fam.GetName()
		for _, m := range fam.GetMetric() {
			key := name
			for _, lp := range m.GetLabel() {
				key += fmt.Sprintf("{%s=%s}", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
				// Vector totals are also useful without labels.
				if key != name {
					out[name] += m.GetCounter().GetValue()
				}
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}
