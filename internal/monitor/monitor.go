// Package monitor classifies optical signal telemetry and escalates degraded devices as
// ESCALATE_FAULT automation jobs.
package monitor

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fno-automation-engine/internal/config"
	"fno-automation-engine/internal/models"
	"fno-automation-engine/internal/telemetry"
	"fno-automation-engine/internal/worker"
)

const shardCount = 64

// Severity of a signal reading. Higher values are worse.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "OK"
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Thresholds are inclusive upper bounds in dBm.
type Thresholds struct {
	CriticalDBm float64
	WarningDBm  float64
}

// Classify maps a receive power reading to a severity.
func (t Thresholds) Classify(rxDBm float64) Severity {
	switch {
	case rxDBm <= t.CriticalDBm:
		return SeverityCritical
	case rxDBm <= t.WarningDBm:
		return SeverityWarning
	}
	return SeverityOK
}

// Sample is one telemetry reading from a customer premises device.
type Sample struct {
	DeviceID   string   `json:"device_id" validate:"required"`
	RxPowerDBm float64  `json:"rx_power_dbm"`
	TxPowerDBm *float64 `json:"tx_power_dbm,omitempty"`
	TempC      *float64 `json:"temp_c,omitempty"`
}

// DeviceState is the last known signal picture of one device.
type DeviceState struct {
	DeviceID      string    `json:"device_id"`
	Tenant        string    `json:"tenant"`
	RxPowerDBm    float64   `json:"rx_power_dbm"`
	TxPowerDBm    *float64  `json:"tx_power_dbm,omitempty"`
	TempC         *float64  `json:"temp_c,omitempty"`
	Severity      Severity  `json:"severity"`
	LastAlert     Severity  `json:"last_alert_severity"`
	LastAlertAt   time.Time `json:"last_alert_at"`
	LastSampleAt  time.Time `json:"last_sample_at"`
	SamplesSeen   int64     `json:"samples"`
	alertedBefore bool
}

// Alert is emitted when a device breaches a threshold and is not suppressed.
type Alert struct {
	Tenant     string
	DeviceID   string
	RxPowerDBm float64
	Severity   Severity
	At         time.Time
}

// JobCreator accepts the remediation jobs the monitor raises.
type JobCreator interface {
	Create(ctx context.Context, tenant string, req worker.CreateRequest) (models.Job, error)
}

// DeviceDirectory names the operator serving a device.
type DeviceDirectory interface {
	OperatorForDevice(deviceID string) (string, bool)
}

type shard struct {
	mu      sync.Mutex
	devices map[string]*DeviceState
}

// Monitor owns every DeviceState. Samples for one device serialise on its shard lock.
type Monitor struct {
	thresholds Thresholds
	cooldown   time.Duration
	shards     [shardCount]shard
	alerts     chan Alert
	dropped    atomic.Int64
	jobs       JobCreator
	directory  DeviceDirectory
	log        zerolog.Logger
	now        func() time.Time
}

func New(cfg config.Config, jobs JobCreator, directory DeviceDirectory, log zerolog.Logger) *Monitor {
	size := cfg.AlertBufferSize
	if size <= 0 {
		size = 1024
	}
	m := &Monitor{
		thresholds: Thresholds{CriticalDBm: cfg.SignalCriticalDBm, WarningDBm: cfg.SignalWarningDBm},
		cooldown:   cfg.SignalCooldown,
		alerts:     make(chan Alert, size),
		jobs:       jobs,
		directory:  directory,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for i := range m.shards {
		m.shards[i].devices = make(map[string]*DeviceState)
	}
	return m
}

func (m *Monitor) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &m.shards[h.Sum32()%shardCount]
}

// Ingest classifies a sample, updates the device state and queues an alert when the breach
// is not suppressed. It never blocks: if the alert buffer is full the alert is dropped.
func (m *Monitor) Ingest(tenant string, s Sample) Severity {
	now := m.now()
	sev := m.thresholds.Classify(s.RxPowerDBm)
	telemetry.SamplesIngested.Inc()

	sh := m.shardFor(s.DeviceID)
	sh.mu.Lock()
	st, ok := sh.devices[s.DeviceID]
	if !ok {
		st = &DeviceState{DeviceID: s.DeviceID}
		sh.devices[s.DeviceID] = st
	}
	st.Tenant = tenant
	st.RxPowerDBm = s.RxPowerDBm
	st.TxPowerDBm = s.TxPowerDBm
	st.TempC = s.TempC
	st.Severity = sev
	st.LastSampleAt = now
	st.SamplesSeen++
	if !m.shouldFire(st, sev, now) {
		sh.mu.Unlock()
		return sev
	}
	alert := Alert{Tenant: tenant, DeviceID: s.DeviceID, RxPowerDBm: s.RxPowerDBm, Severity: sev, At: now}
	// The cooldown is armed only for an alert that made it onto the channel.
	select {
	case m.alerts <- alert:
		st.alertedBefore = true
		st.LastAlert = sev
		st.LastAlertAt = now
		sh.mu.Unlock()
		telemetry.AlertsEmitted.WithLabelValues(sev.String()).Inc()
	default:
		sh.mu.Unlock()
		m.dropped.Add(1)
		telemetry.AlertsDropped.Inc()
		m.log.Warn().Str("device_id", s.DeviceID).Str("severity", sev.String()).Msg("alert buffer full, dropping alert")
	}
	return sev
}

// shouldFire applies the dedup rule: a breach fires on first sight, on escalation above the
// last alerted severity, or once the cooldown since the last alert has passed.
func (m *Monitor) shouldFire(st *DeviceState, sev Severity, now time.Time) bool {
	switch {
	case sev == SeverityOK:
		return false
	case !st.alertedBefore:
		return true
	case sev > st.LastAlert:
		return true
	}
	return now.Sub(st.LastAlertAt) >= m.cooldown
}

// Run turns alerts into ESCALATE_FAULT jobs until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-m.alerts:
			m.escalate(ctx, a)
		}
	}
}

func (m *Monitor) escalate(ctx context.Context, a Alert) {
	operator, ok := m.directory.OperatorForDevice(a.DeviceID)
	if !ok {
		m.log.Error().Str("device_id", a.DeviceID).Msg("no operator serves device, alert not escalated")
		m.release(a)
		return
	}
	payload, err := json.Marshal(map[string]any{
		"device_id": a.DeviceID,
		"rx_power":  a.RxPowerDBm,
		"severity":  a.Severity.String(),
	})
	if err != nil {
		m.release(a)
		return
	}
	job, err := m.jobs.Create(ctx, a.Tenant, worker.CreateRequest{
		Type:     string(models.JobEscalateFault),
		Operator: operator,
		Payload:  payload,
	})
	if err != nil {
		m.log.Error().Err(err).Str("device_id", a.DeviceID).Str("operator", operator).Msg("escalate fault")
		m.release(a)
		return
	}
	m.log.Info().
		Str("device_id", a.DeviceID).
		Str("severity", a.Severity.String()).
		Float64("rx_power_dbm", a.RxPowerDBm).
		Str("operator", operator).
		Str("job_id", job.ID).
		Msg("signal alert escalated")
}

// release disarms the cooldown for an alert that could not be escalated, so the next breach
// fires again. A newer alert for the device is left alone.
func (m *Monitor) release(a Alert) {
	sh := m.shardFor(a.DeviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.devices[a.DeviceID]
	if !ok || !st.LastAlertAt.Equal(a.At) || st.LastAlert != a.Severity {
		return
	}
	st.alertedBefore = false
	st.LastAlert = SeverityOK
	st.LastAlertAt = time.Time{}
}

// Device returns a copy of one device's state.
func (m *Monitor) Device(deviceID string) (DeviceState, bool) {
	sh := m.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return *st, true
}

// AtRisk lists devices whose latest reading is degraded, worst first. An empty tenant lists
// every tenant's devices.
func (m *Monitor) AtRisk(tenant string) []DeviceState {
	var out []DeviceState
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for _, st := range sh.devices {
			if st.Severity != SeverityOK && (tenant == "" || st.Tenant == tenant) {
				out = append(out, *st)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].RxPowerDBm < out[j].RxPowerDBm
	})
	return out
}

// Dropped reports how many alerts were lost to a full buffer.
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}
