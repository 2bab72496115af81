package eitticket

import (
	"sync"
	"time"
)

// RegistryMetrics stores registry and replication metrics.
type RegistryMetrics struct {
	HitCount        int64         `json:"hit_count"`
	MissCount       int64         `json:"miss_count"`
	EvictionCount   int64         `json:"eviction_count"`
	Published       int64         `json:"published"`
	PublishFailures int64         `json:"publish_failures"`
	Applied         int64         `json:"applied"`
	Ignored         int64         `json:"ignored"`
	Dropped         int64         `json:"dropped"`
	LastUpdate      time.Time     `json:"last_update"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Monitor tracks registry lookups and replication traffic.
type Monitor struct {
	mu       sync.RWMutex
	metrics  *RegistryMetrics
	tracker  []time.Duration
	maxTrack int
}

// NewMonitor creates a monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		metrics:  &RegistryMetrics{LastUpdate: time.Now()},
		tracker:  make([]time.Duration, 0, 256),
		maxTrack: 1000,
	}
}

// RecordHit records a lookup that returned a valid ticket.
func (m *Monitor) RecordHit(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.HitCount++
	m.track(duration)
}

// RecordMiss records a lookup that found nothing or an expired ticket.
func (m *Monitor) RecordMiss(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.MissCount++
	m.track(duration)
}

// RecordEviction adds expired tickets removed by reads or sweeps.
func (m *Monitor) RecordEviction(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.EvictionCount += count
}

// RecordPublish records the outcome of one command publication.
func (m *Monitor) RecordPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.metrics.PublishFailures++
		return
	}
	m.metrics.Published++
}

// RecordApplied records a received command that changed local state.
func (m *Monitor) RecordApplied() {
	m.mu.Lock()
	m.metrics.Applied++
	m.mu.Unlock()
}

// RecordIgnored records a received command suppressed by a tombstone or
// originating from this node.
func (m *Monitor) RecordIgnored() {
	m.mu.Lock()
	m.metrics.Ignored++
	m.mu.Unlock()
}

// RecordDropped records commands discarded by a full queue.
func (m *Monitor) RecordDropped(count int64) {
	m.mu.Lock()
	m.metrics.Dropped += count
	m.mu.Unlock()
}

// HitRatio returns the lookup hit ratio.
func (m *Monitor) HitRatio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := m.metrics.HitCount + m.metrics.MissCount
	if total == 0 {
		return 0
	}
	return float64(m.metrics.HitCount) / float64(total)
}

// GetMetrics returns a snapshot of metrics.
func (m *Monitor) GetMetrics() RegistryMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := *m.metrics
	return cp
}

// Reset clears metrics.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = &RegistryMetrics{LastUpdate: time.Now()}
	m.tracker = make([]time.Duration, 0, m.maxTrack)
}

func (m *Monitor) track(duration time.Duration) {
	m.tracker = append(m.tracker, duration)
	if len(m.tracker) > m.maxTrack {
		m.tracker = m.tracker[1:]
	}

	var total time.Duration
	for _, d := range m.tracker {
		total += d
	}
	if len(m.tracker) > 0 {
		m.metrics.AvgResponseTime = total / time.Duration(len(m.tracker))
	}
	m.metrics.LastUpdate = time.Now()
}
