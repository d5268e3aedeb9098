package adapter

import (
	"sync"
	"time"

	"github.com/kcchien/iiot-gateway/internal/model"
)

// MetricsTracker accumulates the rolling ConnectionMetrics of spec §3,
// shared by all three adapter implementations so their "count, latency,
// rolling mean of last 10" bookkeeping isn't duplicated three times.
type MetricsTracker struct {
	mu         sync.Mutex
	m          model.ConnectionMetrics
	latencies  []int64 // ring of the last 10 successful latencies, ms
}

const latencyWindow = 10

// RecordConnect marks the connection as established now.
func (t *MetricsTracker) RecordConnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.m.ConnectedAt = &now
}

// RecordSuccess records a successful request with its latency.
func (t *MetricsTracker) RecordSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.m.RequestCount++
	t.m.LastSuccessAt = &now
	ms := latency.Milliseconds()
	t.m.LatencyMs = ms
	t.latencies = append(t.latencies, ms)
	if len(t.latencies) > latencyWindow {
		t.latencies = t.latencies[len(t.latencies)-latencyWindow:]
	}
	var sum int64
	for _, l := range t.latencies {
		sum += l
	}
	t.m.LatencyAvgMs = float64(sum) / float64(len(t.latencies))
}

// RecordError records a failed request.
func (t *MetricsTracker) RecordError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.m.RequestCount++
	t.m.ErrorCount++
	t.m.LastErrorAt = &now
	t.m.LastErrorMessage = msg
}

// Snapshot returns a read-only copy of the tracked metrics.
func (t *MetricsTracker) Snapshot() model.ConnectionMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}
