package observability

import (
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters for the HTTP surface and the
// SLA engine.
type Metrics struct {
	mu           sync.Mutex
	requestCount map[string]int64
	errorCount   map[string]int64

	ticksRun        int64
	ticksSkipped    int64
	alertsProduced  int64
	firingsRecorded int64
	conflictsSeen   int64
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		errorCount:   make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordTick counts a completed breach-check pass.
func (m *Metrics) RecordTick() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticksRun++
}

// RecordTickSkipped counts a pass skipped because the previous one was
// still running.
func (m *Metrics) RecordTickSkipped() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticksSkipped++
}

// RecordAlerts counts produced breach alerts.
func (m *Metrics) RecordAlerts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertsProduced += int64(n)
}

// RecordFiring counts a newly written ledger entry.
func (m *Metrics) RecordFiring() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firingsRecorded++
}

// RecordConflict counts a dropped ticket update after a version conflict.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictsSeen++
}

// Snapshot returns engine counters for diagnostics.
func (m *Metrics) Snapshot() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"ticks_run":        m.ticksRun,
		"ticks_skipped":    m.ticksSkipped,
		"alerts_produced":  m.alertsProduced,
		"firings_recorded": m.firingsRecorded,
		"conflicts_seen":   m.conflictsSeen,
	}
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
