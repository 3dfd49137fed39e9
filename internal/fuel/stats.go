package fuel

import (
	"sync"
	"time"

	"github.com/fleetdata/fuelwatch/internal/monitoring"
)

// PipelineStats tracks reading-processing statistics with thread-safe
// operations. Shard goroutines increment concurrently; a periodic logger
// drains the counters.
type PipelineStats struct {
	mu             sync.Mutex
	readingCount   int64
	rejectedCount  int64
	predictOnly    int64
	eventCount     int64
	snapshotErrors int64
	lastReset      time.Time
}

// NewPipelineStats creates a new PipelineStats instance.
func NewPipelineStats() *PipelineStats {
	return &PipelineStats{lastReset: time.Now()}
}

// AddReading increments the processed-reading count.
func (ps *PipelineStats) AddReading() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.readingCount++
}

// AddRejected increments the rejected-reading count.
func (ps *PipelineStats) AddRejected() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.rejectedCount++
}

// AddPredictOnly increments the count of cycles that ran without any usable
// fuel measurement.
func (ps *PipelineStats) AddPredictOnly() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.predictOnly++
}

// AddEvent increments the emitted-event count.
func (ps *PipelineStats) AddEvent() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.eventCount++
}

// AddSnapshotError increments the failed-persistence count.
func (ps *PipelineStats) AddSnapshotError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.snapshotErrors++
}

// GetAndReset returns current stats and resets counters.
func (ps *PipelineStats) GetAndReset() (readings, rejected, predictOnly, events, snapshotErrors int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	readings = ps.readingCount
	rejected = ps.rejectedCount
	predictOnly = ps.predictOnly
	events = ps.eventCount
	snapshotErrors = ps.snapshotErrors

	ps.readingCount = 0
	ps.rejectedCount = 0
	ps.predictOnly = 0
	ps.eventCount = 0
	ps.snapshotErrors = 0
	ps.lastReset = now

	return
}

// LogStats logs a formatted summary and resets the counters.
func (ps *PipelineStats) LogStats() {
	readings, rejected, predictOnly, events, snapshotErrors, duration := ps.GetAndReset()
	if readings == 0 && rejected == 0 {
		return
	}
	perSec := float64(readings) / duration.Seconds()
	monitoring.Logf("Fuel pipeline stats: %.1f readings/sec, %d rejected, %d predict-only, %d events, %d snapshot errors",
		perSec, rejected, predictOnly, events, snapshotErrors)
}
