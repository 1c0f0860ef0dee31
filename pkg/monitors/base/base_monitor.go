package base

import (
	"sync"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/rs/zerolog"
)

// BaseMonitor provides a common foundation for all producers. It carries the
// recorder events are emitted through, logging with the monitor's name and
// status tracking.
type BaseMonitor struct {
	name      string
	recorder  *Recorder
	lastRun   time.Time
	lastError error
	metrics   map[string]interface{}
	logger    zerolog.Logger
	mu        sync.Mutex // protects lastRun, lastError and metrics
}

// NewBaseMonitor creates a BaseMonitor that emits events through recorder.
func NewBaseMonitor(name string, recorder *Recorder, logger zerolog.Logger) *BaseMonitor {
	return &BaseMonitor{
		name:     name,
		recorder: recorder,
		logger:   logger.With().Str("monitor", name).Logger(),
		metrics:  make(map[string]interface{}),
	}
}

// Name returns the monitor's name.
func (b *BaseMonitor) Name() string {
	return b.name
}

func (b *BaseMonitor) Recorder() *Recorder {
	return b.recorder
}

func (b *BaseMonitor) Logger() *zerolog.Logger {
	return &b.logger
}

// MarkRun records the outcome of one execution.
func (b *BaseMonitor) MarkRun(at time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRun = at
	b.lastError = err
}

// GetLastError returns the last error that occurred during execution.
func (b *BaseMonitor) GetLastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

// GetLastExecutionTime returns the last time the monitor was executed.
func (b *BaseMonitor) GetLastExecutionTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun
}

// GetMetrics returns a copy of the monitor's counters.
func (b *BaseMonitor) GetMetrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	dest := make(map[string]interface{}, len(b.metrics))
	for k, v := range b.metrics {
		dest[k] = v
	}
	return dest
}

// UpdateMetrics is a helper to update a metric value.
func (b *BaseMonitor) UpdateMetrics(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics[key] = value
}

// IncMetric adds delta to an integer counter.
func (b *BaseMonitor) IncMetric(key string, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.metrics[key].(int)
	b.metrics[key] = n + delta
}

// Emit records an event and counts it under events_emitted.
func (b *BaseMonitor) Emit(ev events.ScoredEvent) {
	b.recorder.Append(ev)
	b.IncMetric("events_emitted", 1)
	b.logger.Debug().
		Str("activity", string(ev.Activity)).
		Float64("anomaly_score", ev.AnomalyScore).
		Strs("alerts", ev.Alerts).
		Msg(ev.Details)
}
