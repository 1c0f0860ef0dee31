package metrics

import (
	"context"
	"fmt"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/base"
	"github.com/lucid-vigil/hostwatch/pkg/sampler"
	"github.com/rs/zerolog"
)

const MonitorName = "metrics_monitor"

// HostSampler takes one reading of the host. *sampler.Sampler satisfies it.
type HostSampler interface {
	Sample(ctx context.Context) sampler.Sample
}

// MetricsMonitor samples host resources on every run and records a
// MetricsAnomaly event when the reading scores above the alert threshold.
// It is the only caller of Sample, so it also drives the network deltas,
// the CPU trend and the daily quota counter.
type MetricsMonitor struct {
	*base.BaseMonitor
	sampler HostSampler
}

func NewMetricsMonitor(s HostSampler, recorder *base.Recorder, logger zerolog.Logger) *MetricsMonitor {
	return &MetricsMonitor{
		BaseMonitor: base.NewBaseMonitor(MonitorName, recorder, logger),
		sampler:     s,
	}
}

func (mm *MetricsMonitor) Run(ctx context.Context) {
	s := mm.sampler.Sample(ctx)
	mm.MarkRun(s.Timestamp, nil)

	fv := s.Features
	mm.UpdateMetrics("cpu_percent", fv.CPUPercent)
	mm.UpdateMetrics("memory_percent", fv.MemoryPercent)
	mm.UpdateMetrics("disk_percent", fv.DiskPercent)

	details := fmt.Sprintf("Metrics: CPU=%.1f%%, Memory=%.1f%%, Disk=%.1f%%, Location=%s",
		fv.CPUPercent, fv.MemoryPercent, fv.DiskPercent, s.Location)
	ev := mm.Recorder().Scored(events.ActivityMetricsAnomaly, details, fv)
	if ev.AnomalyScore <= events.AlertThreshold {
		return
	}
	mm.Logger().Warn().
		Float64("anomaly_score", ev.AnomalyScore).
		Strs("alerts", ev.Alerts).
		Msg("Host metrics scored as anomalous.")
	mm.Emit(ev)
}
