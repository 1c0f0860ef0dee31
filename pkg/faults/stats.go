package faults

import (
	"context"
	"sync"
)

// StatsCollector keeps in-memory fault counters.
type StatsCollector struct {
	mu    sync.Mutex
	stats Stats
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		stats: Stats{
			FaultsByKind:      make(map[Kind]int),
			FaultsByComponent: make(map[string]int),
			FaultsBySeverity:  make(map[Severity]int),
		},
	}
}

func (c *StatsCollector) CollectFault(_ context.Context, f *Fault) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalFaults++
	c.stats.FaultsByKind[f.Kind]++
	c.stats.FaultsByComponent[f.Component]++
	c.stats.FaultsBySeverity[f.Severity]++
	last := *f
	c.stats.LastFault = &last
	return nil
}

// GetStats returns a copy of the current counters.
func (c *StatsCollector) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Stats{
		TotalFaults:       c.stats.TotalFaults,
		FaultsByKind:      make(map[Kind]int, len(c.stats.FaultsByKind)),
		FaultsByComponent: make(map[string]int, len(c.stats.FaultsByComponent)),
		FaultsBySeverity:  make(map[Severity]int, len(c.stats.FaultsBySeverity)),
	}
	for k, v := range c.stats.FaultsByKind {
		out.FaultsByKind[k] = v
	}
	for k, v := range c.stats.FaultsByComponent {
		out.FaultsByComponent[k] = v
	}
	for k, v := range c.stats.FaultsBySeverity {
		out.FaultsBySeverity[k] = v
	}
	if c.stats.LastFault != nil {
		last := *c.stats.LastFault
		out.LastFault = &last
	}
	return out
}
