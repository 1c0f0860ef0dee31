package process

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/base"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const MonitorName = "process_monitor"

// ProcessInfo is what the monitor needs to know about a new process.
type ProcessInfo struct {
	PID  int32
	Name string
	Exe  string
}

// Lister enumerates processes. Describe fails for processes that exited or
// cannot be inspected.
type Lister interface {
	Pids(ctx context.Context) ([]int32, error)
	Describe(ctx context.Context, pid int32) (ProcessInfo, error)
}

// GopsutilLister reads the process table through gopsutil.
type GopsutilLister struct{}

func (GopsutilLister) Pids(ctx context.Context) ([]int32, error) {
	return process.PidsWithContext(ctx)
}

func (GopsutilLister) Describe(ctx context.Context, pid int32) (ProcessInfo, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessInfo{}, err
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ProcessInfo{}, err
	}
	// The executable path is often unreadable for other users' processes.
	exe, _ := p.ExeWithContext(ctx)
	return ProcessInfo{PID: pid, Name: name, Exe: exe}, nil
}

// ProcessMonitor implements the scheduler.Monitor interface. Each run it
// diffs the process table against the previous run and emits a scored
// ProcessStarted event for every new process.
type ProcessMonitor struct {
	*base.BaseMonitor
	lister            Lister
	suspiciousNames   []string
	previousProcesses map[int32]bool
}

// NewProcessMonitor creates a monitor flagging processes whose name contains
// any of suspiciousNames, case-insensitively.
func NewProcessMonitor(lister Lister, suspiciousNames []string, recorder *base.Recorder, logger zerolog.Logger) *ProcessMonitor {
	names := make([]string, 0, len(suspiciousNames))
	for _, n := range suspiciousNames {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			names = append(names, n)
		}
	}
	return &ProcessMonitor{
		BaseMonitor:     base.NewBaseMonitor(MonitorName, recorder, logger),
		lister:          lister,
		suspiciousNames: names,
	}
}

// Run is called by the scheduler on every tick. The first run only seeds the
// known set.
func (pm *ProcessMonitor) Run(ctx context.Context) {
	pids, err := pm.lister.Pids(ctx)
	pm.MarkRun(pm.Recorder().Now(), err)
	if err != nil {
		pm.Logger().Error().Err(err).Msg("Failed to get current process list for creation monitoring.")
		return
	}

	current := make(map[int32]bool, len(pids))
	for _, pid := range pids {
		current[pid] = true
	}

	if pm.previousProcesses == nil {
		pm.previousProcesses = current
		pm.Logger().Debug().Int("processes", len(current)).Msg("Seeded known process set")
		return
	}

	var started []int32
	for pid := range current {
		if !pm.previousProcesses[pid] {
			started = append(started, pid)
		}
	}
	pm.previousProcesses = current
	sort.Slice(started, func(i, j int) bool { return started[i] < started[j] })

	for _, pid := range started {
		info, err := pm.lister.Describe(ctx, pid)
		if err != nil {
			// Exited or inaccessible before we could look at it.
			pm.IncMetric("processes_skipped", 1)
			continue
		}
		pm.Emit(pm.event(info, len(current)))
	}
	pm.UpdateMetrics("known_processes", len(current))
}

func (pm *ProcessMonitor) event(info ProcessInfo, processCount int) events.ScoredEvent {
	rec := pm.Recorder()
	fv := rec.Latest().Features
	fv.ProcessCount = processCount
	fv.Suspicious = pm.isSuspicious(info.Name)

	details := fmt.Sprintf("Process: %s (PID: %d, Path: %s), Location=%s", info.Name, info.PID, info.Exe, rec.Location())
	return rec.Scored(events.ActivityProcessStarted, details, fv)
}

func (pm *ProcessMonitor) isSuspicious(name string) bool {
	name = strings.ToLower(name)
	for _, pattern := range pm.suspiciousNames {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}
