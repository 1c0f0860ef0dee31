package sampler

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Probe reads raw host signals. Implementations must honor ctx.
type Probe interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
	DiskPercent(ctx context.Context, path string) (float64, error)
	// NetIOBytes returns cumulative bytes sent and received across all interfaces.
	NetIOBytes(ctx context.Context) (sent, recv uint64, err error)
	ProcessCount(ctx context.Context) (int, error)
}

// GopsutilProbe reads host signals through gopsutil.
type GopsutilProbe struct {
	// CPUInterval is the CPU measurement window. Zero compares against the
	// previous call and does not block.
	CPUInterval time.Duration
}

func NewGopsutilProbe(cpuInterval time.Duration) *GopsutilProbe {
	return &GopsutilProbe{CPUInterval: cpuInterval}
}

func (p *GopsutilProbe) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, p.CPUInterval, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, errors.New("cpu: no readings")
	}
	return percents[0], nil
}

func (p *GopsutilProbe) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (p *GopsutilProbe) DiskPercent(ctx context.Context, path string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

func (p *GopsutilProbe) NetIOBytes(ctx context.Context) (uint64, uint64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, errors.New("net: no counters")
	}
	return counters[0].BytesSent, counters[0].BytesRecv, nil
}

func (p *GopsutilProbe) ProcessCount(ctx context.Context) (int, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return len(pids), nil
}
