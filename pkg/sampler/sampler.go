package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/faults"
	"github.com/rs/zerolog"
)

const bytesPerMB = 1024 * 1024

// Sample is one observation of the host.
type Sample struct {
	Features  events.FeatureVector
	Timestamp time.Time
	Location  string
}

// Options configure a Sampler.
type Options struct {
	DiskPath string
	Location string
	Faults   *faults.Handler
	Logger   zerolog.Logger
	// Now returns local wall-clock time. Defaults to time.Now.
	Now func() time.Time
}

// Sampler owns the host-wide counters shared by the producers: the previous
// network readings, the daily quota counter and the trailing CPU trend.
type Sampler struct {
	probe    Probe
	quota    *DailyQuotaCounter
	faults   *faults.Handler
	logger   zerolog.Logger
	now      func() time.Time
	diskPath string
	location string

	sampleMu sync.Mutex // serializes Sample calls

	mu       sync.RWMutex
	prevSent uint64
	prevRecv uint64
	havePrev bool
	latest   Sample
	trend    []float64
}

func New(probe Probe, opts Options) *Sampler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	return &Sampler{
		probe:    probe,
		quota:    NewDailyQuotaCounter(),
		faults:   opts.Faults,
		logger:   opts.Logger.With().Str("component", "sampler").Logger(),
		now:      opts.Now,
		diskPath: opts.DiskPath,
		location: opts.Location,
		latest:   Sample{Location: opts.Location},
	}
}

// Sample reads the host once. Any failing OS query yields a zero-valued
// feature vector and a logged sampling fault; the quota counter is only
// advanced by successful samples.
func (s *Sampler) Sample(ctx context.Context) Sample {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()

	now := s.now()
	fv, sent, recv, err := s.read(ctx)
	if err != nil {
		_ = s.faults.Handle(ctx, faults.NewSamplingFault("sampler", "sample", err))
		fv = events.FeatureVector{}
	}

	s.mu.Lock()
	if err == nil {
		if s.havePrev {
			fv.NetSentMB = deltaMB(sent, s.prevSent)
			fv.NetRecvMB = deltaMB(recv, s.prevRecv)
		}
		s.prevSent, s.prevRecv, s.havePrev = sent, recv, true
	}
	sample := Sample{Features: fv, Timestamp: now, Location: s.location}
	s.latest = sample
	s.trend = append(s.trend, fv.CPUPercent)
	if len(s.trend) > events.CPUTrendLength {
		s.trend = s.trend[len(s.trend)-events.CPUTrendLength:]
	}
	s.mu.Unlock()

	if err == nil {
		usage := s.quota.Add(fv.NetSentMB+fv.NetRecvMB, now)
		s.logger.Debug().
			Float64("cpu", fv.CPUPercent).
			Float64("memory", fv.MemoryPercent).
			Float64("disk", fv.DiskPercent).
			Float64("daily_usage_mb", usage).
			Msg("Host sampled")
	}
	return sample
}

func (s *Sampler) read(ctx context.Context) (events.FeatureVector, uint64, uint64, error) {
	var fv events.FeatureVector
	var err error

	if fv.CPUPercent, err = s.probe.CPUPercent(ctx); err != nil {
		return fv, 0, 0, fmt.Errorf("cpu: %w", err)
	}
	if fv.MemoryPercent, err = s.probe.MemoryPercent(ctx); err != nil {
		return fv, 0, 0, fmt.Errorf("memory: %w", err)
	}
	if fv.DiskPercent, err = s.probe.DiskPercent(ctx, s.diskPath); err != nil {
		return fv, 0, 0, fmt.Errorf("disk %s: %w", s.diskPath, err)
	}
	sent, recv, err := s.probe.NetIOBytes(ctx)
	if err != nil {
		return fv, 0, 0, fmt.Errorf("network: %w", err)
	}
	if fv.ProcessCount, err = s.probe.ProcessCount(ctx); err != nil {
		return fv, 0, 0, fmt.Errorf("processes: %w", err)
	}
	return fv, sent, recv, nil
}

// deltaMB converts a counter difference to MB. A counter that went
// backwards (interface reset) yields zero.
func deltaMB(cur, prev uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / bytesPerMB
}

// Latest returns the most recent sample, or a zero sample before the first.
func (s *Sampler) Latest() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// CPUTrend returns the last CPUTrendLength CPU readings, oldest first. Before
// enough samples exist the oldest reading is repeated at the front.
func (s *Sampler) CPUTrend() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]float64, events.CPUTrendLength)
	if len(s.trend) == 0 {
		return out
	}
	pad := events.CPUTrendLength - len(s.trend)
	for i := range out {
		if i < pad {
			out[i] = s.trend[0]
		} else {
			out[i] = s.trend[i-pad]
		}
	}
	return out
}

// Quota exposes the daily quota counter to the scorer.
func (s *Sampler) Quota() *DailyQuotaCounter {
	return s.quota
}

// DailyUsageMB returns the network usage counted for the current day.
func (s *Sampler) DailyUsageMB() float64 {
	return s.quota.UsageMB()
}

func (s *Sampler) Location() string {
	return s.location
}

// Now returns the sampler's notion of local wall-clock time.
func (s *Sampler) Now() time.Time {
	return s.now()
}
