package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/rs/zerolog/log"
)

// Monitor defines the interface for any producer that can be scheduled.
type Monitor interface {
	Name() string
	Run(ctx context.Context)
}

// Starter is implemented by monitors that need one-time setup before their
// first run, such as a filesystem watcher.
type Starter interface {
	Start(ctx context.Context) error
}

// Scheduler manages the registration and execution of producers.
type Scheduler struct {
	monitors []Monitor
	config   *config.Config
	wg       sync.WaitGroup
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler(cfg *config.Config) *Scheduler {
	return &Scheduler{
		config: cfg,
	}
}

// RegisterMonitor adds a monitor to the scheduler's list.
func (s *Scheduler) RegisterMonitor(m Monitor) {
	s.monitors = append(s.monitors, m)
	log.Info().Msgf("Monitor '%s' registered.", m.Name())
}

// Start launches all enabled monitors with their configured intervals.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("Scheduler starting...")

	for _, mon := range s.monitors {
		monitorConfig := s.config.GetMonitorConfig(mon.Name())
		if monitorConfig == nil || !monitorConfig.Enabled {
			log.Info().Msgf("Monitor '%s' is disabled or not configured, skipping.", mon.Name())
			continue
		}

		duration, err := time.ParseDuration(monitorConfig.Interval)
		if err != nil || duration <= 0 {
			log.Error().Err(err).Msgf("Invalid interval for monitor '%s', skipping.", mon.Name())
			continue
		}

		if starter, ok := mon.(Starter); ok {
			if err := starter.Start(ctx); err != nil {
				log.Error().Err(err).Msgf("Monitor '%s' failed to start, skipping.", mon.Name())
				continue
			}
		}

		log.Info().Msgf("Starting monitor '%s' with interval %s", mon.Name(), duration)
		s.wg.Add(1)
		go s.runMonitor(ctx, mon, duration)
	}

	log.Info().Msg("All configured monitors started.")
}

// Wait blocks until every started monitor has returned after cancellation.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runMonitor(ctx context.Context, m Monitor, interval time.Duration) {
	defer s.wg.Done()

	// Run immediately on start
	log.Debug().Msgf("Running monitor '%s' for the first time.", m.Name())
	m.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Debug().Msgf("Running monitor '%s'.", m.Name())
			m.Run(ctx)
		case <-ctx.Done():
			log.Info().Msgf("Monitor '%s' received shutdown signal.", m.Name())
			return
		}
	}
}
