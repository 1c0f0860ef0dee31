package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/api"
	"github.com/lucid-vigil/hostwatch/pkg/buffer"
	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/faults"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/activity"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/base"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/filesystem"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/metrics"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/process"
	"github.com/lucid-vigil/hostwatch/pkg/sampler"
	"github.com/lucid-vigil/hostwatch/pkg/scheduler"
	"github.com/lucid-vigil/hostwatch/pkg/scoring"
	"github.com/lucid-vigil/hostwatch/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Sample this host, score activity and stream it to the collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := bootstrap()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg)
		},
	}
}

func loadModel(cfg config.MachineLearningConfig) scoring.Model {
	if !cfg.Enabled {
		log.Info().Msg("Machine learning disabled, scoring with rules only")
		return nil
	}
	model, err := scoring.LoadBaselineModel(cfg.ModelPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.ModelPath).Msg("Baseline model unavailable, scoring with rules only")
		return nil
	}
	log.Info().Str("path", cfg.ModelPath).Int("samples", model.Samples).Msg("Baseline model loaded")
	return model
}

func runAgent(ctx context.Context, cfg *config.Config) error {
	started := time.Now()
	logger := log.Logger
	log.Info().Str("agent_id", cfg.Agent.ID).Str("collector", cfg.Agent.CollectorURL).Msg("Agent starting...")

	stats := faults.NewStatsCollector()
	fh := faults.NewHandler(logger, stats)

	smp := sampler.New(sampler.NewGopsutilProbe(0), sampler.Options{
		DiskPath: cfg.Agent.DiskPath,
		Location: cfg.Agent.Location,
		Faults:   fh,
		Logger:   logger,
	})
	scorer := scoring.NewScorer(loadModel(cfg.MachineLearning), scoring.Policy{
		NormalHourStart:  cfg.Policy.NormalHours.Start,
		NormalHourEnd:    cfg.Policy.NormalHours.End,
		ExpectedLocation: cfg.Policy.ExpectedLocation,
		DailyQuotaMB:     cfg.Policy.DailyQuotaMB,
	}, smp.Quota(), fh)

	buf := buffer.New()
	rec := base.NewRecorder(buf, scorer, smp)
	rec.Append(rec.Informational(events.ActivityStartUp, fmt.Sprintf("System started by %s", cfg.Agent.CurrentUser)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := stream.NewClient(&stream.WSDialer{WriteTimeout: cfg.Agent.SendTimeout}, buf, smp, stream.Options{
		URL: cfg.Agent.CollectorURL,
		Identity: events.Identity{
			AgentID:     cfg.Agent.ID,
			SystemName:  cfg.Agent.SystemName,
			Version:     cfg.Agent.Version,
			CurrentUser: cfg.Agent.CurrentUser,
		},
		Status:         cfg.Agent.Status,
		UpdateInterval: cfg.Agent.UpdateInterval,
		ConnectTimeout: cfg.Agent.ConnectTimeout,
		Retry: stream.RetryPolicy{
			MaxAttempts:  cfg.Agent.Reconnect.MaxAttempts,
			InitialDelay: cfg.Agent.Reconnect.InitialDelay,
			MaxDelay:     cfg.Agent.Reconnect.MaxDelay,
		},
		MaxBatchEvents:  cfg.Agent.MaxBatchEvents,
		MaxMessageBytes: cfg.Agent.MaxMessageBytes,
		Faults:          fh,
		Metrics:         stream.NewMetrics(reg),
		Logger:          logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	sched := scheduler.NewScheduler(cfg)
	sched.RegisterMonitor(metrics.NewMetricsMonitor(smp, rec, logger))
	sched.RegisterMonitor(process.NewProcessMonitor(process.GopsutilLister{}, cfg.Agent.SuspiciousNames, rec, logger))
	sched.RegisterMonitor(filesystem.NewFilesystemMonitor(cfg.Agent.WatchPath, cfg.Agent.ScoreFileEvents, rec, logger))
	sched.RegisterMonitor(activity.NewActivityMonitor(cfg.Agent.CurrentUser, rec, logger))
	sched.Start(gctx)

	apiServer := api.NewServer(client, buf, stats, reg)
	g.Go(func() error {
		return apiServer.StartAPIServer(gctx, cfg.APIPort)
	})
	g.Go(func() error {
		err := client.Run(gctx)
		if errors.Is(err, stream.ErrRetriesExhausted) {
			// Producers keep sampling; health reports the failed link.
			log.Error().Err(err).Msg("Collector unreachable, streaming stopped")
			return nil
		}
		return err
	})

	runErr := g.Wait()
	sched.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ConnectTimeout+cfg.Agent.SendTimeout)
	defer cancel()
	if err := client.Shutdown(shutdownCtx); err != nil && !errors.Is(err, stream.ErrStopped) {
		log.Warn().Err(err).Msg("Shutdown did not deliver the final update")
	}

	log.Info().Dur("uptime", time.Since(started)).Msg("Agent stopped.")
	return runErr
}
