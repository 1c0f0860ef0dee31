package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/sampler"
	"github.com/lucid-vigil/hostwatch/pkg/scoring"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBaselineCmd() *cobra.Command {
	var (
		duration time.Duration
		interval time.Duration
		out      string
	)
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Sample this host under normal load and fit a baseline model",
		Long: `baseline samples the host every --interval for --duration, fits the
per-feature mean and standard deviation and writes the model as YAML. Run it
while the host is behaving normally; the agent loads the file from
machine_learning.model_path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := bootstrap()
			if err != nil {
				return err
			}
			defer closer.Close()
			if out == "" {
				out = cfg.MachineLearning.ModelPath
			}
			if interval <= 0 || duration < interval {
				return fmt.Errorf("need 0 < interval <= duration, got interval=%s duration=%s", interval, duration)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			smp := sampler.New(sampler.NewGopsutilProbe(0), sampler.Options{
				DiskPath: cfg.Agent.DiskPath,
				Location: cfg.Agent.Location,
				Logger:   log.Logger,
			})
			samples := collectSamples(ctx, smp, duration, interval)

			model, err := scoring.FitBaseline(samples, cfg.MachineLearning.AnomalyThreshold)
			if err != nil {
				return fmt.Errorf("failed to fit baseline: %w", err)
			}
			if err := model.Save(out); err != nil {
				return err
			}
			log.Info().Str("path", out).Int("samples", model.Samples).Msg("Baseline model written")
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Minute, "how long to sample")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "time between samples")
	cmd.Flags().StringVar(&out, "out", "", "model file, defaults to machine_learning.model_path")
	return cmd
}

// collectSamples reads the host until duration elapses or ctx is cancelled.
// The first reading only primes the network counters and is discarded.
func collectSamples(ctx context.Context, s interface {
	Sample(context.Context) sampler.Sample
}, duration, interval time.Duration) []events.FeatureVector {
	s.Sample(ctx)

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var samples []events.FeatureVector
	for {
		select {
		case <-ctx.Done():
			log.Warn().Int("samples", len(samples)).Msg("Sampling interrupted")
			return samples
		case <-deadline.C:
			return samples
		case <-ticker.C:
			samples = append(samples, s.Sample(ctx).Features)
			if len(samples)%60 == 0 {
				log.Info().Int("samples", len(samples)).Msg("Sampling...")
			}
		}
	}
}
