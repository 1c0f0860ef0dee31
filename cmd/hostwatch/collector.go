package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/collector"
	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/faults"
	"github.com/lucid-vigil/hostwatch/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newCollectorCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Accept agent streams, aggregate per-agent state and serve observers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := bootstrap()
			if err != nil {
				return err
			}
			defer closer.Close()
			if listen != "" {
				cfg.Collector.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCollector(ctx, cfg.Collector)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides collector.listen")
	return cmd
}

func runCollector(ctx context.Context, cfg config.CollectorConfig) error {
	logger := log.Logger
	log.Info().Str("listen", cfg.Listen).Str("store", cfg.Store.Driver).Msg("Collector starting...")

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close event store")
		}
	}()

	var sink *collector.KafkaAlertSink
	if cfg.Kafka.Enabled {
		sink = collector.NewKafkaAlertSink(collector.NewKafkaWriter(cfg.Kafka, logger), logger)
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close kafka writer")
			}
		}()
	}

	bus := events.NewEventBus(logger, cfg.EventBus.BufferSize)
	if sink != nil {
		bus.Subscribe(sink)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Forwarding alerts to kafka")
	}
	// The bus outlives the server so alerts published during shutdown still
	// reach the sink; Stop delivers what is queued.
	bus.Start(context.WithoutCancel(ctx))
	defer bus.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := collector.New(st, bus, collector.Options{
		Validator: events.NewEventValidator(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		Faults:    faults.NewHandler(logger, faults.NewStatsCollector()),
		Metrics:   collector.NewMetrics(reg),
		Logger:    logger,
	})
	server := collector.NewServer(c, bus, cfg, reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	err = g.Wait()
	log.Info().Msg("Collector stopped.")
	return err
}
