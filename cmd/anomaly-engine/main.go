package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"anomaly-engine/internal/config"
	"anomaly-engine/internal/emit"
	"anomaly-engine/internal/ingest"
	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/rules"
	"anomaly-engine/internal/state"
	"anomaly-engine/internal/supervisor"
)

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store := state.New(cfg.RingBufferSize)

	thresholds := rules.Thresholds{
		SuddenDecelerationWarning:  cfg.Thresholds.SuddenDecelerationWarning,
		SuddenDecelerationCritical: cfg.Thresholds.SuddenDecelerationCritical,
		CentroidWarning:            cfg.Thresholds.CentroidWarning,
		CentroidCritical:           cfg.Thresholds.CentroidCritical,
		AgentDrop:                  cfg.Thresholds.AgentDrop,
	}
	engine := rules.NewEngine(logger,
		rules.NewSuddenDecelerationRule(thresholds),
		rules.NewPerceptionInstabilityRule(thresholds),
		rules.NewDropoutProxyRule(thresholds),
	)

	consumer, err := ingest.New(logger, ingest.NewKafkaReaderFactory(ingest.Config{
		Brokers:       cfg.Bus.Bootstrap,
		GroupID:       cfg.Bus.GroupID,
		Topic:         cfg.Bus.InTopic,
		DedupCapacity: cfg.DedupCapacity,
	}), cfg.DedupCapacity)
	if err != nil {
		logger.Fatal("failed to construct ingest consumer", logging.Error(err))
	}

	publisher := emit.New(logger, emit.NewKafkaWriterFactory(emit.Config{
		Brokers: cfg.Bus.Bootstrap,
		Topic:   cfg.Bus.OutTopic,
	}))

	sup := supervisor.New(logger, store, engine, consumer, publisher, supervisor.Config{
		DropoutWindow:        cfg.DropoutWindow,
		ShutdownGraceSeconds: cfg.ShutdownGraceSeconds,
		HealthAddr:           cfg.HealthAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("anomaly engine starting",
		logging.String("in_topic", cfg.Bus.InTopic),
		logging.String("out_topic", cfg.Bus.OutTopic),
		logging.String("health_addr", cfg.HealthAddr),
	)

	if err := sup.Run(ctx); err != nil {
		logger.Fatal("supervisor terminated", logging.Error(err))
	}

	logger.Info("anomaly engine stopped cleanly")
}
