// Command indexer wires C1..C7 and runs the indexer loop until a shutdown
// signal arrives, grounded on services/lending/main.go's
// signal.NotifyContext + bounded grace period shutdown pattern.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lendindexer/internal/chain"
	"lendindexer/internal/config"
	"lendindexer/internal/logging"
	"lendindexer/internal/pipeline"
	"lendindexer/internal/pushbus"
	"lendindexer/internal/store"
	"lendindexer/internal/telemetry"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("lendindexer", os.Getenv("NHB_ENV"), cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "lendindexer",
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	chainAdapter, err := chain.New(chain.Config{Endpoint: cfg.RPCEndpoint})
	if err != nil {
		log.Fatalf("connect chain adapter: %v", err)
	}
	defer chainAdapter.Close()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	bus := pushbus.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor, err := pipeline.NewProcessor(ctx, chainAdapter, st, bus, cfg.FactoryAddress, logger)
	if err != nil {
		log.Fatalf("build processor: %v", err)
	}

	loop := pipeline.NewLoop(chainAdapter, st, processor, pipeline.LoopConfig{
		StartHeight:  cfg.StartBlockHeight,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
	}, logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- loop.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		select {
		case err := <-runErr:
			if err != nil {
				logger.Error("loop exited with error during shutdown", "error", err)
			}
		case <-time.After(30 * time.Second):
			logger.Warn("loop did not exit within grace period")
		}
	case err := <-runErr:
		if err != nil {
			logger.Error("loop halted", "error", err)
			os.Exit(1)
		}
	}
}
