package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docstore/internal/config"
	"docstore/internal/host"
	"docstore/internal/telemetry"
	"docstore/internal/tracing"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg)

	log.Info().Str("listen", cfg.Cluster.ListenAddress).Str("peers", cfg.Cluster.Peers).Msg("Starting docstore node")

	telemetry.InitializeTelemetry(cfg.Prometheus.Enabled, cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		NodeID:      cfg.NodeID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	node, err := host.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create node")
	}
	if err := node.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start node")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	node.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}
}

func setupLogging(cfg *config.Config) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Logging.Format == "json" {
		writer = os.Stdout
	}
	logger := zerolog.New(writer).
		With().
		Timestamp().
		Str("node_id", cfg.NodeID).
		Logger()

	if cfg.Logging.Verbose {
		log.Logger = logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = logger.Level(zerolog.InfoLevel)
	}
}
