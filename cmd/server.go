package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/config"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/http"
	clientwritermanager "github.com/marvin-hansen/iggy-streaming-system-sub001/services/clientWriterManager"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services/downstream"
	eventprocessor "github.com/marvin-hansen/iggy-streaming-system-sub001/services/eventProcessor"
	valkey "github.com/marvin-hansen/iggy-streaming-system-sub001/services/inMemCache/valKey"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services/integration/replay"
	metricsregistry "github.com/marvin-hansen/iggy-streaming-system-sub001/services/metricsRegistry"
	natssink "github.com/marvin-hansen/iggy-streaming-system-sub001/services/natsSink"
	pubSubProvider "github.com/marvin-hansen/iggy-streaming-system-sub001/services/pubsub/nats"
	websocketbridge "github.com/marvin-hansen/iggy-streaming-system-sub001/services/websocketBridge"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

var serveCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the integration management service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, env)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, cleanup := SetupLogger()
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(slogctx.NewCtx(ctx, logger), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func resolveNodeID(cfg *config.Config) common.NodeID {
	if cfg.Processor.NodeID != "" {
		return common.NodeID(cfg.Processor.NodeID)
	}
	if hostName, err := os.Hostname(); err == nil && hostName != "" {
		return common.NodeID(hostName)
	}
	return eventprocessor.DefaultOptions().NodeID
}

func newIntegration(ctx context.Context, cfg *config.Config) (*replay.Integration, error) {
	switch cfg.Integration.Kind {
	case "", replay.Name:
		opts := replay.DefaultOptions()
		opts.Symbols = cfg.Integration.Symbols
		opts.Interval = cfg.BarInterval()
		opts.Seed = cfg.Integration.Seed
		return replay.New(ctx, opts), nil
	default:
		return nil, fmt.Errorf("unknown integration kind %q", cfg.Integration.Kind)
	}
}

func processorOptions(cfg *config.Config, nodeID common.NodeID) eventprocessor.Options {
	return eventprocessor.Options{
		NodeID:           nodeID,
		StartTimeout:     cfg.StartTimeout(),
		StopTimeout:      cfg.StopTimeout(),
		DrainTimeout:     cfg.DrainTimeout(),
		FanoutWorkers:    cfg.Processor.FanoutWorkers,
		FanoutQueueSize:  cfg.Processor.FanoutQueueSize,
		DirectoryRecheck: cfg.DirectoryRecheck(),
	}
}

// run serves until ctx ends or the listener fails, then shuts the processor
// down so every client is told before the process exits.
func run(ctx context.Context, cfg *config.Config) error {
	nodeID := resolveNodeID(cfg)
	logger := slogctx.FromCtx(ctx).With("node-id", nodeID, "environment", cfg.Environment)
	ctx = slogctx.NewCtx(ctx, logger)

	metrics := metricsregistry.New(string(nodeID))
	writers := clientwritermanager.NewClientWriterManager(logger)

	integration, err := newIntegration(ctx, cfg)
	if err != nil {
		return err
	}
	opts := processorOptions(cfg, nodeID)

	var (
		bus       *pubSubProvider.NatsPubSub
		directory *valkey.ValkeyStreamDirectory
		consumer  *downstream.Consumer
	)
	if cfg.IsCluster() {
		if cfg.PubSub.Provider != "nats" {
			return fmt.Errorf("unsupported pubsub provider %q", cfg.PubSub.Provider)
		}
		directory, err = valkey.NewValkeyStreamDirectory(cfg)
		if err != nil {
			return fmt.Errorf("stream directory: %w", err)
		}
		defer directory.Close()
		opts.Directory = directory

		bus, err = pubSubProvider.NewNatsPubSub(ctx, cfg.PubSub.URL)
		if err != nil {
			return fmt.Errorf("data bus: %w", err)
		}
		defer bus.Close()
	}

	processor := eventprocessor.New(ctx, integration, writers, metrics, opts)

	if cfg.IsCluster() {
		integration.SetSink(natssink.New(bus))
		consumer = downstream.New(bus, processor, metrics, nodeID).WithStream(cfg.PubSub.Stream)
		if err := consumer.Start(ctx); err != nil {
			shutdownProcessor(logger, cfg, processor)
			return err
		}
	} else {
		integration.SetSink(processor)
	}

	server := http.New(processor, websocketbridge.NewWsBridgeFactory(processor, writers, metrics), metrics, logger, cfg)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(ctx) }()

	var failed error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case failed = <-serveErr:
		if failed != nil {
			logger.Error("server stopped", "error", failed)
		}
	}

	err = shutdownProcessor(logger, cfg, processor)
	if consumer != nil {
		if stopErr := consumer.Stop(); stopErr != nil {
			logger.Warn("downstream stop", "error", stopErr)
		}
	}
	// Shutdown uses its own budget; ctx is already done here.
	if shutdownErr := server.Shutdown(context.Background()); shutdownErr != nil {
		logger.Warn("http shutdown", "error", shutdownErr)
	}
	return errors.Join(failed, err)
}

func shutdownProcessor(logger *slog.Logger, cfg *config.Config, processor *eventprocessor.Processor) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := processor.Shutdown(ctx); err != nil {
		logger.Error("processor shutdown", "error", err)
		return fmt.Errorf("processor shutdown: %w", err)
	}
	logger.Info("processor shut down")
	return nil
}
