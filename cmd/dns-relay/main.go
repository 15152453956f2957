package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dns-relay/pkg/config"
	"dns-relay/pkg/dump"
	"dns-relay/pkg/events"
	"dns-relay/pkg/forwarder"
	"dns-relay/pkg/logging"
	"dns-relay/pkg/relay"
	"dns-relay/pkg/storage"
	"dns-relay/pkg/telemetry"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Configuration provider: hot-reloading watcher when a config file is
	// present, baked-in defaults otherwise.
	var provider config.Provider
	var watcher *config.Watcher

	cfg := config.LoadWithDefaults()
	if _, statErr := os.Stat(*configPath); statErr == nil {
		w, err := config.NewWatcher(*configPath, logging.NewDefault().Logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		watcher = w
		provider = w
		cfg = w.Config()
	} else {
		provider = config.NewStatic(cfg)
	}

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("dns-relay starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if watcher != nil {
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	// Initialize telemetry
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Query log persistence (optional)
	var store storage.Storage
	var queryLogger *events.QueryLogger
	if cfg.Storage.Enabled {
		store, err = storage.NewSQLiteStorage(&cfg.Storage)
		if err != nil {
			logger.Error("Failed to open query log storage", "error", err)
			os.Exit(1)
		}
		queryLogger = events.NewQueryLogger(store, logger, cfg.Storage.BufferSize, cfg.Storage.Workers)
		go retentionLoop(ctx, store, cfg.Storage.LogRetentionDays, logger)
	}

	// Packet dumping (optional)
	dumpCfg := relay.DumpConfig{}
	if cfg.Server.DumpPackets {
		writer, dumpErr := dump.NewWriter(cfg.Server.DumpDir)
		if dumpErr != nil {
			logger.Error("Failed to initialize packet dumping", "error", dumpErr)
			os.Exit(1)
		}
		dumpCfg = relay.DumpConfig{Enabled: true, Writer: writer}
		logger.Info("Packet dumping enabled", "dir", cfg.Server.DumpDir)
	}

	// Build the relay pipeline
	emitter := events.NewEmitter(logger, queryLogger)
	fwd := forwarder.New(logger, metrics)
	worker := relay.NewWorker(provider, fwd, emitter, metrics, logger)
	listener := relay.NewListener(worker, logger)
	supervisor := relay.NewSupervisor(listener, logger, metrics)

	// One supervised listener per configured address family
	var states []*relay.ListenerState
	for _, family := range cfg.Server.Families {
		state, startErr := supervisor.Start(relay.ListenerConfig{
			Family: family,
			Port:   cfg.Server.Port(),
			Dump:   dumpCfg,
		})
		if startErr != nil {
			logger.Error("Failed to start listener", "family", family, "error", startErr)
			os.Exit(1)
		}
		states = append(states, state)
	}

	logger.Info("dns-relay is running",
		"port", cfg.Server.Port(),
		"families", cfg.Server.Families,
		"upstream", cfg.Upstream.Host,
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	cancel()
	for _, state := range states {
		state.Close()
	}

	if queryLogger != nil {
		queryLogger.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("Error closing query log storage", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("dns-relay stopped")
}

// retentionLoop periodically deletes query log entries past the retention window
func retentionLoop(ctx context.Context, store storage.Storage, retentionDays int, logger *logging.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			if err := store.Cleanup(ctx, cutoff); err != nil {
				logger.Error("Query log cleanup failed", "error", err)
			}
		}
	}
}
