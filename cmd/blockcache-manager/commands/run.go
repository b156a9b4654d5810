package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/blockcache/internal/config"
	"github.com/marmos91/blockcache/internal/logger"
	"github.com/marmos91/blockcache/internal/metrics"
	"github.com/marmos91/blockcache/pkg/blockcache"
	"github.com/marmos91/blockcache/pkg/eviction"
	"github.com/marmos91/blockcache/pkg/manager"
	"github.com/marmos91/blockcache/pkg/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the manager (rank 0) and block until shutdown",
	RunE:  runManager,
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Transport.Rank != 0 {
		return fmt.Errorf("blockcache-manager requires transport.rank == 0, got %d", cfg.Transport.Rank)
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	policy, err := eviction.New(eviction.Kind(cfg.Cache.EvictionPolicy))
	if err != nil {
		return fmt.Errorf("constructing eviction policy: %w", err)
	}
	cache := blockcache.New(cfg.Cache.CapacityBytes, policy)

	var rec *metrics.Recorder
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		rec = metrics.New(cfg.Cache.EvictionPolicy)
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: rec.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	fabric := transport.NewTCPFabric(transport.TCPConfig{
		Rank:   cfg.Transport.Rank,
		World:  cfg.Transport.WorldSize,
		Listen: cfg.Transport.Listen,
		Peers:  cfg.Transport.Peers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fabric.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer fabric.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	if err := fabric.WaitForPeers(waitCtx, cfg.Transport.WorldSize-1); err != nil {
		return fmt.Errorf("waiting for workers to connect: %w", err)
	}
	logger.Info("all workers connected", "world_size", cfg.Transport.WorldSize)

	mgr := manager.New(fabric, cache, logger.With("component", "manager"), rec)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("manager running, press Ctrl+C to stop")
	<-sigCh
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := mgr.Finalize(shutdownCtx); err != nil {
		logger.Errorf("finalize: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	stats := mgr.Stats()
	logger.Info("manager stopped", "entries", stats.Entries, "current_bytes", stats.CurrentBytes)
	return nil
}
