package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/blockcache/internal/config"
	"github.com/marmos91/blockcache/internal/logger"
	"github.com/marmos91/blockcache/pkg/transport"
	"github.com/marmos91/blockcache/pkg/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the manager and serve blocks until FINISH",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Transport.Rank < 1 {
		return fmt.Errorf("blockcache-worker requires transport.rank >= 1, got %d", cfg.Transport.Rank)
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	fabric := transport.NewTCPFabric(transport.TCPConfig{
		Rank:   cfg.Transport.Rank,
		World:  cfg.Transport.WorldSize,
		Listen: cfg.Transport.Listen,
		Peers:  cfg.Transport.Peers,
	})

	ctx := context.Background()
	if err := fabric.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer fabric.Close()

	w := worker.New(fabric, logger.With("component", "worker", "rank", cfg.Transport.Rank))
	logger.Info("worker ready", "rank", cfg.Transport.Rank)
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	logger.Info("worker exited cleanly", "blocks_held", w.Len())
	return nil
}
