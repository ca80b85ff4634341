package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gradsync/exchange"
	"gradsync/status"
	"gradsync/trainer"
	"gradsync/util"
)

func main() {
	var (
		configPath string
		envFile    string
		local      int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "train one rank, averaging gradients with the other ranks through the shared namespace",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := util.LoadWorkerConfig(configPath, envFile)
			util.CheckErr(err, "worker: %v\n", err)

			logger, err := util.NewLogger(cfg.Log)
			util.CheckErr(err, "worker: could not build logger: %v\n", err)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if local > 0 {
				err = runLocal(ctx, cfg, local, logger)
			} else {
				err = runRank(ctx, cfg, logger)
			}
			if err != nil {
				logger.Error("training failed", zap.Error(err))
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", util.GetConfigPath(util.WorkerConfigName(0)), "worker config file")
	cmd.Flags().StringVar(&envFile, "env", ".env", "optional file of environment overrides")
	cmd.Flags().IntVar(&local, "local", 0, "run this many ranks as goroutines of one process")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRank(ctx context.Context, cfg *util.WorkerConfig, logger *zap.Logger) error {
	logger = logger.With(zap.Int("rank", cfg.Rank))
	ns := exchange.NewOsNamespace(cfg.NamespaceRoot)

	var tracker *status.Tracker
	if cfg.StatusListenAddr != "" {
		tracker = status.NewTracker(cfg.Rank, cfg.WorldSize, cfg.Rank == cfg.LeaderRank)
		go func() {
			if err := status.Serve(cfg.StatusListenAddr, tracker, logger); err != nil {
				logger.Error("status endpoint stopped", zap.Error(err))
			}
		}()
	}

	t, closeLedger, err := trainer.Build(ctx, cfg, ns, tracker, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger(); err != nil {
			logger.Warn("closing ledger", zap.Error(err))
		}
	}()
	return t.Run(ctx)
}

// runLocal starts worldSize ranks in this process from one config. Each rank
// gets its own checkpoint file; only the leader serves status.
func runLocal(ctx context.Context, base *util.WorkerConfig, worldSize int, logger *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < worldSize; rank++ {
		cfg := *base
		cfg.Rank = rank
		cfg.WorldSize = worldSize
		cfg.CheckpointPath = rankPath(base.CheckpointPath, rank)
		if rank != cfg.LeaderRank {
			cfg.StatusListenAddr = ""
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		g.Go(func() error {
			return runRank(ctx, &cfg, logger)
		})
	}
	return g.Wait()
}

func rankPath(path string, rank int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-rank%d%s", strings.TrimSuffix(path, ext), rank, ext)
}
