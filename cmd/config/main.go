package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"gradsync/util"
)

func fail(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func genCmd() *cobra.Command {
	var (
		dir     string
		cluster util.ClusterConfig
	)
	cmd := cobra.Command{
		Use:   "gen WORLD_SIZE",
		Short: "write a cluster config and one worker config per rank",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			worldSize, err := strconv.Atoi(args[0])
			fail(err)
			cluster.WorldSize = worldSize
			cluster.PollIntervalMs = util.DEFAULT_POLL_INTERVAL_MS
			fail(util.GenerateWorkerConfigs(dir, cluster))
			fmt.Printf("wrote %d worker configs to %s\n", worldSize, dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "config", "output directory")
	cmd.Flags().StringVar(&cluster.NamespaceRoot, "root", "/mnt/shared/gradsync", "shared namespace root")
	cmd.Flags().IntVar(&cluster.LeaderRank, "leader", 0, "rank that aggregates")
	cmd.Flags().IntVar(&cluster.BarrierTimeoutMs, "barrier-timeout-ms", 0, "give up waiting for peers after this long; 0 waits forever")
	cmd.Flags().Float64Var(&cluster.Compression.TopKRatio, "topk", 0, "fraction of gradient entries to keep; 0 keeps all")
	cmd.Flags().StringVar(&cluster.Compression.Codec, "codec", "none", "payload compression: none, zstd or snappy")
	cmd.Flags().StringVar(&cluster.Ledger.Backend, "ledger", "file", "progress ledger: none, file, sql, dynamodb or mongodb")
	return &cmd
}

func syncCmd() *cobra.Command {
	var dir string
	cmd := cobra.Command{
		Use:   "sync",
		Short: "copy the cluster config into every worker config",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := util.SynchronizeConfigs(dir); err != nil {
				fmt.Println("Failed to synchronize config files", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "config", "config directory")
	return &cmd
}

func main() {
	root := &cobra.Command{
		Use:   "config",
		Short: "generate and synchronize worker configs",
	}
	root.AddCommand(genCmd(), syncCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
