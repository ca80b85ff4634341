package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

/*
	ClusterConfig holds the settings every rank must agree on. Worker
	configs carry their own copy so a worker can start from its file alone;
	SynchronizeConfigs pushes the cluster values back into each of them.
*/
type ClusterConfig struct {
	WorldSize         int
	LeaderRank        int
	NamespaceRoot     string
	PollIntervalMs    int
	BarrierTimeoutMs  int
	AllowPartialNames bool
	Compression       CompressionConfig
	Ledger            LedgerConfig
	Train             TrainConfig
}

const (
	WORKERS        = "worker"
	CLUSTER_CONFIG = "cluster_config.json"
)

// GenerateWorkerConfigs writes the cluster config and one config per rank
// into dir.
func GenerateWorkerConfigs(dir string, cluster ClusterConfig) error {
	if cluster.WorldSize < 1 {
		return errors.Errorf("world size %d, need at least 1", cluster.WorldSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := WriteJSONConfig(filepath.Join(dir, CLUSTER_CONFIG), cluster); err != nil {
		return err
	}
	for rank := 0; rank < cluster.WorldSize; rank++ {
		worker := WorkerConfig{
			Rank:           rank,
			CheckpointPath: fmt.Sprintf("checkpoints/worker%d.ckpt", rank),
			Log:            LogConfig{Level: "info", File: fmt.Sprintf("logs/worker%d.log", rank)},
		}
		applyCluster(&worker, cluster)
		if err := WriteJSONConfig(filepath.Join(dir, WorkerConfigName(rank)), worker); err != nil {
			return err
		}
	}
	return nil
}

// SynchronizeConfigs copies the cluster config in dir into every worker
// config there.
func SynchronizeConfigs(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var cluster ClusterConfig
	err = ReadJSONConfig(filepath.Join(dir, CLUSTER_CONFIG), &cluster)
	if err != nil {
		return err
	}

	for _, file := range files {
		filename := file.Name()
		if !IsWorkerConfig(filename) {
			continue
		}
		path := filepath.Join(dir, filename)
		var worker WorkerConfig
		if err := ReadJSONConfig(path, &worker); err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}
		applyCluster(&worker, cluster)
		if err := WriteJSONConfig(path, worker); err != nil {
			return err
		}
	}
	return nil
}

func applyCluster(worker *WorkerConfig, cluster ClusterConfig) {
	worker.WorldSize = cluster.WorldSize
	worker.LeaderRank = cluster.LeaderRank
	worker.NamespaceRoot = cluster.NamespaceRoot
	worker.PollIntervalMs = cluster.PollIntervalMs
	worker.BarrierTimeoutMs = cluster.BarrierTimeoutMs
	worker.AllowPartialNames = cluster.AllowPartialNames
	worker.Compression = cluster.Compression
	worker.Ledger = cluster.Ledger
	worker.Train = cluster.Train
}

func WorkerConfigName(rank int) string {
	return fmt.Sprintf("%s%d_config.json", WORKERS, rank)
}

func IsWorkerConfig(filename string) bool {
	if !strings.HasPrefix(filename, WORKERS) || !strings.HasSuffix(filename, "_config.json") {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(filename, WORKERS), "_config.json"))
	return err == nil
}

func GetConfigPath(filename string) string {
	return fmt.Sprintf("config/%s", filename)
}
