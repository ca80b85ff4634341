package trainer

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gradsync/checkpoint"
	"gradsync/database"
	"gradsync/database/mongodb"
	"gradsync/exchange"
	"gradsync/status"
	"gradsync/util"
)

// OpenLedger returns the progress ledger cfg names, or nil for "none". The
// file ledger lives inside ns.
func OpenLedger(ctx context.Context, cfg util.LedgerConfig, ns *exchange.Namespace) (database.Ledger, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		return database.NewFileLedger(ns.Fs(), ns.Root()), nil
	case "sql":
		driver := cfg.Driver
		if driver == "" {
			driver = database.DriverSQLite
		}
		l, err := database.OpenSQL(ctx, driver, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "dynamodb":
		svc, err := database.GetDynamoClient(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return database.NewDynamoLedger(svc, cfg.Table), nil
	case "mongodb":
		client, err := mongodb.GetDatabaseClient(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return mongodb.NewLedger(mongodb.GetCollection(client, cfg.Database, cfg.Table), client), nil
	default:
		return nil, errors.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// ExchangeConfig translates the worker config into the exchange's terms.
func ExchangeConfig(cfg *util.WorkerConfig) (exchange.Config, error) {
	codec, err := exchange.ParseCodec(cfg.Compression.Codec)
	if err != nil {
		return exchange.Config{}, err
	}
	return exchange.Config{
		Rank:              cfg.Rank,
		WorldSize:         cfg.WorldSize,
		LeaderRank:        cfg.LeaderRank,
		PollInterval:      cfg.PollInterval(),
		BarrierTimeout:    cfg.BarrierTimeout(),
		AllowPartialNames: cfg.AllowPartialNames,
		TopKRatio:         cfg.Compression.TopKRatio,
		Codec:             codec,
	}, nil
}

// Build assembles a trainer for one rank around the reference linear model.
// The returned close function releases the ledger.
func Build(
	ctx context.Context,
	cfg *util.WorkerConfig,
	ns *exchange.Namespace,
	tracker *status.Tracker,
	logger *zap.Logger,
) (*Trainer, func() error, error) {
	exCfg, err := ExchangeConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	worker, err := exchange.NewWorker(ns, exCfg, logger.Named("exchange"))
	if err != nil {
		return nil, nil, err
	}
	backend, err := checkpoint.NewBackend(cfg.CheckpointBackend)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := OpenLedger(ctx, cfg.Ledger, ns)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open progress ledger")
	}
	closeLedger := func() error {
		if ledger == nil {
			return nil
		}
		return ledger.Close()
	}

	model := NewLinearModel(cfg.Train.Features, cfg.Train.Seed)
	t := New(
		Options{
			Epochs:                  int64(cfg.Train.Epochs),
			LogEvery:                int64(cfg.Train.LogEvery),
			CheckpointPath:          cfg.CheckpointPath,
			RequireConsistentResume: cfg.RequireConsistentResume,
		},
		model,
		NewSGD(model, cfg.Train.LR, cfg.Train.Momentum),
		NewSyntheticData(cfg.Train.Features, cfg.Train.BatchSize, cfg.Train.StepsPerEpoch, cfg.Rank, cfg.Train.Seed),
		worker,
		checkpoint.NewCoordinator(backend, logger.Named("checkpoint")),
		ledger,
		tracker,
		logger.Named("trainer"),
	)
	return t, closeLedger, nil
}
