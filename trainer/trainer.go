// Package trainer runs the data-parallel training loop of one rank: every
// step's gradients are averaged with the other ranks through the shared
// namespace before the optimizer applies them.
package trainer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gradsync/checkpoint"
	"gradsync/database"
	"gradsync/exchange"
	"gradsync/status"
)

type Options struct {
	Epochs         int64
	LogEvery       int64
	CheckpointPath string
	// RequireConsistentResume turns a divergent ledger on startup into an
	// error instead of a warning.
	RequireConsistentResume bool
}

type Trainer struct {
	opts        Options
	model       Model
	opt         Optimizer
	data        DataSource
	exchange    *exchange.Worker
	checkpoints *checkpoint.Coordinator
	ledger      database.Ledger
	tracker     *status.Tracker
	logger      *zap.Logger

	lastLoss float64
}

// New wires a trainer. ledger and tracker may be nil.
func New(
	opts Options,
	model Model,
	opt Optimizer,
	data DataSource,
	worker *exchange.Worker,
	checkpoints *checkpoint.Coordinator,
	ledger database.Ledger,
	tracker *status.Tracker,
	logger *zap.Logger,
) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LogEvery < 1 {
		opts.LogEvery = 100
	}
	if tracker != nil {
		worker.OnPhase(tracker.SetPhase)
	}
	return &Trainer{
		opts:        opts,
		model:       model,
		opt:         opt,
		data:        data,
		exchange:    worker,
		checkpoints: checkpoints,
		ledger:      ledger,
		tracker:     tracker,
		logger:      logger.With(zap.Int("rank", worker.Rank())),
	}
}

func (t *Trainer) LastLoss() float64 {
	return t.lastLoss
}

// Run trains from the last checkpoint (or from scratch) until Epochs are
// complete, checkpointing after every epoch.
func (t *Trainer) Run(ctx context.Context) error {
	startEpoch, globalStep, err := t.checkpoints.Load(t.opts.CheckpointPath, t.model, t.opt)
	if err != nil {
		return err
	}
	if err := t.checkResume(ctx); err != nil {
		return err
	}
	if t.tracker != nil {
		t.tracker.SetProgress(startEpoch, globalStep, 0)
	}

	t.logger.Info("starting training",
		zap.Int64("epoch", startEpoch), zap.Int64("step", globalStep), zap.Bool("leader", t.exchange.IsLeader()))

	for epoch := startEpoch; epoch < t.opts.Epochs; epoch++ {
		start := time.Now()
		batches := t.data.Batches(epoch)
		for batch, ok := batches.Next(); ok; batch, ok = batches.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.step(ctx, epoch, globalStep, batch); err != nil {
				return errors.Wrapf(err, "epoch %d step %d", epoch, globalStep)
			}
			globalStep++
			if t.tracker != nil {
				t.tracker.SetProgress(epoch, globalStep, t.lastLoss)
			}
			if globalStep%t.opts.LogEvery == 0 {
				t.logger.Info("training",
					zap.Int64("epoch", epoch), zap.Int64("step", globalStep), zap.Float64("loss", t.lastLoss))
			}
		}

		if err := t.checkpoints.Save(t.opts.CheckpointPath, t.model, t.opt, epoch+1, globalStep); err != nil {
			return err
		}
		t.record(ctx, epoch+1, globalStep)
		t.logger.Info("epoch done",
			zap.Int64("epoch", epoch), zap.Int64("step", globalStep),
			zap.Float64("loss", t.lastLoss), zap.Duration("took", time.Since(start)))
	}
	return nil
}

func (t *Trainer) step(ctx context.Context, epoch, globalStep int64, batch Batch) error {
	t.opt.ZeroGrad()
	t.lastLoss = t.model.Loss(batch)

	avg, err := t.exchange.AllReduce(ctx, globalStep, t.model.Gradients())
	if err != nil {
		return err
	}
	if err := t.model.SetGradients(avg); err != nil {
		return errors.Wrap(err, "apply averaged gradients")
	}
	return t.opt.Step()
}

func (t *Trainer) checkResume(ctx context.Context) error {
	if t.ledger == nil {
		return nil
	}
	records, err := t.ledger.All(ctx)
	if err != nil {
		return errors.Wrap(err, "read progress ledger")
	}
	err = database.CheckConsistent(records, t.exchange.WorldSize())
	if err == nil {
		return nil
	}
	if t.opts.RequireConsistentResume {
		return err
	}
	t.logger.Warn("ranks are resuming from different checkpoints", zap.Error(err))
	return nil
}

// record failures are logged; the checkpoint itself is already on disk.
func (t *Trainer) record(ctx context.Context, epoch, step int64) {
	if t.ledger == nil {
		return
	}
	err := t.ledger.Record(ctx, database.Progress{
		Rank:       t.exchange.Rank(),
		Epoch:      epoch,
		GlobalStep: step,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.logger.Warn("could not record progress", zap.Error(err))
	}
}
