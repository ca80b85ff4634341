package exchange

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gradsync/tensor"
)

// Config describes one rank's place in the exchange.
type Config struct {
	Rank      int
	WorldSize int

	// LeaderRank aggregates every step. It is fixed for the lifetime of the
	// job; if that process dies the others block at the next barrier.
	LeaderRank int

	PollInterval time.Duration
	// BarrierTimeout of zero waits forever.
	BarrierTimeout time.Duration

	AllowPartialNames bool

	// TopKRatio > 0 sparsifies gradients before they are written.
	TopKRatio float64
	Codec     Codec
}

func (c Config) validate() error {
	switch {
	case c.WorldSize < 1:
		return errors.Errorf("world size %d, need at least 1", c.WorldSize)
	case c.Rank < 0 || c.Rank >= c.WorldSize:
		return errors.Errorf("rank %d outside [0, %d)", c.Rank, c.WorldSize)
	case c.LeaderRank < 0 || c.LeaderRank >= c.WorldSize:
		return errors.Errorf("leader rank %d outside [0, %d)", c.LeaderRank, c.WorldSize)
	case c.TopKRatio < 0 || c.TopKRatio > 1:
		return errors.Errorf("top-k ratio %v outside [0, 1]", c.TopKRatio)
	}
	_, err := ParseCodec(string(c.Codec))
	return err
}

// Worker runs the exchange protocol for one rank.
type Worker struct {
	ns      *Namespace
	cfg     Config
	logger  *zap.Logger
	observe func(step int64, phase string)

	// run is the namespace of the run agreed by Join.
	run *Namespace
}

func NewWorker(ns *Namespace, cfg Config, logger *zap.Logger) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		ns:     ns,
		cfg:    cfg,
		logger: logger.With(zap.Int("rank", cfg.Rank)),
	}, nil
}

// OnPhase registers fn to be told whenever AllReduce moves between phases.
func (w *Worker) OnPhase(fn func(step int64, phase string)) {
	w.observe = fn
}

func (w *Worker) Rank() int {
	return w.cfg.Rank
}

func (w *Worker) WorldSize() int {
	return w.cfg.WorldSize
}

func (w *Worker) IsLeader() bool {
	return w.cfg.Rank == w.cfg.LeaderRank
}

func (w *Worker) phase(step int64, p string) {
	if w.observe != nil {
		w.observe(step, p)
	}
}

// AllReduce contributes grads for step and returns the average across all
// ranks. Every rank must call it with the same step number. Any failure
// aborts the step for every rank: the failing rank leaves an abort notice
// and the others return an *AbortError. There is no partial aggregation.
//
// The leader removes the step directory only after every rank has marked
// itself done reading the average.
func (w *Worker) AllReduce(ctx context.Context, step int64, grads *tensor.Map) (*tensor.Map, error) {
	defer w.phase(step, PhaseIdle)
	if w.run == nil {
		w.phase(step, PhaseJoining)
		if err := w.Join(ctx); err != nil {
			return nil, err
		}
	}

	logger := w.logger.With(zap.Int64("step", step))
	stepNs := w.run.Step(step)
	avg, err := w.runStep(ctx, logger, stepNs, grads)
	if err != nil && !errors.Is(err, ErrStepAborted) {
		if aerr := stepNs.abort(w.cfg.Rank, err); aerr != nil {
			logger.Error("could not publish abort notice", zap.Error(aerr))
		} else {
			logger.Warn("aborted step", zap.Error(err))
		}
	}
	return avg, err
}

func (w *Worker) runStep(ctx context.Context, logger *zap.Logger, stepNs *StepNamespace, grads *tensor.Map) (*tensor.Map, error) {
	step := stepNs.Step()
	store := NewGradientStore(stepNs, w.cfg.Codec)
	barrier := NewBarrier(stepNs, w.cfg.PollInterval, w.cfg.BarrierTimeout, logger)

	snapshot := grads
	if w.cfg.TopKRatio > 0 && w.cfg.TopKRatio < 1 {
		var err error
		if snapshot, err = TopKMap(grads, w.cfg.TopKRatio); err != nil {
			return nil, err
		}
	}

	w.phase(step, PhaseWriting)
	if err := store.WriteSnapshot(w.cfg.Rank, snapshot); err != nil {
		return nil, errors.Wrap(err, "write snapshot")
	}

	w.phase(step, PhaseAwaitingSnapshots)
	if err := barrier.AwaitQuorum(ctx, SnapshotEntries, w.cfg.WorldSize); err != nil {
		return nil, errors.Wrap(err, "await snapshots")
	}

	if w.IsLeader() {
		w.phase(step, PhaseAggregating)
		start := time.Now()
		if _, err := NewAggregator(store, w.cfg.WorldSize, w.cfg.AllowPartialNames, logger).
			AggregateAndPublish(ctx); err != nil {
			return nil, errors.Wrap(err, "aggregate")
		}
		logger.Debug("published average", zap.Duration("took", time.Since(start)))
	} else {
		w.phase(step, PhaseAwaitingAverage)
		if err := barrier.AwaitQuorum(ctx, AverageEntry, 1); err != nil {
			return nil, errors.Wrap(err, "await average")
		}
	}

	avg, err := store.ReadAverage()
	if err != nil {
		return nil, err
	}
	if err := stepNs.markDone(w.cfg.Rank); err != nil {
		return nil, errors.Wrap(err, "mark done")
	}

	if w.IsLeader() {
		w.phase(step, PhaseAwaitingCompletion)
		if err := barrier.AwaitQuorum(ctx, DoneEntries, w.cfg.WorldSize); err != nil {
			return nil, errors.Wrap(err, "await completion")
		}
		if err := stepNs.remove(); err != nil {
			// the average is already in every rank's hands
			logger.Warn("step cleanup failed", zap.Error(err))
		}
	}
	return avg, nil
}
