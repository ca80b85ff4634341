package exchange

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gradsync/tensor"
)

// Aggregator runs on the leader only. It reads every rank's snapshot,
// averages them and publishes the result.
type Aggregator struct {
	store             *GradientStore
	worldSize         int
	allowPartialNames bool
	logger            *zap.Logger
}

func NewAggregator(store *GradientStore, worldSize int, allowPartialNames bool, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:             store,
		worldSize:         worldSize,
		allowPartialNames: allowPartialNames,
		logger:            logger,
	}
}

// AggregateAndPublish must only be called after the snapshot barrier has
// seen all worldSize entries; a snapshot missing at this point is an error.
func (a *Aggregator) AggregateAndPublish(ctx context.Context) (*tensor.Map, error) {
	snapshots := make([]*tensor.Map, a.worldSize)
	g, _ := errgroup.WithContext(ctx)
	for rank := range snapshots {
		rank := rank
		g.Go(func() error {
			m, err := a.store.ReadSnapshot(rank)
			if err != nil {
				return err
			}
			snapshots[rank] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	avg, err := Average(snapshots, a.worldSize, a.allowPartialNames)
	if err != nil {
		return nil, err
	}
	if a.allowPartialNames {
		a.warnPartial(snapshots, avg)
	}
	if err := a.store.PublishAverage(avg); err != nil {
		return nil, errors.Wrap(err, "publish average")
	}
	return avg, nil
}

func (a *Aggregator) warnPartial(snapshots []*tensor.Map, avg *tensor.Map) {
	for _, name := range avg.Names() {
		have := 0
		for _, s := range snapshots {
			if _, ok := s.Get(name); ok {
				have++
			}
		}
		if have < a.worldSize {
			a.logger.Warn("parameter missing from some snapshots; average is skewed",
				zap.String("param", name),
				zap.Int("contributors", have),
				zap.Int("worldSize", a.worldSize))
		}
	}
}

// Average sums, per parameter name, the arrays of every snapshot that has
// that name and divides by worldSize. Names keep the order in which they
// first appear scanning ranks in order.
//
// Unless allowPartialNames is set, all snapshots must carry the same name
// set. When it is set, a name missing from some ranks is still divided by
// the full worldSize, not by the number of contributors. Shapes of a shared
// name must always agree.
func Average(snapshots []*tensor.Map, worldSize int, allowPartialNames bool) (*tensor.Map, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("world size %d", worldSize)
	}
	if len(snapshots) != worldSize {
		return nil, errors.Errorf("have %d snapshots for world size %d", len(snapshots), worldSize)
	}
	if !allowPartialNames {
		for rank := 1; rank < worldSize; rank++ {
			if err := snapshots[0].CheckLayout(snapshots[rank]); err != nil {
				return nil, errors.Wrapf(ErrLayoutMismatch, "rank %d vs rank 0: %v", rank, err)
			}
		}
	}

	sum := tensor.NewMap()
	for rank, snap := range snapshots {
		var err error
		snap.Range(func(name string, t *tensor.Tensor) bool {
			acc, ok := sum.Get(name)
			if !ok {
				sum.Set(name, t.Clone())
				return true
			}
			if aerr := acc.Add(t); aerr != nil {
				err = errors.Wrapf(ErrLayoutMismatch, "rank %d, %q: %v", rank, name, aerr)
				return false
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	divisor := float64(worldSize)
	sum.Range(func(_ string, t *tensor.Tensor) bool {
		t.Div(divisor)
		return true
	})
	return sum, nil
}
