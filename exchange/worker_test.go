package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"gradsync/tensor"
)

func newTestWorkers(t *testing.T, ns *Namespace, worldSize int, tweak func(*Config)) []*Worker {
	workers := make([]*Worker, worldSize)
	for r := range workers {
		cfg := Config{
			Rank:           r,
			WorldSize:      worldSize,
			PollInterval:   testPoll,
			BarrierTimeout: 5 * time.Second,
			Codec:          CodecNone,
		}
		if tweak != nil {
			tweak(&cfg)
		}
		w, err := NewWorker(ns, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		workers[r] = w
	}
	return workers
}

// allReduce runs one step on every worker concurrently.
func allReduce(t *testing.T, workers []*Worker, step int64, grads []*tensor.Map) ([]*tensor.Map, error) {
	results := make([]*tensor.Map, len(workers))
	g, ctx := errgroup.WithContext(context.Background())
	for r, w := range workers {
		r, w := r, w
		g.Go(func() error {
			avg, err := w.AllReduce(ctx, step, grads[r])
			results[r] = avg
			return err
		})
	}
	return results, g.Wait()
}

func TestAllReduceThreeRanks(t *testing.T) {
	ns := newTestNamespace()
	workers := newTestWorkers(t, ns, 3, nil)

	results, err := allReduce(t, workers, 0, []*tensor.Map{
		vectorMap(t, "w", []float64{1, 2, 3, 4}),
		vectorMap(t, "w", []float64{5, 6, 7, 8}),
		vectorMap(t, "w", []float64{0, 0, 0, 0}),
	})
	require.NoError(t, err)

	for r, avg := range results {
		assertVector(t, avg, "w", []float64{2, 2.667, 3.333, 4})
		want, _ := results[0].Get("w")
		got, _ := avg.Get("w")
		assert.Equal(t, want.Data, got.Data, "rank %d saw a different average", r)
	}

	require.NotNil(t, workers[0].run)
	exists, err := afero.DirExists(ns.Fs(), workers[0].run.Step(0).Dir())
	require.NoError(t, err)
	assert.False(t, exists, "step directory should be removed once every rank is done")
}

func TestAllReduceConsecutiveSteps(t *testing.T) {
	ns := newTestNamespace()
	workers := newTestWorkers(t, ns, 2, func(c *Config) { c.LeaderRank = 1 })

	for step := int64(0); step < 5; step++ {
		v := float64(step)
		results, err := allReduce(t, workers, step, []*tensor.Map{
			vectorMap(t, "w", []float64{v}, "b", []float64{1}),
			vectorMap(t, "w", []float64{v + 2}, "b", []float64{3}),
		})
		require.NoError(t, err, "step %d", step)
		for _, avg := range results {
			assertVector(t, avg, "w", []float64{v + 1})
			assertVector(t, avg, "b", []float64{2})
		}
	}

	entries, err := afero.ReadDir(ns.Fs(), workers[0].run.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAllReduceSingleRank(t *testing.T) {
	workers := newTestWorkers(t, newTestNamespace(), 1, nil)
	results, err := allReduce(t, workers, 3, []*tensor.Map{vectorMap(t, "w", []float64{4, -2})})
	require.NoError(t, err)
	assertVector(t, results[0], "w", []float64{4, -2})
}

func TestAllReduceSparsifiedAndCompressed(t *testing.T) {
	workers := newTestWorkers(t, newTestNamespace(), 2, func(c *Config) {
		c.TopKRatio = 0.5
		c.Codec = CodecZstd
	})
	results, err := allReduce(t, workers, 0, []*tensor.Map{
		vectorMap(t, "w", []float64{10, 0.1, -8, 0.2}),
		vectorMap(t, "w", []float64{0.3, 6, 0.4, -4}),
	})
	require.NoError(t, err)
	assertVector(t, results[1], "w", []float64{5, 3, -4, -2})
}

func TestAllReduceReportsPhases(t *testing.T) {
	workers := newTestWorkers(t, newTestNamespace(), 2, nil)

	var mu sync.Mutex
	seen := map[int][]string{}
	for _, w := range workers {
		w := w
		w.OnPhase(func(step int64, phase string) {
			mu.Lock()
			defer mu.Unlock()
			seen[w.Rank()] = append(seen[w.Rank()], phase)
		})
	}

	_, err := allReduce(t, workers, 0, []*tensor.Map{
		vectorMap(t, "w", []float64{1}),
		vectorMap(t, "w", []float64{1}),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{PhaseJoining, PhaseWriting, PhaseAwaitingSnapshots, PhaseAggregating, PhaseAwaitingCompletion, PhaseIdle}, seen[0])
	assert.Equal(t, []string{PhaseJoining, PhaseWriting, PhaseAwaitingSnapshots, PhaseAwaitingAverage, PhaseIdle}, seen[1])
}

func TestAllReduceTimesOutWithoutPeers(t *testing.T) {
	ns := newTestNamespace()
	w, err := NewWorker(ns, Config{
		Rank:           1,
		WorldSize:      3,
		PollInterval:   testPoll,
		BarrierTimeout: 50 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = w.AllReduce(context.Background(), 0, vectorMap(t, "w", []float64{1}))
	assert.True(t, errors.Is(err, ErrBarrierTimeout), "got %v", err)

	exists, err := afero.Exists(ns.Fs(), ns.join().path(tokenName(1)))
	require.NoError(t, err)
	assert.True(t, exists, "the join token stays for inspection")
	assert.Nil(t, w.run)
}

func TestAllReduceAbortReachesEveryRank(t *testing.T) {
	workers := newTestWorkers(t, newTestNamespace(), 2, func(c *Config) { c.BarrierTimeout = 0 })
	grads := []*tensor.Map{
		vectorMap(t, "w", []float64{1}),
		vectorMap(t, "v", []float64{2}),
	}

	errs := make(chan error, len(workers))
	for r, w := range workers {
		r, w := r, w
		go func() {
			_, err := w.AllReduce(context.Background(), 0, grads[r])
			errs <- errors.Wrapf(err, "rank %d", r)
		}()
	}

	var got []error
	for range workers {
		select {
		case err := <-errs:
			got = append(got, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("a rank is still blocked after the leader failed the step (got %v)", got)
		}
	}
	for _, err := range got {
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLayoutMismatch), "got %v", err)
		assert.False(t, errors.Is(err, ErrBarrierTimeout), "got %v", err)
	}

	notice, err := workers[1].run.Step(0).aborted()
	require.NoError(t, err)
	require.NotNil(t, notice)
	assert.Equal(t, 0, notice.Rank)
	assert.True(t, errors.Is(notice, ErrStepAborted))
}

func TestAllReduceIgnoresLeftoversOfEarlierRun(t *testing.T) {
	ns := newTestNamespace()
	first := newTestWorkers(t, ns, 2, nil)
	_, err := allReduce(t, first, 0, []*tensor.Map{
		vectorMap(t, "w", []float64{1}),
		vectorMap(t, "w", []float64{1}),
	})
	require.NoError(t, err)

	// the first run crashed half way through step 1
	oldRun := first[0].run
	stale := NewGradientStore(oldRun.Step(1), CodecNone)
	writeSnapshots(t, stale, 0, 1)
	require.NoError(t, stale.PublishAverage(vectorMap(t, "w", []float64{999})))

	lone := newTestWorkers(t, ns, 2, func(c *Config) { c.BarrierTimeout = 100 * time.Millisecond })[1]
	avg, err := lone.AllReduce(context.Background(), 1, vectorMap(t, "w", []float64{3}))
	assert.True(t, errors.Is(err, ErrBarrierTimeout), "got %v", err)
	assert.Nil(t, avg)

	restarted := newTestWorkers(t, ns, 2, nil)
	results, err := allReduce(t, restarted, 1, []*tensor.Map{
		vectorMap(t, "w", []float64{1}),
		vectorMap(t, "w", []float64{3}),
	})
	require.NoError(t, err)
	for _, avg := range results {
		assertVector(t, avg, "w", []float64{2})
	}
	assert.NotEqual(t, oldRun.Root(), restarted[1].run.Root())

	exists, err := afero.DirExists(ns.Fs(), oldRun.Root())
	require.NoError(t, err)
	assert.False(t, exists, "the leader removes earlier runs once everyone has joined")
}

func TestJoinIsIdempotent(t *testing.T) {
	workers := newTestWorkers(t, newTestNamespace(), 1, nil)
	require.NoError(t, workers[0].Join(context.Background()))
	run := workers[0].run
	require.NoError(t, workers[0].Join(context.Background()))
	assert.Same(t, run, workers[0].run)
}

func TestNewWorkerRejectsBadConfig(t *testing.T) {
	for name, cfg := range map[string]Config{
		"no ranks":       {WorldSize: 0},
		"rank too large": {Rank: 2, WorldSize: 2},
		"bad leader":     {WorldSize: 2, LeaderRank: 5},
		"bad ratio":      {WorldSize: 2, TopKRatio: 1.5},
		"bad codec":      {WorldSize: 2, Codec: "lz4"},
	} {
		_, err := NewWorker(newTestNamespace(), cfg, nil)
		assert.Error(t, err, name)
	}
}
