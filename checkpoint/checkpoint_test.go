package checkpoint

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gradsync/tensor"
)

// fakeState stands in for a model or optimizer.
type fakeState struct {
	state *tensor.Map
}

func (f *fakeState) StateDict() *tensor.Map {
	return f.state
}

func (f *fakeState) LoadStateDict(state *tensor.Map) error {
	if err := f.state.CheckLayout(state); err != nil {
		return err
	}
	f.state = state.Clone()
	return nil
}

func newFakeState(t *testing.T, kv ...interface{}) *fakeState {
	m := tensor.NewMap()
	for i := 0; i < len(kv); i += 2 {
		v, err := tensor.FromSlice(kv[i+1].([]float64))
		require.NoError(t, err)
		m.Set(kv[i].(string), v)
	}
	return &fakeState{state: m}
}

func bits(t *testing.T, s *fakeState, name string) []uint64 {
	v, ok := s.state.Get(name)
	require.True(t, ok)
	out := make([]uint64, len(v.Data))
	for i, x := range v.Data {
		out[i] = math.Float64bits(x)
	}
	return out
}

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		BackendGob:    NewFileBackend(afero.NewMemMapFs()),
		BackendSQLite: NewSQLiteBackend(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "rank-0.ckpt")
			c := NewCoordinator(backend, zaptest.NewLogger(t))

			weights := []float64{0.1, -0.0, math.Pi, math.SmallestNonzeroFloat64, math.NaN()}
			model := newFakeState(t, "w", weights, "b", []float64{1e300})
			opt := newFakeState(t, "momentum_buffer/w", []float64{3, 2, 1, 0, -1})
			require.NoError(t, c.Save(path, model, opt, 2, 500))

			model2 := newFakeState(t, "w", make([]float64, 5), "b", []float64{0})
			opt2 := newFakeState(t, "momentum_buffer/w", make([]float64, 5))
			epoch, step, err := c.Load(path, model2, opt2)
			require.NoError(t, err)
			assert.Equal(t, int64(2), epoch)
			assert.Equal(t, int64(500), step)

			assert.Equal(t, bits(t, model, "w"), bits(t, model2, "w"))
			assert.Equal(t, bits(t, model, "b"), bits(t, model2, "b"))
			assert.Equal(t, bits(t, opt, "momentum_buffer/w"), bits(t, opt2, "momentum_buffer/w"))
			assert.Equal(t, []string{"w", "b"}, model2.state.Names())
		})
	}
}

func TestLoadMissingStartsFresh(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := NewCoordinator(backend, nil)
			model := newFakeState(t, "w", []float64{7, 8})
			opt := newFakeState(t)

			epoch, step, err := c.Load(filepath.Join(t.TempDir(), "absent.ckpt"), model, opt)
			require.NoError(t, err)
			assert.Zero(t, epoch)
			assert.Zero(t, step)
			assert.Equal(t, []uint64{math.Float64bits(7), math.Float64bits(8)}, bits(t, model, "w"))
		})
	}
}

func TestSaveOverwritesPreviousRecord(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rank-1.ckpt")
			c := NewCoordinator(backend, nil)
			model, opt := newFakeState(t, "w", []float64{1}), newFakeState(t)

			require.NoError(t, c.Save(path, model, opt, 0, 10))
			model = newFakeState(t, "w", []float64{2})
			require.NoError(t, c.Save(path, model, opt, 1, 20))

			loaded := newFakeState(t, "w", []float64{0})
			epoch, step, err := c.Load(path, loaded, newFakeState(t))
			require.NoError(t, err)
			assert.Equal(t, int64(1), epoch)
			assert.Equal(t, int64(20), step)
			assert.Equal(t, []uint64{math.Float64bits(2)}, bits(t, loaded, "w"))
		})
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ckpt/rank-0", []byte("not a checkpoint"), 0644))

	model := newFakeState(t, "w", []float64{1})
	_, _, err := NewCoordinator(NewFileBackend(fs), nil).Load("/ckpt/rank-0", model, newFakeState(t))
	assert.True(t, errors.Is(err, ErrCorruptRecord), "got %v", err)
	assert.Equal(t, []uint64{math.Float64bits(1)}, bits(t, model, "w"))
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	backend := NewFileBackend(fs)
	c := NewCoordinator(backend, nil)
	require.NoError(t, c.Save("/ckpt/rank-0", newFakeState(t, "w", []float64{1, 2, 3}), newFakeState(t), 1, 1))

	b, err := afero.ReadFile(fs, "/ckpt/rank-0")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/ckpt/rank-0", b[:len(b)/2], 0644))

	_, _, err = c.Load("/ckpt/rank-0", newFakeState(t, "w", []float64{0, 0, 0}), newFakeState(t))
	assert.True(t, errors.Is(err, ErrCorruptRecord), "got %v", err)
}

func TestLoadRejectsCorruptSQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank-0.db")
	require.NoError(t, afero.WriteFile(afero.NewOsFs(), path, []byte("definitely not sqlite, just some bytes"), 0644))

	_, _, err := NewCoordinator(NewSQLiteBackend(), nil).Load(path, newFakeState(t, "w", []float64{1}), newFakeState(t))
	assert.True(t, errors.Is(err, ErrCorruptRecord), "got %v", err)
}

func TestLoadRejectsDifferentModelLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := NewCoordinator(NewFileBackend(fs), nil)
	require.NoError(t, c.Save("/ckpt", newFakeState(t, "w", []float64{1, 2}), newFakeState(t), 3, 30))

	model := newFakeState(t, "w", []float64{5, 5, 5})
	_, _, err := c.Load("/ckpt", model, newFakeState(t))
	assert.True(t, errors.Is(err, ErrCorruptRecord), "got %v", err)
	assert.Len(t, bits(t, model, "w"), 3)
}

func TestLoadRollsBackModelWhenOptimizerRejectsState(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := NewCoordinator(NewFileBackend(fs), nil)
	require.NoError(t, c.Save("/ckpt",
		newFakeState(t, "w", []float64{9}),
		newFakeState(t, "momentum_buffer/w", []float64{1}), 1, 1))

	model := newFakeState(t, "w", []float64{4})
	opt := newFakeState(t, "momentum_buffer/other", []float64{0})
	_, _, err := c.Load("/ckpt", model, opt)
	assert.True(t, errors.Is(err, ErrCorruptRecord), "got %v", err)
	assert.Equal(t, []uint64{math.Float64bits(4)}, bits(t, model, "w"))
}

func TestNewBackend(t *testing.T) {
	for _, kind := range []string{"", BackendGob, BackendSQLite} {
		_, err := NewBackend(kind)
		assert.NoError(t, err, kind)
	}
	_, err := NewBackend("pickle")
	assert.Error(t, err)
}
