package exchange

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradsync/tensor"
)

const testRoot = "/coord"

func newTestNamespace() *Namespace {
	return NewNamespace(afero.NewMemMapFs(), testRoot)
}

func vectorMap(t testing.TB, kv ...interface{}) *tensor.Map {
	m := tensor.NewMap()
	for i := 0; i < len(kv); i += 2 {
		v, err := tensor.FromSlice(kv[i+1].([]float64))
		require.NoError(t, err)
		m.Set(kv[i].(string), v)
	}
	return m
}

func TestSnapshotRoundTripForEveryCodec(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecSnappy} {
		t.Run(string(codec), func(t *testing.T) {
			store := NewGradientStore(newTestNamespace().Step(7), codec)
			in := vectorMap(t, "w", []float64{1, 0, 0, -3.5}, "b", []float64{0.25})

			require.NoError(t, store.WriteSnapshot(2, in))
			out, err := store.ReadSnapshot(2)
			require.NoError(t, err)
			assert.Equal(t, []string{"w", "b"}, out.Names())
			w, _ := out.Get("w")
			assert.Equal(t, []float64{1, 0, 0, -3.5}, w.Data)
		})
	}
}

func TestWriteSnapshotOverwrites(t *testing.T) {
	store := NewGradientStore(newTestNamespace().Step(0), CodecNone)
	require.NoError(t, store.WriteSnapshot(0, vectorMap(t, "w", []float64{1})))
	require.NoError(t, store.WriteSnapshot(0, vectorMap(t, "w", []float64{2})))

	out, err := store.ReadSnapshot(0)
	require.NoError(t, err)
	w, _ := out.Get("w")
	assert.Equal(t, []float64{2}, w.Data)
}

func TestReadMissingEntries(t *testing.T) {
	store := NewGradientStore(newTestNamespace().Step(3), CodecNone)

	_, err := store.ReadSnapshot(1)
	assert.True(t, errors.Is(err, ErrMissingSnapshot), "got %v", err)

	_, err = store.ReadAverage()
	assert.True(t, errors.Is(err, ErrMissingAverage), "got %v", err)
}

func TestCorruptSnapshotIsFatal(t *testing.T) {
	ns := newTestNamespace()
	step := ns.Step(1)
	require.NoError(t, ns.Fs().MkdirAll(step.Dir(), 0755))

	cases := map[string][]byte{
		"empty":       {},
		"unknown tag": {9, 1, 2, 3},
		"bad msgpack": {tagNone, 0xc1},
		"bad snappy":  {tagSnappy, 0xff, 0xff, 0xff},
	}
	store := NewGradientStore(step, CodecNone)
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, afero.WriteFile(ns.Fs(), filepath.Join(step.Dir(), snapshotName(0)), payload, 0644))
			_, err := store.ReadSnapshot(0)
			assert.True(t, errors.Is(err, ErrCorruptRecord), "got %v", err)
		})
	}
}

// crashFs truncates writes to one file name, standing in for a process that
// dies halfway through writing it.
type crashFs struct {
	afero.Fs
	failName string
}

func (c *crashFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := c.Fs.OpenFile(name, flag, perm)
	if err != nil || filepath.Base(name) != c.failName {
		return f, err
	}
	return &crashFile{File: f}, nil
}

type crashFile struct {
	afero.File
}

func (f *crashFile) Write(p []byte) (int, error) {
	n, _ := f.File.Write(p[:len(p)/2])
	return n, errors.New("simulated crash")
}

func TestCrashDuringAveragePublishLeavesAverageAbsent(t *testing.T) {
	fs := &crashFs{Fs: afero.NewMemMapFs(), failName: averageEntry + tmpSuffix}
	ns := NewNamespace(fs, testRoot)
	step := ns.Step(4)
	store := NewGradientStore(step, CodecNone)

	for rank := 0; rank < 2; rank++ {
		require.NoError(t, store.WriteSnapshot(rank, vectorMap(t, "w", []float64{1, 2, 3, 4})))
	}
	_, err := NewAggregator(store, 2, false, nil).AggregateAndPublish(context.Background())
	require.Error(t, err)

	exists, err := afero.Exists(fs, filepath.Join(step.Dir(), averageEntry+tmpSuffix))
	require.NoError(t, err)
	assert.True(t, exists, "the truncated temp file should be left behind")

	_, err = store.ReadAverage()
	assert.True(t, errors.Is(err, ErrMissingAverage), "got %v", err)

	n, err := step.count(AverageEntry)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTempEntriesAreNotCounted(t *testing.T) {
	ns := newTestNamespace()
	step := ns.Step(0)
	require.NoError(t, ns.Fs().MkdirAll(step.Dir(), 0755))
	for _, name := range []string{"snapshot-0", "snapshot-1.tmp", "snapshot-x", "average.tmp", "done-0"} {
		require.NoError(t, afero.WriteFile(ns.Fs(), filepath.Join(step.Dir(), name), nil, 0644))
	}

	n, err := step.count(SnapshotEntries)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = step.count(AverageEntry)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = step.count(DoneEntries)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
