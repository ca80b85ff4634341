package trainer

import (
	"math/rand"

	"gradsync/util"
)

type Batch struct {
	X [][]float64
	Y []float64
}

// DataSource yields a fresh pass over one rank's shard for each epoch.
type DataSource interface {
	Batches(epoch int64) BatchIterator
}

type BatchIterator interface {
	Next() (Batch, bool)
}

// SyntheticData draws samples from a fixed noisy linear function. Every rank
// sees the same function but different samples, and a given (rank, epoch,
// batch) always produces the same batch.
type SyntheticData struct {
	rank          int
	batchSize     int
	stepsPerEpoch int
	seed          int64
	weights       []float64
	bias          float64
	noise         float64
}

func NewSyntheticData(features, batchSize, stepsPerEpoch, rank int, seed int64) *SyntheticData {
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float64, features)
	for i := range weights {
		weights[i] = rng.Float64()*4 - 2
	}
	return &SyntheticData{
		rank:          rank,
		batchSize:     batchSize,
		stepsPerEpoch: stepsPerEpoch,
		seed:          seed,
		weights:       weights,
		bias:          rng.Float64() - 0.5,
		noise:         0.01,
	}
}

func (d *SyntheticData) Batches(epoch int64) BatchIterator {
	return &syntheticIterator{data: d, epoch: epoch}
}

type syntheticIterator struct {
	data  *SyntheticData
	epoch int64
	next  int
}

func (it *syntheticIterator) Next() (Batch, bool) {
	d := it.data
	if it.next >= d.stepsPerEpoch {
		return Batch{}, false
	}
	rng := rand.New(rand.NewSource(util.HashSeed(d.seed, int64(d.rank), it.epoch, int64(it.next))))
	it.next++

	b := Batch{X: make([][]float64, d.batchSize), Y: make([]float64, d.batchSize)}
	for i := range b.X {
		x := make([]float64, len(d.weights))
		y := d.bias
		for j := range x {
			x[j] = rng.NormFloat64()
			y += d.weights[j] * x[j]
		}
		b.X[i] = x
		b.Y[i] = y + rng.NormFloat64()*d.noise
	}
	return b, true
}
