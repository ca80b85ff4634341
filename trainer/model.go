package trainer

import (
	"math/rand"

	"github.com/pkg/errors"

	"gradsync/checkpoint"
	"gradsync/tensor"
)

// Model is a replica trained by one rank. Loss runs the forward and backward
// pass for a batch and leaves the gradients in Gradients().
type Model interface {
	checkpoint.Stateful
	Parameters() *tensor.Map
	Gradients() *tensor.Map
	SetGradients(grads *tensor.Map) error
	Loss(b Batch) float64
}

const (
	weightParam = "linear.weight"
	biasParam   = "linear.bias"
)

// LinearModel is y = w.x + b fitted with mean squared error.
type LinearModel struct {
	params *tensor.Map
	grads  *tensor.Map
}

// NewLinearModel initializes weights from seed; ranks sharing a seed start
// from identical replicas.
func NewLinearModel(features int, seed int64) *LinearModel {
	rng := rand.New(rand.NewSource(seed))
	w := tensor.New(features)
	for i := range w.Data {
		w.Data[i] = rng.NormFloat64() * 0.01
	}
	params := tensor.NewMap()
	params.Set(weightParam, w)
	params.Set(biasParam, tensor.New(1))

	grads := tensor.NewMap()
	grads.Set(weightParam, tensor.New(features))
	grads.Set(biasParam, tensor.New(1))
	return &LinearModel{params: params, grads: grads}
}

func (m *LinearModel) Parameters() *tensor.Map {
	return m.params
}

func (m *LinearModel) Gradients() *tensor.Map {
	return m.grads
}

// SetGradients overwrites the gradient buffers in place.
func (m *LinearModel) SetGradients(grads *tensor.Map) error {
	if err := m.grads.CheckLayout(grads); err != nil {
		return err
	}
	var err error
	grads.Range(func(name string, g *tensor.Tensor) bool {
		dst, _ := m.grads.Get(name)
		err = dst.CopyFrom(g)
		return err == nil
	})
	return err
}

func (m *LinearModel) predict(x []float64) float64 {
	w, _ := m.params.Get(weightParam)
	b, _ := m.params.Get(biasParam)
	y := b.Data[0]
	for i, xi := range x {
		y += w.Data[i] * xi
	}
	return y
}

func (m *LinearModel) Loss(batch Batch) float64 {
	gw, _ := m.grads.Get(weightParam)
	gb, _ := m.grads.Get(biasParam)
	n := float64(len(batch.Y))
	if n == 0 {
		return 0
	}

	var loss float64
	for i, x := range batch.X {
		diff := m.predict(x) - batch.Y[i]
		loss += diff * diff
		for j, xj := range x {
			gw.Data[j] += 2 * diff * xj / n
		}
		gb.Data[0] += 2 * diff / n
	}
	return loss / n
}

func (m *LinearModel) StateDict() *tensor.Map {
	return m.params.Clone()
}

// LoadStateDict copies state into the existing parameter tensors, so an
// optimizer holding them keeps working.
func (m *LinearModel) LoadStateDict(state *tensor.Map) error {
	if err := m.params.CheckLayout(state); err != nil {
		return errors.Wrap(err, "linear model state")
	}
	var err error
	state.Range(func(name string, t *tensor.Tensor) bool {
		dst, _ := m.params.Get(name)
		err = dst.CopyFrom(t)
		return err == nil
	})
	return err
}
