package trainer

import (
	"strings"

	"github.com/pkg/errors"

	"gradsync/checkpoint"
	"gradsync/tensor"
)

type Optimizer interface {
	checkpoint.Stateful
	ZeroGrad()
	Step() error
}

const (
	momentumPrefix = "momentum_buffer/"
	lrKey          = "param_groups/lr"
	momentumKey    = "param_groups/momentum"
)

// SGD is stochastic gradient descent with heavy-ball momentum:
//
//	buf = momentum*buf + grad
//	param -= lr*buf
//
// The first step of each parameter initializes buf to grad.
type SGD struct {
	model    Model
	lr       float64
	momentum float64
	buffers  *tensor.Map
}

func NewSGD(model Model, lr, momentum float64) *SGD {
	return &SGD{model: model, lr: lr, momentum: momentum, buffers: tensor.NewMap()}
}

func (o *SGD) ZeroGrad() {
	o.model.Gradients().Range(func(_ string, g *tensor.Tensor) bool {
		g.Scale(0)
		return true
	})
}

func (o *SGD) Step() error {
	grads := o.model.Gradients()
	var err error
	o.model.Parameters().Range(func(name string, p *tensor.Tensor) bool {
		g, ok := grads.Get(name)
		if !ok {
			return true
		}
		update := g
		if o.momentum != 0 {
			buf, ok := o.buffers.Get(name)
			if !ok {
				buf = g.Clone()
				o.buffers.Set(name, buf)
			} else {
				buf.Scale(o.momentum)
				if err = buf.Add(g); err != nil {
					return false
				}
			}
			update = buf
		}
		step := update.Clone()
		step.Scale(-o.lr)
		err = p.Add(step)
		return err == nil
	})
	return errors.Wrap(err, "sgd step")
}

func (o *SGD) StateDict() *tensor.Map {
	state := tensor.NewMap()
	o.buffers.Range(func(name string, buf *tensor.Tensor) bool {
		state.Set(momentumPrefix+name, buf.Clone())
		return true
	})
	state.Set(lrKey, tensor.Scalar(o.lr))
	state.Set(momentumKey, tensor.Scalar(o.momentum))
	return state
}

// LoadStateDict replaces the momentum buffers and hyperparameters. Every
// buffer must belong to a model parameter of the same shape.
func (o *SGD) LoadStateDict(state *tensor.Map) error {
	params := o.model.Parameters()
	buffers := tensor.NewMap()
	lr, momentum := o.lr, o.momentum

	for _, key := range state.Names() {
		t, _ := state.Get(key)
		switch {
		case key == lrKey || key == momentumKey:
			if t.Len() != 1 {
				return errors.Errorf("%s has %d elements", key, t.Len())
			}
			if key == lrKey {
				lr = t.Data[0]
			} else {
				momentum = t.Data[0]
			}
		case strings.HasPrefix(key, momentumPrefix):
			name := strings.TrimPrefix(key, momentumPrefix)
			p, ok := params.Get(name)
			if !ok {
				return errors.Errorf("momentum buffer for unknown parameter %q", name)
			}
			if !p.SameShape(t) {
				return errors.Errorf("momentum buffer %q has shape %v, parameter has %v", name, t.Shape, p.Shape)
			}
			buffers.Set(name, t.Clone())
		default:
			return errors.Errorf("unexpected optimizer state %q", key)
		}
	}

	o.buffers, o.lr, o.momentum = buffers, lr, momentum
	return nil
}
