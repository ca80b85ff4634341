// Package tensor holds the fixed-shape float64 arrays exchanged between
// ranks and the ordered name -> array mapping used for gradients and
// model/optimizer state.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense row-major float64 array. A scalar has an empty Shape
// and exactly one element.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, NumElements(shape)),
	}
}

// FromSlice wraps data in a tensor. With no shape the result is a vector of
// len(data) elements.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	t := &Tensor{Shape: append([]int(nil), shape...), Data: data}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Scalar returns a shape-less tensor holding v.
func Scalar(v float64) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float64{v}}
}

// NumElements is the product of the dimensions of shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the element count.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Validate checks that the data length agrees with the shape.
func (t *Tensor) Validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return errors.Errorf("negative dimension in shape %v", t.Shape)
		}
	}
	if want := NumElements(t.Shape); want != len(t.Data) {
		return errors.Errorf("shape %v needs %d elements, have %d", t.Shape, want, len(t.Data))
	}
	return nil
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i, d := range t.Shape {
		if o.Shape[i] != d {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int{}, t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Add accumulates o into t elementwise.
func (t *Tensor) Add(o *Tensor) error {
	if !t.SameShape(o) {
		return errors.Errorf("cannot add shape %v to %v", o.Shape, t.Shape)
	}
	for i, x := range o.Data {
		t.Data[i] += x
	}
	return nil
}

// Scale multiplies every element by s.
func (t *Tensor) Scale(s float64) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Div divides every element by d.
func (t *Tensor) Div(d float64) {
	for i := range t.Data {
		t.Data[i] /= d
	}
}

// CopyFrom overwrites t's values with o's. Shapes must match.
func (t *Tensor) CopyFrom(o *Tensor) error {
	if !t.SameShape(o) {
		return errors.Errorf("cannot copy shape %v into %v", o.Shape, t.Shape)
	}
	copy(t.Data, o.Data)
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v%v", t.Shape, t.Data)
}
