package tensor

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrLayoutMismatch is returned when two maps disagree on names or shapes.
var ErrLayoutMismatch = errors.New("tensor layout mismatch")

// Map is an ordered mapping from parameter name to tensor. Iteration follows
// insertion order. The zero value is not usable; call NewMap.
type Map struct {
	names   []string
	tensors map[string]*Tensor
}

func NewMap() *Map {
	return &Map{tensors: make(map[string]*Tensor)}
}

// Set stores t under name, keeping the original position if name already
// exists. A nil tensor removes the entry.
func (m *Map) Set(name string, t *Tensor) {
	if t == nil {
		m.Delete(name)
		return
	}
	if _, ok := m.tensors[name]; !ok {
		m.names = append(m.names, name)
	}
	m.tensors[name] = t
}

func (m *Map) Get(name string) (*Tensor, bool) {
	t, ok := m.tensors[name]
	return t, ok
}

func (m *Map) Delete(name string) {
	if _, ok := m.tensors[name]; !ok {
		return
	}
	delete(m.tensors, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
}

// Names returns the keys in insertion order.
func (m *Map) Names() []string {
	return append([]string(nil), m.names...)
}

func (m *Map) Len() int {
	return len(m.names)
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map) Range(fn func(name string, t *Tensor) bool) {
	for _, n := range m.names {
		if !fn(n, m.tensors[n]) {
			return
		}
	}
}

// Clone deep-copies every tensor.
func (m *Map) Clone() *Map {
	out := NewMap()
	m.Range(func(name string, t *Tensor) bool {
		out.Set(name, t.Clone())
		return true
	})
	return out
}

// Validate checks every tensor's shape against its data.
func (m *Map) Validate() error {
	for _, n := range m.names {
		if err := m.tensors[n].Validate(); err != nil {
			return errors.Wrapf(err, "tensor %q", n)
		}
	}
	return nil
}

// CheckLayout verifies that m and other carry the same name set and that
// every shared name has the same shape. Order is not compared.
func (m *Map) CheckLayout(other *Map) error {
	var missing, extra []string
	for _, n := range m.names {
		ot, ok := other.tensors[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		if !m.tensors[n].SameShape(ot) {
			return errors.Wrapf(ErrLayoutMismatch, "%q has shape %v, expected %v",
				n, ot.Shape, m.tensors[n].Shape)
		}
	}
	for _, n := range other.names {
		if _, ok := m.tensors[n]; !ok {
			extra = append(extra, n)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return errors.Wrapf(ErrLayoutMismatch, "missing [%s], unexpected [%s]",
			strings.Join(missing, ", "), strings.Join(extra, ", "))
	}
	return nil
}
