package exchange

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"gradsync/tensor"
)

// TopK sparsifies each array independently: with n elements it keeps the
// k = max(1, floor(keepRatio*n)) entries of largest magnitude, zeroes the
// rest and preserves the shape. A nil entry ("no gradient") stays nil.
//
// Ties at the k-th magnitude are resolved by sort.Slice, which is not a
// stable sort: which of several equal-magnitude elements survives may differ
// between inputs and is not part of the contract.
func TopK(grads []*tensor.Tensor, keepRatio float64) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(grads))
	for i, g := range grads {
		if g == nil {
			continue
		}
		out[i] = topK(g, keepRatio)
	}
	return out
}

// TopKMap applies TopK to every tensor of m, keeping names and order.
func TopKMap(m *tensor.Map, keepRatio float64) (*tensor.Map, error) {
	if math.IsNaN(keepRatio) || keepRatio <= 0 || keepRatio > 1 {
		return nil, errors.Errorf("keep ratio %v outside (0, 1]", keepRatio)
	}
	out := tensor.NewMap()
	m.Range(func(name string, t *tensor.Tensor) bool {
		out.Set(name, topK(t, keepRatio))
		return true
	})
	return out, nil
}

// KeepCount is the number of elements TopK retains out of n.
func KeepCount(n int, keepRatio float64) int {
	k := int(math.Floor(keepRatio * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

func topK(g *tensor.Tensor, keepRatio float64) *tensor.Tensor {
	n := g.Len()
	out := tensor.New(g.Shape...)
	if n == 0 {
		return out
	}
	k := KeepCount(n, keepRatio)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return math.Abs(g.Data[order[a]]) > math.Abs(g.Data[order[b]])
	})
	for _, i := range order[:k] {
		out.Data[i] = g.Data[i]
	}
	return out
}
