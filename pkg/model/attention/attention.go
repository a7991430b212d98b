// Package attention implements the attention mechanisms used by the hybrid
// classifier.
//
// This package provides:
//   - LocalAttention: scaled dot-product attention inside a sliding window
//   - GlobalAttention: unmasked scaled dot-product attention
//   - RandomAttention: attention over a randomly sampled subset of keys
//   - DilatedAttention: multi-head attention over every d-th key
//   - AdaptiveSparseAttention: the sum of local, global and random attention
//
// All layers take (batch, seq, hidden) input and return the same shape.
package attention

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

// ErrInvalidConfig is returned for hyperparameters no layer can be built from.
var ErrInvalidConfig = errors.New("invalid attention config")

// projections holds the query, key and value projections shared by every
// attention variant.
type projections struct {
	Query *nn.Linear
	Key   *nn.Linear
	Value *nn.Linear
}

func newProjections(hidden int, rng *rand.Rand) projections {
	return projections{
		Query: nn.NewLinear(hidden, hidden, rng),
		Key:   nn.NewLinear(hidden, hidden, rng),
		Value: nn.NewLinear(hidden, hidden, rng),
	}
}

// project computes Q from q and K, V from kv. The two inputs differ only for
// layers that attend to a subset of positions.
func (p projections) project(q, kv *tensor.Tensor) (Q, K, V *tensor.Tensor, err error) {
	if Q, err = p.Query.Forward(q); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	if K, err = p.Key.Forward(kv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to compute K: %w", err)
	}
	if V, err = p.Value.Forward(kv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to compute V: %w", err)
	}
	return Q, K, V, nil
}

func (p projections) parameters() []*nn.Parameter {
	var params []*nn.Parameter
	params = append(params, nn.Prefixed("query", p.Query.Parameters())...)
	params = append(params, nn.Prefixed("key", p.Key.Parameters())...)
	params = append(params, nn.Prefixed("value", p.Value.Parameters())...)
	return params
}

// scaledDotProduct computes softmax(Q @ K^T * scale) @ V.
//
// Input shapes:
//   - q: (..., seq, dim)
//   - k, v: (..., keys, dim)
//   - mask: nil or (seq, keys); zero entries are excluded
//
// Output shapes: (..., seq, dim) and the weights (..., seq, keys).
func scaledDotProduct(q, k, v, mask *tensor.Tensor, scale float32) (*tensor.Tensor, *tensor.Tensor, error) {
	// Step 1: scores = Q @ K^T
	scores, err := tensor.MatmulT(q, k)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = scores.Scale(scale)

	// Step 2: mask out disallowed positions
	if mask != nil {
		if scores, err = tensor.ApplyMask(scores, mask); err != nil {
			return nil, nil, fmt.Errorf("failed to apply mask: %w", err)
		}
	}

	// Step 3: softmax over keys
	weights, err := tensor.Softmax(scores, len(scores.Shape)-1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply softmax: %w", err)
	}

	// Step 4: weighted sum of values
	out, err := tensor.Matmul(weights, v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply attention to V: %w", err)
	}

	return out, weights, nil
}

func inverseSqrt(n int) float32 {
	return float32(1.0 / math.Sqrt(float64(n)))
}

func checkInput(x *tensor.Tensor, hidden int) error {
	if len(x.Shape) != 3 {
		return fmt.Errorf("expected 3D input (batch, seq, hidden), got %dD with shape %v",
			len(x.Shape), x.Shape)
	}
	if x.Shape[2] != hidden {
		return fmt.Errorf("input dimension %d doesn't match expected %d", x.Shape[2], hidden)
	}
	return nil
}
