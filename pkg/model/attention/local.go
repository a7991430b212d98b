package attention

import (
	"fmt"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

// LocalAttention implements windowed self-attention.
//
// Each position attends only to positions within WindowSize/2 of itself,
// clamped to the sequence bounds. The diagonal is always allowed, so no row
// is ever fully masked.
type LocalAttention struct {
	projections
	Hidden     int
	WindowSize int
	Scale      float32 // 1/sqrt(hidden)
}

// NewLocalAttention creates a local attention layer with weights drawn from rng.
func NewLocalAttention(config LocalAttentionConfig, rng *rand.Rand) (*LocalAttention, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &LocalAttention{
		projections: newProjections(config.Hidden, rng),
		Hidden:      config.Hidden,
		WindowSize:  config.WindowSize,
		Scale:       inverseSqrt(config.Hidden),
	}, nil
}

// Forward computes windowed attention.
//
// Input shape: (batch, seq, hidden)
// Output shape: (batch, seq, hidden)
func (l *LocalAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := l.ForwardWithWeights(x)
	return out, err
}

// ForwardWithWeights is Forward that also returns the (batch, seq, seq)
// attention weights.
//
// Steps:
//  1. Compute Q, K, V projections
//  2. Build the band mask for this sequence length
//  3. Masked scaled dot-product attention
func (l *LocalAttention) ForwardWithWeights(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkInput(x, l.Hidden); err != nil {
		return nil, nil, err
	}

	Q, K, V, err := l.project(x, x)
	if err != nil {
		return nil, nil, err
	}

	mask := WindowMask(x.Shape[1], l.WindowSize)

	out, weights, err := scaledDotProduct(Q, K, V, mask, l.Scale)
	if err != nil {
		return nil, nil, fmt.Errorf("local attention: %w", err)
	}
	return out, weights, nil
}

// Parameters returns the query, key and value projections.
func (l *LocalAttention) Parameters() []*nn.Parameter {
	return l.parameters()
}
