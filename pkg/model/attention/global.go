package attention

import (
	"fmt"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

// GlobalAttention is standard scaled dot-product self-attention with no mask.
type GlobalAttention struct {
	projections
	Hidden int
	Scale  float32
}

// NewGlobalAttention creates a full attention layer with weights drawn from rng.
func NewGlobalAttention(config GlobalAttentionConfig, rng *rand.Rand) (*GlobalAttention, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &GlobalAttention{
		projections: newProjections(config.Hidden, rng),
		Hidden:      config.Hidden,
		Scale:       inverseSqrt(config.Hidden),
	}, nil
}

// Forward computes full self-attention.
//
// Input shape: (batch, seq, hidden)
// Output shape: (batch, seq, hidden)
func (g *GlobalAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := g.ForwardWithWeights(x)
	return out, err
}

// ForwardWithWeights also returns the (batch, seq, seq) attention weights.
func (g *GlobalAttention) ForwardWithWeights(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkInput(x, g.Hidden); err != nil {
		return nil, nil, err
	}

	Q, K, V, err := g.project(x, x)
	if err != nil {
		return nil, nil, err
	}

	out, weights, err := scaledDotProduct(Q, K, V, nil, g.Scale)
	if err != nil {
		return nil, nil, fmt.Errorf("global attention: %w", err)
	}
	return out, weights, nil
}

// Parameters returns the query, key and value projections.
func (g *GlobalAttention) Parameters() []*nn.Parameter {
	return g.parameters()
}
