package attention

import (
	"fmt"
	"slices"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

// RandomAttention attends from every query to a random subset of keys.
//
// Every call draws floor(seq * SamplingRate) distinct key positions uniformly
// without replacement from the injected source. Keys and values are computed
// only from the sampled rows. Output is reproducible only when the source is
// reseeded between calls.
type RandomAttention struct {
	projections
	config RandomAttentionConfig
	src    rand.Source
	Scale  float32
}

// NewRandomAttention creates a random attention layer. Weights are drawn from
// rng and key positions from src.
func NewRandomAttention(config RandomAttentionConfig, rng *rand.Rand, src rand.Source) (*RandomAttention, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: random attention requires a sampling source", ErrInvalidConfig)
	}
	return &RandomAttention{
		projections: newProjections(config.Hidden, rng),
		config:      config,
		src:         src,
		Scale:       inverseSqrt(config.Hidden),
	}, nil
}

// Config returns the layer's configuration.
func (r *RandomAttention) Config() RandomAttentionConfig {
	return r.config
}

// Seed resets the sampling source.
func (r *RandomAttention) Seed(seed uint64) {
	r.src.Seed(seed)
}

// SampleIndices draws the key positions for a sequence of length seqLen,
// sorted ascending.
func (r *RandomAttention) SampleIndices(seqLen int) ([]int, error) {
	n := r.config.SampleSize(seqLen)
	if n <= 0 {
		return nil, fmt.Errorf("%w: sampling rate %v selects no keys from %d positions",
			ErrInvalidConfig, r.config.SamplingRate, seqLen)
	}

	indices := make([]int, n)
	sampleuv.WithoutReplacement(indices, seqLen, r.src)
	slices.Sort(indices)
	return indices, nil
}

// Forward computes attention over a fresh sample of keys.
//
// Input shape: (batch, seq, hidden)
// Output shape: (batch, seq, hidden)
func (r *RandomAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := r.ForwardWithIndices(x)
	return out, err
}

// ForwardWithIndices is Forward that also returns the sampled key positions.
//
// Steps:
//  1. Sample key positions
//  2. Gather the sampled rows: (batch, n, hidden)
//  3. Q from the full sequence, K and V from the sampled rows
//  4. Scores (batch, seq, n), softmax over the sampled axis
func (r *RandomAttention) ForwardWithIndices(x *tensor.Tensor) (*tensor.Tensor, []int, error) {
	if err := checkInput(x, r.config.Hidden); err != nil {
		return nil, nil, err
	}

	indices, err := r.SampleIndices(x.Shape[1])
	if err != nil {
		return nil, nil, err
	}

	sampled, err := tensor.IndexSelect(x, 1, indices)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to gather sampled positions: %w", err)
	}

	Q, K, V, err := r.project(x, sampled)
	if err != nil {
		return nil, nil, err
	}

	out, _, err := scaledDotProduct(Q, K, V, nil, r.Scale)
	if err != nil {
		return nil, nil, fmt.Errorf("random attention: %w", err)
	}
	return out, indices, nil
}

// Parameters returns the query, key and value projections.
func (r *RandomAttention) Parameters() []*nn.Parameter {
	return r.parameters()
}
