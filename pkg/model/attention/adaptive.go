package attention

import (
	"fmt"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/logutil"
	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

// AdaptiveSparseAttention fuses local, global and random attention by
// element-wise summation. No weighting or normalisation is applied to the sum.
type AdaptiveSparseAttention struct {
	Local  *LocalAttention
	Global *GlobalAttention
	Random *RandomAttention
}

// Branches holds the individual branch outputs of one forward call.
type Branches struct {
	Local  *tensor.Tensor
	Global *tensor.Tensor
	Random *tensor.Tensor
	Sum    *tensor.Tensor
}

// NewAdaptiveSparseAttention builds the three branches. Branch weights are
// drawn from rng in the order local, global, random; key sampling uses src.
func NewAdaptiveSparseAttention(config AdaptiveSparseAttentionConfig, rng *rand.Rand, src rand.Source) (*AdaptiveSparseAttention, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	local, err := NewLocalAttention(config.local(), rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create local attention: %w", err)
	}
	global, err := NewGlobalAttention(config.global(), rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create global attention: %w", err)
	}
	random, err := NewRandomAttention(config.random(), rng, src)
	if err != nil {
		return nil, fmt.Errorf("failed to create random attention: %w", err)
	}

	return &AdaptiveSparseAttention{Local: local, Global: global, Random: random}, nil
}

// Forward returns local(x) + global(x) + random(x).
//
// Input shape: (batch, seq, hidden)
// Output shape: (batch, seq, hidden)
func (a *AdaptiveSparseAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	b, err := a.ForwardBranches(x)
	if err != nil {
		return nil, err
	}
	return b.Sum, nil
}

// ForwardBranches runs every branch on x and returns each output with their sum.
func (a *AdaptiveSparseAttention) ForwardBranches(x *tensor.Tensor) (*Branches, error) {
	local, err := a.Local.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("local branch: %w", err)
	}
	global, err := a.Global.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("global branch: %w", err)
	}
	random, indices, err := a.Random.ForwardWithIndices(x)
	if err != nil {
		return nil, fmt.Errorf("random branch: %w", err)
	}
	logutil.Trace("random branch sampled keys", "count", len(indices))

	sum, err := tensor.Add(local, global)
	if err != nil {
		return nil, fmt.Errorf("failed to fuse branches: %w", err)
	}
	if sum, err = tensor.Add(sum, random); err != nil {
		return nil, fmt.Errorf("failed to fuse branches: %w", err)
	}

	return &Branches{Local: local, Global: global, Random: random, Sum: sum}, nil
}

// Parameters returns the parameters of all three branches.
func (a *AdaptiveSparseAttention) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	params = append(params, nn.Prefixed("local", a.Local.Parameters())...)
	params = append(params, nn.Prefixed("global", a.Global.Parameters())...)
	params = append(params, nn.Prefixed("random", a.Random.Parameters())...)
	return params
}
