package attention

import (
	"fmt"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/logutil"
	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

// DilatedAttention implements multi-head attention over a dilated key set.
//
// Queries come from every position; keys and values only from positions
// 0, d, 2d, ... where d is the dilation rate. A rate of at least the sequence
// length leaves position 0 as the single key.
//
// Architecture:
//   - Shared Q, K, V projections split into NumHeads heads
//   - Per-head attention over the strided keys
//   - Output projection combines all heads
type DilatedAttention struct {
	projections
	NumHeads     int
	HeadDim      int
	Hidden       int
	DilationRate int
	Scale        float32 // 1/sqrt(head_dim)

	OutProj *nn.Linear
}

// NewDilatedAttention creates a dilated attention layer with weights drawn from rng.
func NewDilatedAttention(config DilatedAttentionConfig, rng *rand.Rand) (*DilatedAttention, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &DilatedAttention{
		projections:  newProjections(config.Hidden, rng),
		NumHeads:     config.NumHeads,
		HeadDim:      config.HeadDim(),
		Hidden:       config.Hidden,
		DilationRate: config.DilationRate,
		Scale:        inverseSqrt(config.HeadDim()),
		OutProj:      nn.NewLinear(config.Hidden, config.Hidden, rng),
	}, nil
}

// Forward computes dilated multi-head attention.
//
// Input shape: (batch, seq, hidden)
// Output shape: (batch, seq, hidden)
func (d *DilatedAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := d.ForwardWithWeights(x)
	return out, err
}

// ForwardWithWeights also returns the attention weights with shape
// (batch, num_heads, seq, ceil(seq/dilation_rate)).
func (d *DilatedAttention) ForwardWithWeights(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkInput(x, d.Hidden); err != nil {
		return nil, nil, err
	}

	batchSize, seqLen := x.Shape[0], x.Shape[1]

	// Step 1: Select the dilated positions
	// strided: (batch, ceil(seq/d), hidden)
	strided, err := tensor.Strided(x, 1, d.DilationRate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select dilated positions: %w", err)
	}
	numKeys := strided.Shape[1]

	// Step 2: Project to Q (all positions) and K, V (dilated positions)
	Q, K, V, err := d.project(x, strided)
	if err != nil {
		return nil, nil, err
	}

	// Step 3: Reshape to separate heads
	// From: (batch, n, hidden)
	// To: (batch, num_heads, n, head_dim)
	if Q, err = d.splitHeads(Q, batchSize, seqLen); err != nil {
		return nil, nil, fmt.Errorf("failed to split Q into heads: %w", err)
	}
	if K, err = d.splitHeads(K, batchSize, numKeys); err != nil {
		return nil, nil, fmt.Errorf("failed to split K into heads: %w", err)
	}
	if V, err = d.splitHeads(V, batchSize, numKeys); err != nil {
		return nil, nil, fmt.Errorf("failed to split V into heads: %w", err)
	}

	// Step 4: Attention per head
	// scores/weights: (batch, num_heads, seq, n)
	// heads: (batch, num_heads, seq, head_dim)
	heads, weights, err := scaledDotProduct(Q, K, V, nil, d.Scale)
	if err != nil {
		return nil, nil, fmt.Errorf("dilated attention: %w", err)
	}

	// Step 5: Reshape back to (batch, seq, hidden)
	merged, err := heads.Transpose(1, 2) // (batch, seq, num_heads, head_dim)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to transpose attention output: %w", err)
	}
	merged = merged.Reshape([]int{batchSize, seqLen, d.Hidden})

	// Step 6: Output projection
	output, err := d.OutProj.Forward(merged)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply output projection: %w", err)
	}

	logutil.Trace("dilated attention", "keys", numKeys, "weights", weights.Shape)
	return output, weights, nil
}

func (d *DilatedAttention) splitHeads(t *tensor.Tensor, batchSize, n int) (*tensor.Tensor, error) {
	return t.Reshape([]int{batchSize, n, d.NumHeads, d.HeadDim}).Transpose(1, 2)
}

// Parameters returns the input projections followed by out_proj.
func (d *DilatedAttention) Parameters() []*nn.Parameter {
	return append(d.parameters(), nn.Prefixed("out_proj", d.OutProj.Parameters())...)
}
