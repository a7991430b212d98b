package model

import (
	"fmt"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

// PatchEmbedding projects non-overlapping image patches to vectors with a
// strided convolution.
//
// Input shape: (batch, in_channels, height, width)
// Output shape: (batch, num_patches, embed_dim), patches in row-major order
type PatchEmbedding struct {
	Proj *nn.Conv2D
}

// NewPatchEmbedding creates a patch embedding with a patchSize x patchSize kernel and stride.
func NewPatchEmbedding(inChannels, embedDim, patchSize int, rng *rand.Rand) (*PatchEmbedding, error) {
	proj, err := nn.NewConv2D(inChannels, embedDim, patchSize, patchSize, 0, 1, rng)
	if err != nil {
		return nil, err
	}
	return &PatchEmbedding{Proj: proj}, nil
}

// Forward maps (batch, channels, H, W) to (batch, patches, embed_dim), patches in row-major order.
func (p *PatchEmbedding) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	// Step 1: (batch, embed, h, w)
	features, err := p.Proj.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to project patches: %w", err)
	}

	// Step 2: flatten spatial dims and move them in front of the channels
	batch, embed := features.Shape[0], features.Shape[1]
	n := features.Shape[2] * features.Shape[3]
	return features.Reshape([]int{batch, embed, n}).Transpose(1, 2)
}

// Parameters returns the projection weight and bias.
func (p *PatchEmbedding) Parameters() []*nn.Parameter {
	return p.Proj.Parameters()
}

// PatchImportance scores every patch with softmax over Linear(embed, 1).
//
// Input shape: (batch, num_patches, embed_dim)
// Output shape: (batch, num_patches); each row sums to 1
type PatchImportance struct {
	Score *nn.Linear
}

// NewPatchImportance creates a scorer with one output per patch.
func NewPatchImportance(embedDim int, rng *rand.Rand) *PatchImportance {
	return &PatchImportance{Score: nn.NewLinear(embedDim, 1, rng)}
}

// Forward returns (batch, patches) scores normalised over the patches.
func (p *PatchImportance) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected 3D input (batch, patches, embed), got shape %v", x.Shape)
	}
	scores, err := p.Score.Forward(x)
	if err != nil {
		return nil, err
	}
	scores = scores.Reshape([]int{x.Shape[0], x.Shape[1]})
	return tensor.Softmax(scores, 1)
}

// Parameters returns the scoring layer's weight and bias.
func (p *PatchImportance) Parameters() []*nn.Parameter {
	return nn.Prefixed("score", p.Score.Parameters())
}

// CombinedLayer fuses two same-shaped tensors: Linear(a + b).
type CombinedLayer struct {
	Proj *nn.Linear
}

// NewCombinedLayer creates a combined layer over dim features.
func NewCombinedLayer(dim int, rng *rand.Rand) *CombinedLayer {
	return &CombinedLayer{Proj: nn.NewLinear(dim, dim, rng)}
}

// Forward returns Proj(a + b). Both inputs must have the same shape.
func (c *CombinedLayer) Forward(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if !a.ShapeEquals(b) {
		return nil, fmt.Errorf("combined layer inputs differ in shape: %v and %v", a.Shape, b.Shape)
	}
	sum, err := tensor.Add(a, b)
	if err != nil {
		return nil, err
	}
	return c.Proj.Forward(sum)
}

// Parameters returns the projection weight and bias.
func (c *CombinedLayer) Parameters() []*nn.Parameter {
	return nn.Prefixed("proj", c.Proj.Parameters())
}

// ClassificationHead maps pooled features to logits, with dropout in
// front of the linear layer while training.
//
// Input shape: (batch, dim)
// Output shape: (batch, num_classes)
type ClassificationHead struct {
	Dropout *nn.Dropout
	Linear  *nn.Linear
}

// NewClassificationHead creates a head that drops inputs with probability dropout in training mode.
func NewClassificationHead(dim, numClasses int, dropout float32, rng *rand.Rand) (*ClassificationHead, error) {
	drop, err := nn.NewDropout(dropout, rng)
	if err != nil {
		return nil, err
	}
	return &ClassificationHead{Dropout: drop, Linear: nn.NewLinear(dim, numClasses, rng)}, nil
}

// Forward maps (batch, dim) features to (batch, num_classes) logits.
func (h *ClassificationHead) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := h.Dropout.Forward(x)
	if err != nil {
		return nil, err
	}
	return h.Linear.Forward(x)
}

// SetTraining enables or disables dropout.
func (h *ClassificationHead) SetTraining(training bool) {
	h.Dropout.SetTraining(training)
}

// Parameters returns the linear layer's weight and bias.
func (h *ClassificationHead) Parameters() []*nn.Parameter {
	return nn.Prefixed("linear", h.Linear.Parameters())
}
