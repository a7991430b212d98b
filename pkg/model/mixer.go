package model

import (
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/logutil"
	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

const batchNormEps = 1e-5

// TokenMixing mixes information across neighbouring patches.
//
// Architecture:
//  1. Transpose to (batch, dim, patches)
//  2. Depthwise Conv1D over patches, kernel 3, same padding
//  3. BatchNorm1D over the dim channels
//  4. GELU
//  5. Transpose back and project dim -> token_dim
//  6. Residual add to the input
type TokenMixing struct {
	Conv *nn.Conv1D
	Norm *nn.BatchNorm1D
	Proj *nn.Linear
}

// NewTokenMixing creates token mixing over dim channels projecting to tokenDim.
func NewTokenMixing(dim, tokenDim int, rng *rand.Rand) (*TokenMixing, error) {
	conv, err := nn.NewConv1D(dim, dim, 3, 1, 1, dim, rng)
	if err != nil {
		return nil, err
	}
	return &TokenMixing{
		Conv: conv,
		Norm: nn.NewBatchNorm1D(dim, batchNormEps),
		Proj: nn.NewLinear(dim, tokenDim, rng),
	}, nil
}

// Forward computes x + TokenMix(x).
//
// Input shape: (batch, patches, dim)
// Output shape: (batch, patches, dim)
func (t *TokenMixing) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected 3D input (batch, patches, dim), got shape %v", x.Shape)
	}

	// Step 1: patches become the convolution length axis
	h, err := x.Transpose(1, 2)
	if err != nil {
		return nil, err
	}

	// Step 2-4: depthwise conv, normalise, activate
	if h, err = t.Conv.Forward(h); err != nil {
		return nil, fmt.Errorf("failed to apply depthwise conv: %w", err)
	}
	if h, err = t.Norm.Forward(h); err != nil {
		return nil, fmt.Errorf("failed to apply batch norm: %w", err)
	}
	h = h.GELU()

	// Step 5: back to (batch, patches, dim), then project
	if h, err = h.Transpose(1, 2); err != nil {
		return nil, err
	}
	if h, err = t.Proj.Forward(h); err != nil {
		return nil, fmt.Errorf("failed to project tokens: %w", err)
	}

	// Step 6: residual
	return tensor.Add(x, h)
}

// SetTraining switches batch norm between batch and running statistics.
func (t *TokenMixing) SetTraining(training bool) {
	t.Norm.SetTraining(training)
}

// Parameters returns the conv, norm and projection parameters.
func (t *TokenMixing) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	params = append(params, nn.Prefixed("conv", t.Conv.Parameters())...)
	params = append(params, nn.Prefixed("norm", t.Norm.Parameters())...)
	params = append(params, nn.Prefixed("proj", t.Proj.Parameters())...)
	return params
}

// ChannelMixing is the per-patch MLP with a residual connection.
//
// Architecture:
//  1. Linear projection: dim -> channel_dim
//  2. GELU activation
//  3. Linear projection: channel_dim -> dim
//  4. Residual add to the input
type ChannelMixing struct {
	FC1 *nn.Linear
	FC2 *nn.Linear
}

// NewChannelMixing creates the dim -> channelDim -> dim MLP.
func NewChannelMixing(dim, channelDim int, rng *rand.Rand) *ChannelMixing {
	return &ChannelMixing{
		FC1: nn.NewLinear(dim, channelDim, rng),
		FC2: nn.NewLinear(channelDim, dim, rng),
	}
}

// Forward computes x + FC2(GELU(FC1(x))).
//
// Input shape: (batch, patches, dim)
// Output shape: (batch, patches, dim)
func (c *ChannelMixing) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	hidden, err := c.FC1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute FC1 projection: %w", err)
	}

	output, err := c.FC2.Forward(hidden.GELU())
	if err != nil {
		return nil, fmt.Errorf("failed to compute FC2 projection: %w", err)
	}

	return tensor.Add(x, output)
}

// Parameters returns both projections.
func (c *ChannelMixing) Parameters() []*nn.Parameter {
	return append(nn.Prefixed("fc1", c.FC1.Parameters()), nn.Prefixed("fc2", c.FC2.Parameters())...)
}

// MixerBlock is one token mixing followed by one channel mixing.
type MixerBlock struct {
	Token   *TokenMixing
	Channel *ChannelMixing
}

// Forward applies token mixing then channel mixing.
func (b *MixerBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := b.Token.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("token mixing: %w", err)
	}
	if x, err = b.Channel.Forward(x); err != nil {
		return nil, fmt.Errorf("channel mixing: %w", err)
	}
	return x, nil
}

// SetTraining sets the mode of the block's batch norm.
func (b *MixerBlock) SetTraining(training bool) {
	b.Token.SetTraining(training)
}

// Parameters returns the token and channel mixing parameters.
func (b *MixerBlock) Parameters() []*nn.Parameter {
	return append(nn.Prefixed("token", b.Token.Parameters()), nn.Prefixed("channel", b.Channel.Parameters())...)
}

// MixerClassifier is an MLP-Mixer variant with depthwise convolutional
// token mixing.
//
// Architecture:
//  1. Patch projection: (batch, patches, dim)
//  2. Depth mixer blocks
//  3. Mean over patches
//  4. Linear classification layer
type MixerClassifier struct {
	Config MixerConfig
	Embed  *PatchEmbedding
	Blocks []*MixerBlock
	Head   *nn.Linear

	Training bool // If false, batch norm uses running statistics
}

// NewMixerClassifier builds the classifier with weights seeded from config.Seed.
func NewMixerClassifier(config MixerConfig) (*MixerClassifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rng := nn.NewRand(config.Seed)

	embed, err := NewPatchEmbedding(config.InChannels, config.Dim, config.PatchSize, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create patch projection: %w", err)
	}

	m := &MixerClassifier{
		Config:   config,
		Embed:    embed,
		Blocks:   make([]*MixerBlock, config.Depth),
		Training: true,
	}

	for i := range m.Blocks {
		token, err := NewTokenMixing(config.Dim, config.TokenDim, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create token mixing %d: %w", i, err)
		}
		m.Blocks[i] = &MixerBlock{
			Token:   token,
			Channel: NewChannelMixing(config.Dim, config.ChannelDim, rng),
		}
	}
	m.Head = nn.NewLinear(config.Dim, config.NumClasses, rng)

	slog.Debug("mixer classifier ready", "patches", config.NumPatches(), "depth", config.Depth,
		"params", nn.CountParameters(m.Parameters()))
	return m, nil
}

// SetTraining switches batch norm between batch and running statistics.
func (m *MixerClassifier) SetTraining(training bool) {
	m.Training = training
}

// Forward classifies a batch of images.
//
// Input shape: (batch, in_channels, image_size, image_size)
// Output shape: (batch, num_classes)
func (m *MixerClassifier) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	c := m.Config
	if len(x.Shape) != 4 || x.Shape[1] != c.InChannels || x.Shape[2] != c.ImageSize || x.Shape[3] != c.ImageSize {
		return nil, fmt.Errorf("expected input (batch, %d, %d, %d), got shape %v",
			c.InChannels, c.ImageSize, c.ImageSize, x.Shape)
	}

	// Step 1: Patch projection
	h, err := m.Embed.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("patch projection: %w", err)
	}

	// Step 2: Mixer blocks
	for i, block := range m.Blocks {
		block.SetTraining(m.Training)
		if h, err = block.Forward(h); err != nil {
			return nil, fmt.Errorf("mixer block %d: %w", i, err)
		}
		logutil.Trace("mixer block", "index", i, "shape", h.Shape)
	}

	// Step 3: Mean over patches
	pooled, err := tensor.MeanDim(h, 1)
	if err != nil {
		return nil, fmt.Errorf("pooling: %w", err)
	}

	// Step 4: Classification layer
	logits, err := m.Head.Forward(pooled)
	if err != nil {
		return nil, fmt.Errorf("classification head: %w", err)
	}
	return logits, nil
}

// Parameters returns every trainable tensor with a dotted path name.
func (m *MixerClassifier) Parameters() []*nn.Parameter {
	params := nn.Prefixed("patch_embed", m.Embed.Parameters())
	for i, b := range m.Blocks {
		params = append(params, nn.Prefixed(fmt.Sprintf("blocks.%d", i), b.Parameters())...)
	}
	return append(params, nn.Prefixed("head", m.Head.Parameters())...)
}
