package model

import (
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/logutil"
	"hybridvision/pkg/model/attention"
	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

// HybridClassifier combines a convolutional front end with sparse and
// dilated attention over image patches.
//
// Architecture:
//  1. Depthwise 3x3 convolution + ReLU
//  2. Patch embedding: strided convolution to (batch, patches, embed_dim)
//  3. Positional encoding (identity unless configured otherwise)
//  4. Patch importance scores (diagnostic, not used by the logits)
//  5. Adaptive sparse attention: local + global + random
//  6. Two dilated attention stages
//  7. Combined layer fusing stage 2 with the adaptive output
//  8. Mean over patches
//  9. Classification head: dropout (training only) + linear
type HybridClassifier struct {
	Config HybridConfig

	Features   *nn.Conv2D
	Embed      *PatchEmbedding
	Positional PositionalEncoding
	Importance *PatchImportance
	Adaptive   *attention.AdaptiveSparseAttention
	Dilated    [2]*attention.DilatedAttention
	Combine    *CombinedLayer
	Head       *ClassificationHead

	Training bool // If false, dropout is disabled
}

// HybridOutput is the result of one forward pass.
type HybridOutput struct {
	Logits          *tensor.Tensor // (batch, num_classes)
	PatchImportance *tensor.Tensor // (batch, num_patches), rows sum to 1
}

// NewHybridClassifier builds the classifier. Weights, key sampling and
// dropout are all seeded from config.Seed.
func NewHybridClassifier(config HybridConfig) (*HybridClassifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rng := nn.NewRand(config.Seed)
	sampler := rand.NewSource(config.Seed + 1)
	numPatches := config.NumPatches()

	features, err := nn.NewConv2D(config.InChannels, config.InChannels, 3, 1, 1, config.InChannels, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature extractor: %w", err)
	}

	embed, err := NewPatchEmbedding(config.InChannels, config.EmbedDim, config.PatchSize, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create patch embedding: %w", err)
	}

	positional, err := NewPositionalEncoding(config.Positional, numPatches, config.EmbedDim)
	if err != nil {
		return nil, err
	}

	adaptive, err := attention.NewAdaptiveSparseAttention(config.adaptive(), rng, sampler)
	if err != nil {
		return nil, fmt.Errorf("failed to create adaptive attention: %w", err)
	}

	m := &HybridClassifier{
		Config:     config,
		Features:   features,
		Embed:      embed,
		Positional: positional,
		Importance: NewPatchImportance(config.EmbedDim, rng),
		Adaptive:   adaptive,
		Training:   true,
	}

	for i := range m.Dilated {
		if m.Dilated[i], err = attention.NewDilatedAttention(config.dilated(), rng); err != nil {
			return nil, fmt.Errorf("failed to create dilated stage %d: %w", i+1, err)
		}
	}

	m.Combine = NewCombinedLayer(config.EmbedDim, rng)
	if m.Head, err = NewClassificationHead(config.EmbedDim, config.NumClasses, config.Dropout, rng); err != nil {
		return nil, fmt.Errorf("failed to create classification head: %w", err)
	}

	slog.Debug("hybrid classifier ready", "patches", numPatches, "embed_dim", config.EmbedDim,
		"params", nn.CountParameters(m.Parameters()))
	return m, nil
}

// SetTraining sets the training mode for the model.
// When training=false, dropout is disabled.
func (m *HybridClassifier) SetTraining(training bool) {
	m.Training = training
}

// Forward classifies a batch of images.
//
// Input shape: (batch, in_channels, image_size, image_size)
// Output: logits (batch, num_classes) and patch importance (batch, num_patches)
func (m *HybridClassifier) Forward(x *tensor.Tensor) (*HybridOutput, error) {
	c := m.Config
	if len(x.Shape) != 4 || x.Shape[1] != c.InChannels || x.Shape[2] != c.ImageSize || x.Shape[3] != c.ImageSize {
		return nil, fmt.Errorf("expected input (batch, %d, %d, %d), got shape %v",
			c.InChannels, c.ImageSize, c.ImageSize, x.Shape)
	}

	// Step 1: Depthwise feature extraction
	features, err := m.Features.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("feature extractor: %w", err)
	}
	features = features.ReLU()

	// Step 2: Patch embedding
	// patches: (batch, num_patches, embed_dim)
	patches, err := m.Embed.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("patch embedding: %w", err)
	}

	// Step 3: Positional encoding
	if patches, err = m.Positional.Encode(patches); err != nil {
		return nil, fmt.Errorf("positional encoding: %w", err)
	}
	logutil.Trace("hybrid patches", "shape", patches.Shape)

	// Step 4: Patch importance, returned alongside the logits
	importance, err := m.Importance.Forward(patches)
	if err != nil {
		return nil, fmt.Errorf("patch importance: %w", err)
	}

	// Step 5: Adaptive sparse attention
	adaptive, err := m.Adaptive.Forward(patches)
	if err != nil {
		return nil, fmt.Errorf("adaptive attention: %w", err)
	}

	// Step 6: Dilated attention stages, each consuming the previous output
	h := adaptive
	for i, stage := range m.Dilated {
		if h, err = stage.Forward(h); err != nil {
			return nil, fmt.Errorf("dilated stage %d: %w", i+1, err)
		}
	}

	// Step 7: Residual fusion with the adaptive output
	combined, err := m.Combine.Forward(h, adaptive)
	if err != nil {
		return nil, fmt.Errorf("combined layer: %w", err)
	}

	// Step 8: Mean over patches
	// pooled: (batch, embed_dim)
	pooled, err := tensor.MeanDim(combined, 1)
	if err != nil {
		return nil, fmt.Errorf("pooling: %w", err)
	}

	// Step 9: Classification head, dropout only in training mode
	m.Head.SetTraining(m.Training)
	logits, err := m.Head.Forward(pooled)
	if err != nil {
		return nil, fmt.Errorf("classification head: %w", err)
	}
	logutil.Trace("hybrid logits", "shape", logits.Shape)

	return &HybridOutput{Logits: logits, PatchImportance: importance}, nil
}

// Parameters returns every trainable tensor with a dotted path name.
func (m *HybridClassifier) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	params = append(params, nn.Prefixed("features", m.Features.Parameters())...)
	params = append(params, nn.Prefixed("patch_embed", m.Embed.Parameters())...)
	params = append(params, nn.Prefixed("importance", m.Importance.Parameters())...)
	params = append(params, nn.Prefixed("adaptive", m.Adaptive.Parameters())...)
	for i, stage := range m.Dilated {
		params = append(params, nn.Prefixed(fmt.Sprintf("dilated%d", i+1), stage.Parameters())...)
	}
	params = append(params, nn.Prefixed("combine", m.Combine.Parameters())...)
	params = append(params, nn.Prefixed("head", m.Head.Parameters())...)
	return params
}
