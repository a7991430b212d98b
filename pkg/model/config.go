// Package model provides the image classifiers built from the attention and
// mixing layers.
//
// Two architectures are implemented:
//   - HybridClassifier: convolutional front end, adaptive sparse attention,
//     two dilated attention stages and a residual combination layer
//   - MixerClassifier: patch projection followed by depthwise token mixing
//     and MLP channel mixing stages
package model

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hybridvision/pkg/model/attention"
)

// ErrInvalidConfig is returned when a model cannot be built from a config.
var ErrInvalidConfig = errors.New("invalid model config")

// HybridConfig holds the hyperparameters of HybridClassifier.
type HybridConfig struct {
	// InChannels is the number of image channels (3 for RGB)
	InChannels int `yaml:"in_channels"`

	// ImageSize is the height and width of the square input image
	ImageSize int `yaml:"image_size"`

	// EmbedDim is the patch embedding and attention hidden size
	EmbedDim int `yaml:"embed_dim"`

	// NumHeads is the number of heads in each dilated attention stage
	NumHeads int `yaml:"num_heads"`

	// NumClasses is the number of output logits
	NumClasses int `yaml:"num_classes"`

	// PatchSize is the kernel and stride of the patch embedding
	PatchSize int `yaml:"patch_size"`

	// SamplingRate is the fraction of patches sampled by random attention
	SamplingRate float64 `yaml:"sampling_rate"`

	// WindowSize is the local attention window
	WindowSize int `yaml:"window_size"`

	// DilationRate is the key stride of the dilated attention stages
	DilationRate int `yaml:"dilation_rate"`

	// Dropout is applied before the classification layer in training mode
	Dropout float32 `yaml:"dropout"`

	// Positional selects the positional encoding: "identity" (the default
	// when empty) or "sinusoidal"
	Positional string `yaml:"positional"`

	// Seed drives weight initialisation, key sampling and dropout
	Seed uint64 `yaml:"seed"`
}

// DefaultHybridConfig returns the reference configuration: 224x224 RGB input,
// 16x16 patches and three classes.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		InChannels:   3,
		ImageSize:    224,
		EmbedDim:     512,
		NumHeads:     8,
		NumClasses:   3,
		PatchSize:    16,
		SamplingRate: 0.5,
		WindowSize:   5,
		DilationRate: 2,
		Dropout:      0.1,
		Positional:   PositionalIdentity,
		Seed:         42,
	}
}

// Validate checks that the configuration describes a buildable model.
func (c HybridConfig) Validate() error {
	if err := validateImage(c.InChannels, c.ImageSize, c.PatchSize); err != nil {
		return err
	}
	switch {
	case c.EmbedDim <= 0:
		return fmt.Errorf("%w: embed_dim must be positive, got %d", ErrInvalidConfig, c.EmbedDim)
	case c.NumHeads <= 0 || c.EmbedDim%c.NumHeads != 0:
		return fmt.Errorf("%w: embed_dim (%d) must be divisible by num_heads (%d)",
			ErrInvalidConfig, c.EmbedDim, c.NumHeads)
	case c.NumClasses <= 0:
		return fmt.Errorf("%w: num_classes must be positive, got %d", ErrInvalidConfig, c.NumClasses)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrInvalidConfig, c.Dropout)
	}
	if _, err := NewPositionalEncoding(c.Positional, c.NumPatches(), c.EmbedDim); err != nil {
		return err
	}
	if err := c.adaptive().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.dilated().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c HybridConfig) adaptive() attention.AdaptiveSparseAttentionConfig {
	return attention.AdaptiveSparseAttentionConfig{
		Hidden:         c.EmbedDim,
		WindowSize:     c.WindowSize,
		SamplingRate:   c.SamplingRate,
		ExpectedSeqLen: c.NumPatches(),
	}
}

func (c HybridConfig) dilated() attention.DilatedAttentionConfig {
	return attention.DilatedAttentionConfig{
		Hidden:       c.EmbedDim,
		NumHeads:     c.NumHeads,
		DilationRate: c.DilationRate,
	}
}

// NumPatches returns the sequence length seen by the attention layers.
func (c HybridConfig) NumPatches() int {
	return numPatches(c.ImageSize, c.PatchSize)
}

// MixerConfig holds the hyperparameters of MixerClassifier.
type MixerConfig struct {
	InChannels int `yaml:"in_channels"`
	ImageSize  int `yaml:"image_size"`
	PatchSize  int `yaml:"patch_size"`

	// Dim is the per-patch feature size carried through the stages
	Dim int `yaml:"dim"`

	// TokenDim is the output size of token mixing; it must equal Dim for the
	// residual add
	TokenDim int `yaml:"token_dim"`

	// ChannelDim is the hidden size of the channel mixing MLP
	ChannelDim int `yaml:"channel_dim"`

	NumClasses int `yaml:"num_classes"`

	// Depth is the number of mixing stages
	Depth int `yaml:"depth"`

	Seed uint64 `yaml:"seed"`
}

// DefaultMixerConfig returns the reference mixer configuration.
func DefaultMixerConfig() MixerConfig {
	return MixerConfig{
		InChannels: 3,
		ImageSize:  224,
		PatchSize:  16,
		Dim:        512,
		TokenDim:   512,
		ChannelDim: 2048,
		NumClasses: 3,
		Depth:      4,
		Seed:       42,
	}
}

// Validate checks that the configuration describes a buildable model.
func (c MixerConfig) Validate() error {
	if err := validateImage(c.InChannels, c.ImageSize, c.PatchSize); err != nil {
		return err
	}
	switch {
	case c.Dim <= 0:
		return fmt.Errorf("%w: dim must be positive, got %d", ErrInvalidConfig, c.Dim)
	case c.TokenDim != c.Dim:
		return fmt.Errorf("%w: token_dim (%d) must equal dim (%d) for the token mixing residual",
			ErrInvalidConfig, c.TokenDim, c.Dim)
	case c.ChannelDim <= 0:
		return fmt.Errorf("%w: channel_dim must be positive, got %d", ErrInvalidConfig, c.ChannelDim)
	case c.NumClasses <= 0:
		return fmt.Errorf("%w: num_classes must be positive, got %d", ErrInvalidConfig, c.NumClasses)
	case c.Depth <= 0:
		return fmt.Errorf("%w: depth must be positive, got %d", ErrInvalidConfig, c.Depth)
	}
	return nil
}

// NumPatches returns the number of tokens mixed by each stage.
func (c MixerConfig) NumPatches() int {
	return numPatches(c.ImageSize, c.PatchSize)
}

// LoadConfig decodes a YAML file into config. Fields absent from the file
// keep the values config already holds.
func LoadConfig(path string, config any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func validateImage(inChannels, imageSize, patchSize int) error {
	switch {
	case inChannels <= 0:
		return fmt.Errorf("%w: in_channels must be positive, got %d", ErrInvalidConfig, inChannels)
	case patchSize <= 0:
		return fmt.Errorf("%w: patch_size must be positive, got %d", ErrInvalidConfig, patchSize)
	case imageSize <= 0 || imageSize%patchSize != 0:
		return fmt.Errorf("%w: image_size (%d) must be a positive multiple of patch_size (%d)",
			ErrInvalidConfig, imageSize, patchSize)
	}
	return nil
}

func numPatches(imageSize, patchSize int) int {
	side := imageSize / patchSize
	return side * side
}
