package attention

import (
	"fmt"
	"math"
)

// LocalAttentionConfig configures LocalAttention.
type LocalAttentionConfig struct {
	Hidden     int
	WindowSize int // positions i and j interact when |i-j| <= WindowSize/2
}

// Validate checks the hidden size and that the window is non-negative.
func (c LocalAttentionConfig) Validate() error {
	if err := validateHidden(c.Hidden); err != nil {
		return err
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("%w: window size must be non-negative, got %d", ErrInvalidConfig, c.WindowSize)
	}
	return nil
}

// GlobalAttentionConfig configures GlobalAttention.
type GlobalAttentionConfig struct {
	Hidden int
}

// Validate checks the hidden size.
func (c GlobalAttentionConfig) Validate() error {
	return validateHidden(c.Hidden)
}

// RandomAttentionConfig configures RandomAttention.
type RandomAttentionConfig struct {
	Hidden       int
	SamplingRate float64 // fraction of keys sampled per call, in (0, 1]

	// ExpectedSeqLen, when positive, is checked at construction so that a
	// rate too small to sample any key fails early.
	ExpectedSeqLen int
}

// Validate checks the hidden size and sampling rate, and that ExpectedSeqLen yields at least one key.
func (c RandomAttentionConfig) Validate() error {
	if err := validateHidden(c.Hidden); err != nil {
		return err
	}
	if !(c.SamplingRate > 0 && c.SamplingRate <= 1) {
		return fmt.Errorf("%w: sampling rate must be in (0, 1], got %v", ErrInvalidConfig, c.SamplingRate)
	}
	if c.ExpectedSeqLen > 0 && c.SampleSize(c.ExpectedSeqLen) == 0 {
		return fmt.Errorf("%w: sampling rate %v selects no keys from %d positions",
			ErrInvalidConfig, c.SamplingRate, c.ExpectedSeqLen)
	}
	return nil
}

// SampleSize returns floor(seqLen * SamplingRate).
func (c RandomAttentionConfig) SampleSize(seqLen int) int {
	return int(math.Floor(float64(seqLen) * c.SamplingRate))
}

// DilatedAttentionConfig configures DilatedAttention.
type DilatedAttentionConfig struct {
	Hidden       int
	NumHeads     int
	DilationRate int // keys and values are taken at positions 0, d, 2d, ...
}

// Validate checks the head split and that the dilation rate is at least 1.
func (c DilatedAttentionConfig) Validate() error {
	if err := validateHidden(c.Hidden); err != nil {
		return err
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("%w: number of heads must be positive, got %d", ErrInvalidConfig, c.NumHeads)
	}
	if c.Hidden%c.NumHeads != 0 {
		return fmt.Errorf("%w: hidden size %d must be divisible by num_heads %d",
			ErrInvalidConfig, c.Hidden, c.NumHeads)
	}
	if c.DilationRate < 1 {
		return fmt.Errorf("%w: dilation rate must be at least 1, got %d", ErrInvalidConfig, c.DilationRate)
	}
	return nil
}

// HeadDim returns Hidden / NumHeads.
func (c DilatedAttentionConfig) HeadDim() int {
	return c.Hidden / c.NumHeads
}

// AdaptiveSparseAttentionConfig configures the three branches of
// AdaptiveSparseAttention.
type AdaptiveSparseAttentionConfig struct {
	Hidden         int
	WindowSize     int
	SamplingRate   float64
	ExpectedSeqLen int
}

func (c AdaptiveSparseAttentionConfig) local() LocalAttentionConfig {
	return LocalAttentionConfig{Hidden: c.Hidden, WindowSize: c.WindowSize}
}

func (c AdaptiveSparseAttentionConfig) global() GlobalAttentionConfig {
	return GlobalAttentionConfig{Hidden: c.Hidden}
}

func (c AdaptiveSparseAttentionConfig) random() RandomAttentionConfig {
	return RandomAttentionConfig{
		Hidden:         c.Hidden,
		SamplingRate:   c.SamplingRate,
		ExpectedSeqLen: c.ExpectedSeqLen,
	}
}

// Validate checks the local and random branch configurations.
func (c AdaptiveSparseAttentionConfig) Validate() error {
	if err := c.local().Validate(); err != nil {
		return err
	}
	return c.random().Validate()
}

func validateHidden(hidden int) error {
	if hidden <= 0 {
		return fmt.Errorf("%w: hidden size must be positive, got %d", ErrInvalidConfig, hidden)
	}
	return nil
}
