package model

import (
	"fmt"
	"math"

	"hybridvision/pkg/tensor"
)

const (
	PositionalIdentity   = "identity"
	PositionalSinusoidal = "sinusoidal"
)

// PositionalEncoding injects position information into a patch sequence.
//
// Input shape: (batch, num_patches, embed_dim)
// Output shape: same as input
type PositionalEncoding interface {
	Encode(x *tensor.Tensor) (*tensor.Tensor, error)
}

// NewPositionalEncoding returns the encoding registered under name for
// sequences of up to maxLen positions. An empty name selects the identity.
func NewPositionalEncoding(name string, maxLen, dim int) (PositionalEncoding, error) {
	switch name {
	case "", PositionalIdentity:
		return IdentityEncoding{}, nil
	case PositionalSinusoidal:
		return NewSinusoidalEncoding(maxLen, dim), nil
	default:
		return nil, fmt.Errorf("%w: unknown positional encoding %q", ErrInvalidConfig, name)
	}
}

// IdentityEncoding leaves the sequence unchanged.
type IdentityEncoding struct{}

// Encode returns x unchanged.
func (IdentityEncoding) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x, nil
}

// SinusoidalEncoding adds the fixed sine/cosine table:
//
//	PE[pos, 2i]   = sin(pos / 10000^(2i/dim))
//	PE[pos, 2i+1] = cos(pos / 10000^(2i/dim))
type SinusoidalEncoding struct {
	Table *tensor.Tensor // (max_len, dim)
}

// NewSinusoidalEncoding precomputes the (maxLen, dim) sin/cos table.
func NewSinusoidalEncoding(maxLen, dim int) *SinusoidalEncoding {
	table := tensor.NewTensor([]int{maxLen, dim})
	for pos := 0; pos < maxLen; pos++ {
		row := table.Data[pos*dim : (pos+1)*dim]
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(dim))
			row[i] = float32(math.Sin(angle))
			if i+1 < dim {
				row[i+1] = float32(math.Cos(angle))
			}
		}
	}
	return &SinusoidalEncoding{Table: table}
}

// Encode adds the first seq rows of the table to x (batch, seq, dim).
func (s *SinusoidalEncoding) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected 3D input (batch, seq, dim), got shape %v", x.Shape)
	}
	seqLen, dim := x.Shape[1], x.Shape[2]
	maxLen, tableDim := s.Table.Shape[0], s.Table.Shape[1]
	if seqLen > maxLen || dim != tableDim {
		return nil, fmt.Errorf("input shape %v exceeds positional table %v", x.Shape, s.Table.Shape)
	}

	// Rows 0..seqLen of the table, repeated over the batch
	pe, err := tensor.FromSlice(s.Table.Data[:seqLen*dim], []int{seqLen, dim})
	if err != nil {
		return nil, err
	}
	return tensor.Add(x, pe)
}
