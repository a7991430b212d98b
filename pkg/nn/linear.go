package nn

import (
	"fmt"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/tensor"
)

// Linear implements a fully connected layer: y = x @ W^T + b.
//
// Weight has shape (out_features, in_features), bias (out_features).
// Weights use Xavier uniform initialisation and biases start at zero.
type Linear struct {
	InFeatures  int
	OutFeatures int
	Weight      *Parameter
	Bias        *Parameter // nil when the layer has no bias
}

// NewLinear creates a Linear layer with bias.
func NewLinear(inFeatures, outFeatures int, rng *rand.Rand) *Linear {
	w := tensor.NewTensor([]int{outFeatures, inFeatures})
	XavierUniform(w, inFeatures, outFeatures, rng)

	return &Linear{
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		Weight:      NewParameter("weight", w),
		Bias:        NewParameter("bias", tensor.NewTensor([]int{outFeatures})),
	}
}

// Forward applies the layer to the last dimension of x.
//
// Input shape: (..., in_features)
// Output shape: (..., out_features)
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 1 || x.Dim(-1) != l.InFeatures {
		return nil, fmt.Errorf("linear: expected last dimension %d, got shape %v", l.InFeatures, x.Shape)
	}

	// Fold leading dimensions into rows so 1D inputs work too.
	rows := x.Size() / l.InFeatures
	flat := x.Reshape([]int{rows, l.InFeatures})

	out, err := tensor.MatmulT(flat, l.Weight.Value)
	if err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	if l.Bias != nil {
		if out, err = tensor.Add(out, l.Bias.Value); err != nil {
			return nil, fmt.Errorf("linear: failed to add bias: %w", err)
		}
	}

	outShape := append(append([]int{}, x.Shape[:len(x.Shape)-1]...), l.OutFeatures)
	return out.Reshape(outShape), nil
}

// Parameters returns [weight, bias] (or [weight] without bias).
func (l *Linear) Parameters() []*Parameter {
	if l.Bias != nil {
		return []*Parameter{l.Weight, l.Bias}
	}
	return []*Parameter{l.Weight}
}
