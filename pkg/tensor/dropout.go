package tensor

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// Dropout randomly zeros out elements with probability p during training.
// Kept elements are scaled by 1/(1-p) (inverted dropout). During inference
// (training=false) it returns a copy of the input.
//
// Parameters:
//   - p: dropout probability in [0, 1)
//   - training: if true, apply dropout; if false, return input unchanged
//   - rng: random source; required when training with p > 0
func (t *Tensor) Dropout(p float32, training bool, rng *rand.Rand) (*Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	if !training || p == 0 {
		return t.Clone(), nil
	}
	if rng == nil {
		return nil, fmt.Errorf("dropout in training mode requires a random source")
	}

	result := NewTensor(t.Shape)
	scale := 1 / (1 - p)

	for i := range t.Data {
		if rng.Float32() >= p {
			result.Data[i] = t.Data[i] * scale
		}
	}

	return result, nil
}
