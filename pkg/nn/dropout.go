package nn

import (
	"fmt"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/tensor"
)

// Dropout zeroes activations with probability P while training.
type Dropout struct {
	P        float32
	rng      *rand.Rand
	training bool
}

// NewDropout creates a Dropout layer in training mode drawing from rng.
func NewDropout(p float32, rng *rand.Rand) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	return &Dropout{P: p, rng: rng, training: true}, nil
}

// SetTraining enables dropout when training is true.
func (d *Dropout) SetTraining(training bool) {
	d.training = training
}

// Forward drops and rescales elements in training mode and is the identity otherwise.
func (d *Dropout) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Dropout(d.P, d.training, d.rng)
}

// Parameters returns nil; dropout has no weights.
func (d *Dropout) Parameters() []*Parameter {
	return nil
}
