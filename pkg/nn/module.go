// Package nn implements the parameterised layers that the attention and
// mixer models are composed from.
//
// Layers own their parameters and expose a single Forward transform. Forward
// never writes parameters; updating them is left to whatever training loop
// drives the model.
package nn

import "hybridvision/pkg/tensor"

// Layer is a tensor-in, tensor-out transform with trainable parameters.
type Layer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Trainable is implemented by layers whose forward pass differs between
// training and evaluation (dropout, batch norm).
type Trainable interface {
	SetTraining(training bool)
}
