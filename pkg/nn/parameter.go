package nn

import (
	"hybridvision/pkg/tensor"
)

// Parameter is a named trainable tensor.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
}

// NewParameter wraps t under the given name.
func NewParameter(name string, t *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: t}
}

// Size returns the number of scalar values in the parameter.
func (p *Parameter) Size() int {
	return p.Value.Size()
}

// Prefixed returns copies of params whose names are prefixed with
// "prefix.". The copies share the underlying tensors.
func Prefixed(prefix string, params []*Parameter) []*Parameter {
	out := make([]*Parameter, len(params))
	for i, p := range params {
		out[i] = &Parameter{Name: prefix + "." + p.Name, Value: p.Value}
	}
	return out
}

// CountParameters sums the sizes of params.
func CountParameters(params []*Parameter) int {
	n := 0
	for _, p := range params {
		n += p.Size()
	}
	return n
}
