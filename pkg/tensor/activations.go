package tensor

import "math"

// GELU applies the Gaussian Error Linear Unit activation function.
//
// Uses the exact form based on the error function:
//
//	GELU(x) = 0.5 * x * (1 + erf(x / sqrt(2)))
//
// Reference: https://arxiv.org/abs/1606.08415
//
// Input: tensor of any shape
// Output: tensor of the same shape with GELU applied element-wise
func (t *Tensor) GELU() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		result.Data[i] = float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
	}
	return result
}

// ReLU applies max(0, x) element-wise.
func (t *Tensor) ReLU() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		if x > 0 {
			result.Data[i] = x
		}
	}
	return result
}
