package nn

import (
	"fmt"
	"math"

	"hybridvision/pkg/tensor"
)

// BatchNorm1D normalises each channel of a (batch, channels, length) tensor.
//
// Formula:
//
//	x_norm = (x - mean_c) / sqrt(var_c + eps)
//	output = x_norm * weight_c + bias_c
//
// In training mode mean and (biased) variance come from the current batch
// over the batch and length axes. In evaluation mode the running statistics
// are used. Forward never updates the running statistics.
type BatchNorm1D struct {
	NumFeatures int
	Eps         float32

	Weight *Parameter // (channels,) gamma, initialised to 1
	Bias   *Parameter // (channels,) beta, initialised to 0

	RunningMean *tensor.Tensor // (channels,) initialised to 0
	RunningVar  *tensor.Tensor // (channels,) initialised to 1

	training bool
}

// NewBatchNorm1D creates a BatchNorm1D layer in training mode.
func NewBatchNorm1D(numFeatures int, eps float32) *BatchNorm1D {
	return &BatchNorm1D{
		NumFeatures: numFeatures,
		Eps:         eps,
		Weight:      NewParameter("weight", tensor.Full([]int{numFeatures}, 1)),
		Bias:        NewParameter("bias", tensor.NewTensor([]int{numFeatures})),
		RunningMean: tensor.NewTensor([]int{numFeatures}),
		RunningVar:  tensor.Full([]int{numFeatures}, 1),
		training:    true,
	}
}

// SetTraining selects batch statistics (true) or running statistics (false).
func (bn *BatchNorm1D) SetTraining(training bool) {
	bn.training = training
}

// Forward applies batch normalisation.
//
// Input shape: (batch, channels, length)
// Output shape: same as input
func (bn *BatchNorm1D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[1] != bn.NumFeatures {
		return nil, fmt.Errorf("batchnorm1d: expected (batch, %d, length) input, got shape %v",
			bn.NumFeatures, x.Shape)
	}

	batch, channels, length := x.Shape[0], x.Shape[1], x.Shape[2]
	count := batch * length
	if bn.training && count == 0 {
		return nil, fmt.Errorf("batchnorm1d: cannot compute batch statistics of empty input %v", x.Shape)
	}

	result := tensor.NewTensor(x.Shape)

	for c := 0; c < channels; c++ {
		mean, variance := bn.RunningMean.Data[c], bn.RunningVar.Data[c]

		if bn.training {
			// Step 1: mean over batch and length
			var sum float64
			for b := 0; b < batch; b++ {
				for _, v := range x.Data[(b*channels+c)*length : (b*channels+c+1)*length] {
					sum += float64(v)
				}
			}
			m := sum / float64(count)

			// Step 2: biased variance
			var sq float64
			for b := 0; b < batch; b++ {
				for _, v := range x.Data[(b*channels+c)*length : (b*channels+c+1)*length] {
					d := float64(v) - m
					sq += d * d
				}
			}
			mean, variance = float32(m), float32(sq/float64(count))
		}

		// Step 3: normalise, scale and shift
		invStd := float32(1.0 / math.Sqrt(float64(variance+bn.Eps)))
		gamma, beta := bn.Weight.Value.Data[c], bn.Bias.Value.Data[c]
		for b := 0; b < batch; b++ {
			off := (b*channels + c) * length
			for i := 0; i < length; i++ {
				result.Data[off+i] = (x.Data[off+i]-mean)*invStd*gamma + beta
			}
		}
	}

	return result, nil
}

// Parameters returns gamma and beta. Running statistics are buffers, not parameters.
func (bn *BatchNorm1D) Parameters() []*Parameter {
	return []*Parameter{bn.Weight, bn.Bias}
}
