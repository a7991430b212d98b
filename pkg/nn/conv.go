package nn

import (
	"fmt"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/tensor"
)

// Conv2D is a 2D convolutional layer with square kernels.
//
// Input shape:  (batch, in_channels, height, width)
// Weight shape: (out_channels, in_channels/groups, kernel, kernel)
// Output shape: (batch, out_channels, out_h, out_w)
//
// Groups equal to in_channels gives a depthwise convolution.
type Conv2D struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	Groups      int

	Weight *Parameter
	Bias   *Parameter
}

// NewConv2D creates a Conv2D layer with Xavier-initialised weights and zero bias.
func NewConv2D(inChannels, outChannels, kernelSize, stride, padding, groups int, rng *rand.Rand) (*Conv2D, error) {
	if err := validateConv(inChannels, outChannels, kernelSize, stride, padding, groups); err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}

	groupC := inChannels / groups
	w := tensor.NewTensor([]int{outChannels, groupC, kernelSize, kernelSize})
	XavierUniform(w, groupC*kernelSize*kernelSize, outChannels/groups*kernelSize*kernelSize, rng)

	return &Conv2D{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		Groups:      groups,
		Weight:      NewParameter("weight", w),
		Bias:        NewParameter("bias", tensor.NewTensor([]int{outChannels})),
	}, nil
}

// Forward convolves a (batch, in, H, W) input.
func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(x, c.Weight.Value, c.Bias.Value, tensor.ConvParams{
		Stride:  [2]int{c.Stride, c.Stride},
		Padding: [2]int{c.Padding, c.Padding},
		Groups:  c.Groups,
	})
}

// Parameters returns the kernel and bias.
func (c *Conv2D) Parameters() []*Parameter {
	return []*Parameter{c.Weight, c.Bias}
}

// Conv1D is a 1D convolution along the last axis.
//
// Input shape:  (batch, in_channels, length)
// Output shape: (batch, out_channels, out_length)
type Conv1D struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	Groups      int

	Weight *Parameter
	Bias   *Parameter
}

// NewConv1D creates a Conv1D layer with Xavier-initialised weights and zero bias.
func NewConv1D(inChannels, outChannels, kernelSize, stride, padding, groups int, rng *rand.Rand) (*Conv1D, error) {
	if err := validateConv(inChannels, outChannels, kernelSize, stride, padding, groups); err != nil {
		return nil, fmt.Errorf("conv1d: %w", err)
	}

	groupC := inChannels / groups
	w := tensor.NewTensor([]int{outChannels, groupC, kernelSize})
	XavierUniform(w, groupC*kernelSize, outChannels/groups*kernelSize, rng)

	return &Conv1D{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		Groups:      groups,
		Weight:      NewParameter("weight", w),
		Bias:        NewParameter("bias", tensor.NewTensor([]int{outChannels})),
	}, nil
}

// Forward convolves a (batch, in, length) input.
func (c *Conv1D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv1D(x, c.Weight.Value, c.Bias.Value, c.Stride, c.Padding, c.Groups)
}

// Parameters returns the kernel and bias.
func (c *Conv1D) Parameters() []*Parameter {
	return []*Parameter{c.Weight, c.Bias}
}

func validateConv(inChannels, outChannels, kernelSize, stride, padding, groups int) error {
	switch {
	case inChannels <= 0 || outChannels <= 0:
		return fmt.Errorf("invalid channels in=%d, out=%d", inChannels, outChannels)
	case kernelSize <= 0:
		return fmt.Errorf("invalid kernel size %d", kernelSize)
	case stride <= 0:
		return fmt.Errorf("invalid stride %d", stride)
	case padding < 0:
		return fmt.Errorf("invalid padding %d", padding)
	case groups <= 0 || inChannels%groups != 0 || outChannels%groups != 0:
		return fmt.Errorf("channels in=%d, out=%d not divisible by groups %d", inChannels, outChannels, groups)
	}
	return nil
}
