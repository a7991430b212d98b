package tensor

import "fmt"

// ConvParams configures a 2D convolution. Stride and Padding are (height, width).
type ConvParams struct {
	Stride  [2]int
	Padding [2]int
	Groups  int
}

// Conv2D convolves input with weight using im2col and one GEMM per
// (sample, group).
//
// Input shape:  (batch, in_channels, height, width)
// Weight shape: (out_channels, in_channels/groups, kernel_h, kernel_w)
// Bias shape:   (out_channels) or nil
// Output shape: (batch, out_channels, out_h, out_w) where
//
//	out_h = (height + 2*pad_h - kernel_h) / stride_h + 1
func Conv2D(input, weight, bias *Tensor, p ConvParams) (*Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("conv2d: expected 4D input (batch, channels, height, width), got shape %v", input.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv2d: expected 4D weight, got shape %v", weight.Shape)
	}
	if p.Groups <= 0 || p.Stride[0] <= 0 || p.Stride[1] <= 0 || p.Padding[0] < 0 || p.Padding[1] < 0 {
		return nil, fmt.Errorf("conv2d: invalid params %+v", p)
	}

	batch, inC, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outC, groupC, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]

	if inC%p.Groups != 0 || outC%p.Groups != 0 {
		return nil, fmt.Errorf("conv2d: channels in=%d out=%d not divisible by groups %d", inC, outC, p.Groups)
	}
	if groupC != inC/p.Groups {
		return nil, fmt.Errorf("conv2d: weight expects %d input channels per group, input has %d",
			groupC, inC/p.Groups)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != outC) {
		return nil, fmt.Errorf("conv2d: bias shape %v does not match %d output channels", bias.Shape, outC)
	}

	outH := (h+2*p.Padding[0]-kh)/p.Stride[0] + 1
	outW := (w+2*p.Padding[1]-kw)/p.Stride[1] + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d: kernel %dx%d larger than padded input %dx%d", kh, kw, h, w)
	}

	result := NewTensor([]int{batch, outC, outH, outW})
	outPerGroup := outC / p.Groups
	k := groupC * kh * kw
	spatial := outH * outW

	parallelFor(batch*p.Groups, func(job int) {
		b, g := job/p.Groups, job%p.Groups

		// im2col: (k, spatial) patch matrix for this sample and group
		col := make([]float32, k*spatial)
		for c := 0; c < groupC; c++ {
			plane := input.Data[((b*inC)+g*groupC+c)*h*w : ((b*inC)+g*groupC+c+1)*h*w]
			for ki := 0; ki < kh; ki++ {
				for kj := 0; kj < kw; kj++ {
					row := col[((c*kh+ki)*kw+kj)*spatial:]
					for y := 0; y < outH; y++ {
						iy := y*p.Stride[0] - p.Padding[0] + ki
						if iy < 0 || iy >= h {
							continue
						}
						for x := 0; x < outW; x++ {
							ix := x*p.Stride[1] - p.Padding[1] + kj
							if ix >= 0 && ix < w {
								row[y*outW+x] = plane[iy*w+ix]
							}
						}
					}
				}
			}
		}

		wg := weight.Data[g*outPerGroup*k : (g+1)*outPerGroup*k]
		out := result.Data[(b*outC+g*outPerGroup)*spatial : (b*outC+(g+1)*outPerGroup)*spatial]
		gemm(wg, outPerGroup, k, col, k, spatial, false, out, spatial)

		if bias != nil {
			for o := 0; o < outPerGroup; o++ {
				bv := bias.Data[g*outPerGroup+o]
				for i := range out[o*spatial : (o+1)*spatial] {
					out[o*spatial+i] += bv
				}
			}
		}
	})

	return result, nil
}

// Conv1D convolves along the last axis.
//
// Input shape:  (batch, in_channels, length)
// Weight shape: (out_channels, in_channels/groups, kernel)
// Output shape: (batch, out_channels, out_length)
func Conv1D(input, weight, bias *Tensor, stride, padding, groups int) (*Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("conv1d: expected 3D input (batch, channels, length), got shape %v", input.Shape)
	}
	if len(weight.Shape) != 3 {
		return nil, fmt.Errorf("conv1d: expected 3D weight, got shape %v", weight.Shape)
	}

	in4 := input.Reshape([]int{input.Shape[0], input.Shape[1], 1, input.Shape[2]})
	w4 := weight.Reshape([]int{weight.Shape[0], weight.Shape[1], 1, weight.Shape[2]})

	out, err := Conv2D(in4, w4, bias, ConvParams{
		Stride:  [2]int{1, stride},
		Padding: [2]int{0, padding},
		Groups:  groups,
	})
	if err != nil {
		return nil, err
	}

	return out.Reshape([]int{out.Shape[0], out.Shape[1], out.Shape[3]}), nil
}
