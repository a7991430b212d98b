package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// A 2D right operand is broadcast across the batch dimensions of the left.
func Matmul(a, b *Tensor) (*Tensor, error) {
	return matmul(a, b, false)
}

// MatmulT multiplies a by the transpose of b's last two dimensions.
// For tensors of shape (..., m, n) and (..., p, n), returns (..., m, p).
// A 2D right operand (p, n) is broadcast, which is how Linear applies its
// (out, in) weight without materialising the transpose.
func MatmulT(a, b *Tensor) (*Tensor, error) {
	return matmul(a, b, true)
}

func matmul(a, b *Tensor, transB bool) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	m, n := a.Dim(-2), a.Dim(-1)
	kB, p := b.Dim(-2), b.Dim(-1)
	if transB {
		kB, p = p, kB
	}
	if n != kB {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, n, kB)
	}

	batchDims := a.Shape[:len(a.Shape)-2]
	resultShape := append(copyShape(batchDims), m, p)

	// (..., m, n) @ (n, p): fold the batch into the row dimension, one GEMM.
	if len(b.Shape) == 2 {
		rows := shapeSize(batchDims) * m
		result := NewTensor(resultShape)
		gemm(a.Data, rows, n, b.Data, b.Shape[0], b.Shape[1], transB, result.Data, p)
		return result, nil
	}

	if !shapeEquals(batchDims, b.Shape[:len(b.Shape)-2]) {
		return nil, fmt.Errorf("incompatible batch dimensions for matmul: %v and %v", a.Shape, b.Shape)
	}

	result := NewTensor(resultShape)
	batchSize := shapeSize(batchDims)
	aStride, bStride, rStride := m*n, b.Dim(-2)*b.Dim(-1), m*p
	parallelFor(batchSize, func(i int) {
		gemm(
			a.Data[i*aStride:(i+1)*aStride], m, n,
			b.Data[i*bStride:(i+1)*bStride], b.Dim(-2), b.Dim(-1), transB,
			result.Data[i*rStride:(i+1)*rStride], p,
		)
	})

	return result, nil
}

// gemm computes c = a @ op(b) for row-major operands.
// c must be zeroed and sized rows x cols.
func gemm(a []float32, rows, inner int, b []float32, bRows, bCols int, transB bool, c []float32, cols int) {
	if rows == 0 || cols == 0 || inner == 0 {
		return
	}

	tB := blas.NoTrans
	if transB {
		tB = blas.Trans
	}
	blas32.Gemm(blas.NoTrans, tB, 1,
		blas32.General{Rows: rows, Cols: inner, Stride: inner, Data: a},
		blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b},
		0,
		blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: c},
	)
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * scalar
	}
	return result
}

// Scale multiplies all elements by a scalar (tensor method version).
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// Softmax applies softmax along the specified dimension.
//
// A slice whose entries are all -Inf has no probability mass to distribute;
// it is returned as zeros rather than NaN.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}

	result := NewTensor(t.Shape)
	size := t.Shape[dim]
	if size == 0 {
		return result, nil
	}

	// Slices along dim are strided: outer blocks of (size*inner), inner
	// elements apart.
	inner := shapeSize(t.Shape[dim+1:])
	outer := shapeSize(t.Shape[:dim])

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*size*inner + in
			softmaxStrided(t.Data, result.Data, base, size, inner)
		}
	}

	return result, nil
}

func softmaxStrided(src, dst []float32, base, size, stride int) {
	maxVal := float32(math.Inf(-1))
	for i := 0; i < size; i++ {
		if v := src[base+i*stride]; v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		return
	}

	expSum := float32(0)
	for i := 0; i < size; i++ {
		e := float32(math.Exp(float64(src[base+i*stride] - maxVal)))
		dst[base+i*stride] = e
		expSum += e
	}
	for i := 0; i < size; i++ {
		dst[base+i*stride] /= expSum
	}
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x + y })
}

// elementWiseOp performs an element-wise operation with broadcasting
func elementWiseOp(a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast shapes %v and %v: %w", a.Shape, b.Shape, err)
	}

	result := NewTensor(outShape)

	// Fast path: b repeats over the leading dimensions of a (equal shapes
	// or a trailing bias), so b's flat index is the output index modulo its size.
	if shapeEquals(outShape, a.Shape) && isSuffix(b.Shape, a.Shape) && len(b.Data) > 0 {
		for i := range result.Data {
			result.Data[i] = op(a.Data[i], b.Data[i%len(b.Data)])
		}
		return result, nil
	}

	aStrides := broadcastStrides(a.Shape, outShape)
	bStrides := broadcastStrides(b.Shape, outShape)

	rank := len(outShape)
	idx := make([]int, rank)
	aIdx, bIdx := 0, 0
	for out := range result.Data {
		result.Data[out] = op(a.Data[aIdx], b.Data[bIdx])

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			aIdx += aStrides[d]
			bIdx += bStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			aIdx -= aStrides[d] * outShape[d]
			bIdx -= bStrides[d] * outShape[d]
			idx[d] = 0
		}
	}

	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes
func broadcastShapes(a, b []int) ([]int, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)

	for i := 0; i < maxLen; i++ {
		dimA := 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		dimB := 1
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}

		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, fmt.Errorf("incompatible dimensions %d and %d", dimA, dimB)
		}

		result[maxLen-1-i] = max(dimA, dimB)
	}

	return result, nil
}

// broadcastStrides returns strides of in aligned to out, with zero stride on
// broadcast dimensions.
func broadcastStrides(in, out []int) []int {
	inStrides := computeStrides(in)
	strides := make([]int, len(out))
	diff := len(out) - len(in)
	for i := range in {
		if in[i] != 1 {
			strides[i+diff] = inStrides[i]
		}
	}
	return strides
}

func isSuffix(suffix, shape []int) bool {
	if len(suffix) > len(shape) {
		return false
	}
	return shapeEquals(suffix, shape[len(shape)-len(suffix):])
}

// ApplyMask sets elements to -inf where mask is 0.
//
// The mask covers the trailing dimensions of t and is repeated across the
// leading ones, so a (seq, seq) mask applies to (batch, seq, seq) scores.
func ApplyMask(t, mask *Tensor) (*Tensor, error) {
	if !isSuffix(mask.Shape, t.Shape) {
		return nil, fmt.Errorf("mask shape %v does not match trailing dimensions of %v", mask.Shape, t.Shape)
	}

	result := t.Clone()
	negInf := float32(math.Inf(-1))
	for i := range result.Data {
		if mask.Data[i%len(mask.Data)] == 0 {
			result.Data[i] = negInf
		}
	}

	return result, nil
}

// MeanDim averages over dimension dim, removing it from the shape.
func MeanDim(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}
	size := t.Shape[dim]
	if size == 0 {
		return nil, fmt.Errorf("cannot average over empty dimension %d of %v", dim, t.Shape)
	}

	outShape := append(copyShape(t.Shape[:dim]), t.Shape[dim+1:]...)
	result := NewTensor(outShape)

	inner := shapeSize(t.Shape[dim+1:])
	outer := shapeSize(t.Shape[:dim])
	for o := 0; o < outer; o++ {
		dst := result.Data[o*inner : (o+1)*inner]
		for s := 0; s < size; s++ {
			src := t.Data[(o*size+s)*inner : (o*size+s+1)*inner]
			for i, v := range src {
				dst[i] += v
			}
		}
		for i := range dst {
			dst[i] /= float32(size)
		}
	}

	return result, nil
}
