// Package tensor provides the dense float32 tensors and kernels used by the
// attention and mixer layers.
//
// Tensors are row-major with a flat data slice. Operations never write their
// inputs; every kernel allocates and returns a fresh tensor, except View and
// Reshape which share the underlying data.
package tensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, seq, hidden])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, shapeSize(shape)),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// Full creates a tensor with every element set to value.
func Full(shape []int, value float32) *Tensor {
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// FromSlice creates a tensor from existing data with the given shape.
// The data is copied. Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	expectedSize := shapeSize(shape)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expectedSize)
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// View returns a new tensor with a different shape but sharing the same underlying data.
// Returns an error if total size doesn't match.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if newSize := shapeSize(newShape); newSize != len(t.Data) {
		return nil, fmt.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, newSize)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: computeStrides(newShape),
	}, nil
}

// Reshape returns a view with a different shape (same underlying data).
// It panics on a size mismatch; use View to get an error instead.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return result
}

// Transpose exchanges two dimensions of the tensor and returns a contiguous copy.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	rank := len(t.Shape)
	if dim1 < 0 || dim1 >= rank || dim2 < 0 || dim2 >= rank {
		return nil, fmt.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, rank)
	}
	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	result := NewTensor(newShape)

	// Source strides permuted into destination order: walking the destination
	// in row-major order reads the source through these strides.
	srcStrides := copyShape(t.Strides)
	srcStrides[dim1], srcStrides[dim2] = srcStrides[dim2], srcStrides[dim1]

	idx := make([]int, rank)
	srcIdx := 0
	for dst := range result.Data {
		result.Data[dst] = t.Data[srcIdx]

		// Increment the multi-index, carrying into higher dimensions.
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			srcIdx += srcStrides[d]
			if idx[d] < newShape[d] {
				break
			}
			srcIdx -= srcStrides[d] * newShape[d]
			idx[d] = 0
		}
	}

	return result, nil
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return shapeSize(t.Shape)
}

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// FlatIndex maps a multi-index to its offset in Data. It panics when the
// index has the wrong rank or is out of range.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d dimensions", len(indices), len(t.Shape)))
	}

	offset := 0
	for d, i := range indices {
		if i < 0 || i >= t.Shape[d] {
			panic(fmt.Sprintf("tensor: index %d out of range [0, %d) in dimension %d", i, t.Shape[d], d))
		}
		offset += i * t.Strides[d]
	}
	return offset
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices []int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(indices []int, value float32) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	result := NewTensor(t.Shape)
	copy(result.Data, t.Data)
	return result
}

// ShapeString returns a string representation of the shape.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("%v", t.Shape)
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return shapeEquals(t.Shape, other.Shape)
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// String formats the shape followed by at most the first eight values,
// e.g. "Tensor[2 3]: [1 2 3 4 5 6]".
func (t *Tensor) String() string {
	const preview = 8

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v: [", t.Shape)
	for i, v := range t.Data[:min(len(t.Data), preview)] {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	if len(t.Data) > preview {
		fmt.Fprintf(&sb, " ... (%d more)", len(t.Data)-preview)
	}
	sb.WriteByte(']')
	return sb.String()
}

func validateShape(shape []int) error {
	for _, dim := range shape {
		if dim < 0 {
			return fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
	}
	return nil
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func shapeEquals(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// copyShape creates a copy of a shape slice
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
