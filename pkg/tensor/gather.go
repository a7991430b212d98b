package tensor

import "fmt"

// IndexSelect gathers the given positions along dim, in the order listed.
func IndexSelect(t *Tensor, dim int, indices []int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}
	size := t.Shape[dim]
	for _, idx := range indices {
		if idx < 0 || idx >= size {
			return nil, fmt.Errorf("index %d out of bounds for dimension %d with size %d", idx, dim, size)
		}
	}

	outShape := copyShape(t.Shape)
	outShape[dim] = len(indices)
	result := NewTensor(outShape)

	inner := shapeSize(t.Shape[dim+1:])
	outer := shapeSize(t.Shape[:dim])
	for o := 0; o < outer; o++ {
		for j, idx := range indices {
			src := t.Data[(o*size+idx)*inner : (o*size+idx+1)*inner]
			copy(result.Data[(o*len(indices)+j)*inner:], src)
		}
	}

	return result, nil
}

// StridedIndices returns 0, step, 2*step, ... below n. A step of n or more
// yields only position 0.
func StridedIndices(n, step int) []int {
	if n <= 0 || step <= 0 {
		return nil
	}
	indices := make([]int, 0, (n+step-1)/step)
	for i := 0; i < n; i += step {
		indices = append(indices, i)
	}
	return indices
}

// Strided selects every step-th position along dim, starting at 0.
func Strided(t *Tensor, dim, step int) (*Tensor, error) {
	if step <= 0 {
		return nil, fmt.Errorf("stride must be positive, got %d", step)
	}
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}
	return IndexSelect(t, dim, StridedIndices(t.Shape[dim], step))
}
