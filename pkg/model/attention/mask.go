package attention

import "hybridvision/pkg/tensor"

// WindowMask builds a (seqLen, seqLen) band mask: entry (i, j) is 1 when
// |i-j| <= window/2 (integer division) and 0 otherwise.
//
// A window of 0 or 1 keeps only the diagonal; a window of at least
// 2*(seqLen-1) keeps every entry.
func WindowMask(seqLen, window int) *tensor.Tensor {
	mask := tensor.NewTensor([]int{seqLen, seqLen})
	half := window / 2
	for i := 0; i < seqLen; i++ {
		lo, hi := max(0, i-half), min(seqLen-1, i+half)
		row := mask.Data[i*seqLen : (i+1)*seqLen]
		for j := lo; j <= hi; j++ {
			row[j] = 1
		}
	}
	return mask
}
