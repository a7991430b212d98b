package model

import (
	"cmp"
	"fmt"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"hybridvision/pkg/tensor"
)

// Prediction is one ranked class for one sample.
type Prediction struct {
	Class       int
	Logit       float32
	Probability float32
}

// TopK returns the k most probable classes of every sample, most probable
// first. Ties keep the lower class index first.
//
// Input shape: (batch, num_classes)
// Output: batch slices of min(k, num_classes) predictions
func TopK(logits *tensor.Tensor, k int) ([][]Prediction, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D input (batch, num_classes), got %dD", len(logits.Shape))
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	probs, err := tensor.Softmax(logits, 1)
	if err != nil {
		return nil, err
	}

	batchSize, numClasses := logits.Shape[0], logits.Shape[1]
	k = min(k, numClasses)

	result := make([][]Prediction, batchSize)
	for b := 0; b < batchSize; b++ {
		ranked := heap.NewWith(func(i, j Prediction) int {
			if c := cmp.Compare(j.Probability, i.Probability); c != 0 {
				return c
			}
			return cmp.Compare(i.Class, j.Class)
		})

		for c := 0; c < numClasses; c++ {
			ranked.Push(Prediction{
				Class:       c,
				Logit:       logits.Data[b*numClasses+c],
				Probability: probs.Data[b*numClasses+c],
			})
		}

		result[b] = make([]Prediction, 0, k)
		for len(result[b]) < k {
			p, _ := ranked.Pop()
			result[b] = append(result[b], p)
		}
	}

	return result, nil
}

// Argmax returns the top class of every sample.
//
// Input shape: (batch, num_classes)
func Argmax(logits *tensor.Tensor) ([]int, error) {
	top, err := TopK(logits, 1)
	if err != nil {
		return nil, err
	}
	classes := make([]int, len(top))
	for i, p := range top {
		if len(p) > 0 {
			classes[i] = p[0].Class
		}
	}
	return classes, nil
}
