package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

func TestTopK(t *testing.T) {
	logits, err := tensor.FromSlice([]float32{
		1, 3, 2, 0,
		0, 0, 0, 0,
	}, []int{2, 4})
	require.NoError(t, err)

	top, err := TopK(logits, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)

	classes := func(ps []Prediction) []int {
		var c []int
		for _, p := range ps {
			c = append(c, p.Class)
		}
		return c
	}
	if diff := cmp.Diff([]int{1, 2}, classes(top[0])); diff != "" {
		t.Errorf("sample 0 classes mismatch (-want +got):\n%s", diff)
	}
	// ties keep the lower class index first
	if diff := cmp.Diff([]int{0, 1}, classes(top[1])); diff != "" {
		t.Errorf("sample 1 classes mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, float32(3), top[0][0].Logit)
	assert.Greater(t, top[0][0].Probability, top[0][1].Probability)
	assert.InDelta(t, 0.25, top[1][0].Probability, 1e-6)

	// k larger than the class count returns every class
	all, err := TopK(logits, 10)
	require.NoError(t, err)
	var sum float32
	for _, p := range all[0] {
		sum += p.Probability
	}
	assert.Len(t, all[0], 4)
	assert.InDelta(t, 1, sum, 1e-5)

	_, err = TopK(logits, 0)
	require.Error(t, err)
	_, err = TopK(tensor.NewTensor([]int{4}), 1)
	require.Error(t, err)
}

func TestArgmax(t *testing.T) {
	logits, err := tensor.FromSlice([]float32{0.1, -2, 5, 4, 3, 2}, []int{2, 3})
	require.NoError(t, err)

	classes, err := Argmax(logits)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, classes)
}

func TestSummary(t *testing.T) {
	params := []*nn.Parameter{
		nn.NewParameter("a.weight", tensor.NewTensor([]int{4, 3})),
		nn.NewParameter("a.bias", tensor.NewTensor([]int{4})),
	}

	infos, total := Summary(params)
	assert.Equal(t, 16, total)
	require.Len(t, infos, 2)
	assert.Equal(t, ParameterInfo{Name: "a.weight", Shape: []int{4, 3}, Count: 12}, infos[0])
	assert.Equal(t, "4 x 3", infos[0].ShapeString())
	assert.Equal(t, "4", infos[1].ShapeString())
}
