package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridvision/pkg/model/attention"
	"hybridvision/pkg/nn"
)

func smallHybridConfig() HybridConfig {
	return HybridConfig{
		InChannels:   3,
		ImageSize:    16,
		EmbedDim:     8,
		NumHeads:     2,
		NumClasses:   3,
		PatchSize:    4,
		SamplingRate: 0.5,
		WindowSize:   3,
		DilationRate: 2,
		Dropout:      0.1,
		Seed:         7,
	}
}

func TestHybridClassifierForward(t *testing.T) {
	m, err := NewHybridClassifier(smallHybridConfig())
	require.NoError(t, err)
	m.SetTraining(false)

	out, err := m.Forward(randomImage([]int{2, 3, 16, 16}, 1))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, out.Logits.Shape)
	assert.Equal(t, []int{2, 16}, out.PatchImportance.Shape)
	assert.False(t, out.Logits.HasNaN())

	for b := 0; b < 2; b++ {
		var sum float32
		for _, s := range out.PatchImportance.Data[b*16 : (b+1)*16] {
			sum += s
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
}

func TestHybridClassifierRejectsBadInput(t *testing.T) {
	m, err := NewHybridClassifier(smallHybridConfig())
	require.NoError(t, err)

	_, err = m.Forward(randomImage([]int{1, 3, 20, 20}, 2))
	require.ErrorContains(t, err, "expected input (batch, 3, 16, 16)")
	_, err = m.Forward(randomImage([]int{1, 16, 16}, 2))
	require.Error(t, err)
}

func TestHybridClassifierConfigErrors(t *testing.T) {
	config := smallHybridConfig()
	config.ImageSize = 18
	_, err := NewHybridClassifier(config)
	require.ErrorIs(t, err, ErrInvalidConfig)

	// 16 patches at rate 0.05 sample no keys
	config = smallHybridConfig()
	config.SamplingRate = 0.05
	_, err = NewHybridClassifier(config)
	require.ErrorIs(t, err, attention.ErrInvalidConfig)

	config = smallHybridConfig()
	config.DilationRate = 0
	_, err = NewHybridClassifier(config)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.ErrorIs(t, err, attention.ErrInvalidConfig)
	assert.ErrorContains(t, err, "dilation rate must be at least 1")
}

func TestHybridClassifierTrainingField(t *testing.T) {
	config := smallHybridConfig()
	config.Dropout = 0.5
	m, err := NewHybridClassifier(config)
	require.NoError(t, err)
	x := randomImage([]int{4, 3, 16, 16}, 9)

	forward := func() []float32 {
		m.Adaptive.Random.Seed(3)
		out, err := m.Forward(x)
		require.NoError(t, err)
		return out.Logits.Data
	}

	m.Training = false
	assert.Equal(t, forward(), forward())

	m.Training = true
	assert.NotEqual(t, forward(), forward())
}

func TestHybridClassifierDeterministic(t *testing.T) {
	x := randomImage([]int{1, 3, 16, 16}, 3)

	run := func(seed uint64) []float32 {
		config := smallHybridConfig()
		config.Seed = seed
		m, err := NewHybridClassifier(config)
		require.NoError(t, err)
		m.SetTraining(false)
		out, err := m.Forward(x)
		require.NoError(t, err)
		return out.Logits.Data
	}

	assert.Equal(t, run(11), run(11))
	assert.NotEqual(t, run(11), run(12))
}

func TestHybridImportanceDoesNotFeedLogits(t *testing.T) {
	m, err := NewHybridClassifier(smallHybridConfig())
	require.NoError(t, err)
	m.SetTraining(false)
	x := randomImage([]int{1, 3, 16, 16}, 4)

	m.Adaptive.Random.Seed(5)
	before, err := m.Forward(x)
	require.NoError(t, err)

	for i := range m.Importance.Score.Weight.Value.Data {
		m.Importance.Score.Weight.Value.Data[i] *= -3
	}

	m.Adaptive.Random.Seed(5)
	after, err := m.Forward(x)
	require.NoError(t, err)

	assert.Equal(t, before.Logits.Data, after.Logits.Data)
	assert.NotEqual(t, before.PatchImportance.Data, after.PatchImportance.Data)
}

func TestHybridPositionalEncoding(t *testing.T) {
	x := randomImage([]int{1, 3, 16, 16}, 6)

	logits := func(positional string) []float32 {
		config := smallHybridConfig()
		config.Positional = positional
		m, err := NewHybridClassifier(config)
		require.NoError(t, err)
		m.SetTraining(false)
		out, err := m.Forward(x)
		require.NoError(t, err)
		return out.Logits.Data
	}

	assert.Equal(t, logits(""), logits(PositionalIdentity))
	assert.NotEqual(t, logits(PositionalIdentity), logits(PositionalSinusoidal))
}

func TestHybridClassifierParameters(t *testing.T) {
	m, err := NewHybridClassifier(smallHybridConfig())
	require.NoError(t, err)

	params := m.Parameters()
	seen := make(map[string]bool)
	for _, p := range params {
		assert.False(t, seen[p.Name], "duplicate parameter %s", p.Name)
		seen[p.Name] = true
	}

	const e = 8
	linear := e*e + e
	want := (3*1*3*3 + 3) + // depthwise features
		(e*3*4*4 + e) + // patch embedding
		(e + 1) + // importance
		9*linear + // adaptive: three branches of Q, K, V
		2*4*linear + // dilated stages with output projection
		linear + // combine
		(e*3 + 3) // head
	assert.Equal(t, want, nn.CountParameters(params))

	for _, name := range []string{
		"features.weight",
		"patch_embed.weight",
		"importance.score.weight",
		"adaptive.random.key.bias",
		"dilated2.out_proj.weight",
		"combine.proj.bias",
		"head.linear.weight",
	} {
		assert.True(t, seen[name], "missing parameter %s", name)
	}
}

func TestHybridClassifierReference(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping reference-size forward pass in short mode")
	}

	config := HybridConfig{
		InChannels:   3,
		ImageSize:    224,
		EmbedDim:     512,
		NumHeads:     8,
		NumClasses:   3,
		PatchSize:    16,
		SamplingRate: 0.5,
		WindowSize:   5,
		DilationRate: 2,
		Seed:         42,
	}
	m, err := NewHybridClassifier(config)
	require.NoError(t, err)

	for _, training := range []bool{false, true} {
		t.Run(fmt.Sprintf("training=%v", training), func(t *testing.T) {
			m.SetTraining(training)
			out, err := m.Forward(randomImage([]int{1, 3, 224, 224}, 8))
			require.NoError(t, err)
			assert.Equal(t, []int{1, 3}, out.Logits.Shape)
			assert.Equal(t, []int{1, 196}, out.PatchImportance.Shape)
			assert.False(t, out.Logits.HasNaN())
		})
	}
}
