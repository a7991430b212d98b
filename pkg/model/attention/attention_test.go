package attention

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"hybridvision/pkg/nn"
	"hybridvision/pkg/tensor"
)

var (
	_ nn.Layer = (*LocalAttention)(nil)
	_ nn.Layer = (*GlobalAttention)(nil)
	_ nn.Layer = (*RandomAttention)(nil)
	_ nn.Layer = (*DilatedAttention)(nil)
	_ nn.Layer = (*AdaptiveSparseAttention)(nil)
)

func randomInput(shape []int, seed uint64) *tensor.Tensor {
	x := tensor.NewTensor(shape)
	nn.NormalInit(x, 1, nn.NewRand(seed))
	return x
}

// assertRowsSumToOne checks every row along the last dimension.
func assertRowsSumToOne(t *testing.T, weights *tensor.Tensor) {
	t.Helper()
	cols := weights.Dim(-1)
	for r := 0; r < weights.Size()/cols; r++ {
		var sum float64
		for _, w := range weights.Data[r*cols : (r+1)*cols] {
			assert.GreaterOrEqual(t, w, float32(0))
			sum += float64(w)
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "row %d", r)
	}
}

func TestWindowMask(t *testing.T) {
	tests := []struct {
		name   string
		seqLen int
		window int
	}{
		{name: "diagonal", seqLen: 5, window: 0},
		{name: "odd window", seqLen: 6, window: 3},
		{name: "even window", seqLen: 6, window: 4},
		{name: "window wider than sequence", seqLen: 4, window: 10},
		{name: "empty", seqLen: 0, window: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask := WindowMask(tt.seqLen, tt.window)
			require.Equal(t, []int{tt.seqLen, tt.seqLen}, mask.Shape)

			// per-row range rule: [i - w/2, i + w/2] clamped to [0, L)
			for i := 0; i < tt.seqLen; i++ {
				start := max(0, i-tt.window/2)
				end := min(tt.seqLen, i+tt.window/2+1)
				for j := 0; j < tt.seqLen; j++ {
					want := float32(0)
					if j >= start && j < end {
						want = 1
					}
					assert.Equal(t, want, mask.Get([]int{i, j}), "(%d, %d)", i, j)
				}
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  interface{ Validate() error }
		wantErr bool
	}{
		{name: "local", config: LocalAttentionConfig{Hidden: 8, WindowSize: 3}},
		{name: "local zero window", config: LocalAttentionConfig{Hidden: 8}},
		{name: "local negative window", config: LocalAttentionConfig{Hidden: 8, WindowSize: -1}, wantErr: true},
		{name: "global zero hidden", config: GlobalAttentionConfig{}, wantErr: true},
		{name: "random", config: RandomAttentionConfig{Hidden: 8, SamplingRate: 0.5}},
		{name: "random full rate", config: RandomAttentionConfig{Hidden: 8, SamplingRate: 1}},
		{name: "random zero rate", config: RandomAttentionConfig{Hidden: 8}, wantErr: true},
		{name: "random rate above one", config: RandomAttentionConfig{Hidden: 8, SamplingRate: 1.5}, wantErr: true},
		{name: "random empty sample", config: RandomAttentionConfig{Hidden: 8, SamplingRate: 0.1, ExpectedSeqLen: 4}, wantErr: true},
		{name: "dilated", config: DilatedAttentionConfig{Hidden: 8, NumHeads: 2, DilationRate: 2}},
		{name: "dilated indivisible heads", config: DilatedAttentionConfig{Hidden: 10, NumHeads: 3, DilationRate: 1}, wantErr: true},
		{name: "dilated zero heads", config: DilatedAttentionConfig{Hidden: 8, DilationRate: 1}, wantErr: true},
		{name: "dilated zero rate", config: DilatedAttentionConfig{Hidden: 8, NumHeads: 2}, wantErr: true},
		{name: "adaptive", config: AdaptiveSparseAttentionConfig{Hidden: 8, WindowSize: 3, SamplingRate: 0.5}},
		{name: "adaptive bad rate", config: AdaptiveSparseAttentionConfig{Hidden: 8, WindowSize: 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAttentionPreservesShape(t *testing.T) {
	const hidden = 8
	rng := nn.NewRand(1)

	local, err := NewLocalAttention(LocalAttentionConfig{Hidden: hidden, WindowSize: 3}, rng)
	require.NoError(t, err)
	global, err := NewGlobalAttention(GlobalAttentionConfig{Hidden: hidden}, rng)
	require.NoError(t, err)
	random, err := NewRandomAttention(RandomAttentionConfig{Hidden: hidden, SamplingRate: 0.5}, rng, rand.NewSource(2))
	require.NoError(t, err)
	dilated, err := NewDilatedAttention(DilatedAttentionConfig{Hidden: hidden, NumHeads: 2, DilationRate: 2}, rng)
	require.NoError(t, err)
	adaptive, err := NewAdaptiveSparseAttention(AdaptiveSparseAttentionConfig{Hidden: hidden, WindowSize: 3, SamplingRate: 0.5}, rng, rand.NewSource(3))
	require.NoError(t, err)

	layers := map[string]nn.Layer{
		"local":    local,
		"global":   global,
		"random":   random,
		"dilated":  dilated,
		"adaptive": adaptive,
	}

	for name, layer := range layers {
		t.Run(name, func(t *testing.T) {
			for _, seqLen := range []int{2, 5, 9} {
				x := randomInput([]int{3, seqLen, hidden}, uint64(seqLen))
				y, err := layer.Forward(x)
				require.NoError(t, err)
				assert.Equal(t, x.Shape, y.Shape)
				assert.False(t, y.HasNaN())
			}

			_, err := layer.Forward(tensor.NewTensor([]int{2, 4, hidden + 1}))
			require.Error(t, err)
			_, err = layer.Forward(tensor.NewTensor([]int{4, hidden}))
			require.ErrorContains(t, err, "expected 3D input")
		})
	}
}

func TestLocalAttentionWindow(t *testing.T) {
	const hidden, seqLen, window = 4, 8, 2
	attn, err := NewLocalAttention(LocalAttentionConfig{Hidden: hidden, WindowSize: window}, nn.NewRand(5))
	require.NoError(t, err)

	x := randomInput([]int{1, seqLen, hidden}, 6)
	y, weights, err := attn.ForwardWithWeights(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, seqLen, seqLen}, weights.Shape)
	assertRowsSumToOne(t, weights)

	// weights outside the window are exactly zero
	for i := 0; i < seqLen; i++ {
		for j := 0; j < seqLen; j++ {
			if j < i-window/2 || j > i+window/2 {
				assert.Zero(t, weights.Get([]int{0, i, j}), "(%d, %d)", i, j)
			}
		}
	}

	// rows 3.. are outside the window of position 0: replacing them leaves
	// the output at position 0 unchanged
	perturbed := x.Clone()
	for s := 3; s < seqLen; s++ {
		for h := 0; h < hidden; h++ {
			perturbed.Set([]int{0, s, h}, 0)
		}
	}
	y2, err := attn.Forward(perturbed)
	require.NoError(t, err)

	assert.InDeltaSlice(t, y.Data[:hidden], y2.Data[:hidden], 1e-6)
	assert.False(t, y.Equals(y2, 1e-6))
}

func TestLocalAttentionDegenerateWindows(t *testing.T) {
	const hidden, seqLen = 4, 5
	x := randomInput([]int{2, seqLen, hidden}, 7)

	t.Run("zero window attends to self", func(t *testing.T) {
		attn, err := NewLocalAttention(LocalAttentionConfig{Hidden: hidden}, nn.NewRand(8))
		require.NoError(t, err)

		y, weights, err := attn.ForwardWithWeights(x)
		require.NoError(t, err)
		for b := 0; b < 2; b++ {
			for i := 0; i < seqLen; i++ {
				assert.InDelta(t, 1, weights.Get([]int{b, i, i}), 1e-6)
			}
		}

		// output is the value projection of each position
		v, err := attn.Value.Forward(x)
		require.NoError(t, err)
		assert.InDeltaSlice(t, v.Data, y.Data, 1e-5)
	})

	t.Run("wide window matches global attention", func(t *testing.T) {
		local, err := NewLocalAttention(LocalAttentionConfig{Hidden: hidden, WindowSize: 2 * seqLen}, nn.NewRand(9))
		require.NoError(t, err)
		global, err := NewGlobalAttention(GlobalAttentionConfig{Hidden: hidden}, nn.NewRand(9))
		require.NoError(t, err)

		yl, err := local.Forward(x)
		require.NoError(t, err)
		yg, err := global.Forward(x)
		require.NoError(t, err)
		assert.InDeltaSlice(t, yg.Data, yl.Data, 1e-5)
	})
}

func TestGlobalAttentionWeights(t *testing.T) {
	attn, err := NewGlobalAttention(GlobalAttentionConfig{Hidden: 6}, nn.NewRand(10))
	require.NoError(t, err)

	y, weights, err := attn.ForwardWithWeights(randomInput([]int{2, 7, 6}, 11))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 7, 6}, y.Shape)
	assert.Equal(t, []int{2, 7, 7}, weights.Shape)
	assertRowsSumToOne(t, weights)
}

func TestRandomAttentionSampling(t *testing.T) {
	const hidden, seqLen = 4, 64
	attn, err := NewRandomAttention(RandomAttentionConfig{Hidden: hidden, SamplingRate: 0.25}, nn.NewRand(12), rand.NewSource(1))
	require.NoError(t, err)

	x := randomInput([]int{2, seqLen, hidden}, 13)

	attn.Seed(7)
	y1, idx1, err := attn.ForwardWithIndices(x)
	require.NoError(t, err)

	attn.Seed(7)
	y2, idx2, err := attn.ForwardWithIndices(x)
	require.NoError(t, err)

	if diff := cmp.Diff(idx1, idx2); diff != "" {
		t.Errorf("same seed sampled different indices (-first +second):\n%s", diff)
	}
	assert.Equal(t, y1.Data, y2.Data)

	require.Len(t, idx1, 16)
	seen := make(map[int]bool)
	for i, idx := range idx1 {
		assert.True(t, idx >= 0 && idx < seqLen)
		assert.False(t, seen[idx], "duplicate index %d", idx)
		seen[idx] = true
		if i > 0 {
			assert.Less(t, idx1[i-1], idx)
		}
	}

	attn.Seed(8)
	_, idx3, err := attn.ForwardWithIndices(x)
	require.NoError(t, err)
	assert.NotEqual(t, idx1, idx3)

	// without reseeding every call draws a fresh sample
	_, idx4, err := attn.ForwardWithIndices(x)
	require.NoError(t, err)
	assert.NotEqual(t, idx3, idx4)
}

func TestRandomAttentionUsesOnlySampledKeys(t *testing.T) {
	const hidden, seqLen = 4, 6
	attn, err := NewRandomAttention(RandomAttentionConfig{Hidden: hidden, SamplingRate: 0.5}, nn.NewRand(14), rand.NewSource(1))
	require.NoError(t, err)

	x := randomInput([]int{1, seqLen, hidden}, 15)
	attn.Seed(3)
	y, indices, err := attn.ForwardWithIndices(x)
	require.NoError(t, err)
	require.Len(t, indices, 3)

	// replacing unsampled positions only changes their queries
	sampled := make(map[int]bool)
	for _, idx := range indices {
		sampled[idx] = true
	}
	perturbed := x.Clone()
	for s := 0; s < seqLen; s++ {
		if !sampled[s] {
			for h := 0; h < hidden; h++ {
				perturbed.Set([]int{0, s, h}, 5)
			}
		}
	}

	attn.Seed(3)
	y2, _, err := attn.ForwardWithIndices(perturbed)
	require.NoError(t, err)
	for _, s := range indices {
		assert.InDeltaSlice(t, y.Data[s*hidden:(s+1)*hidden], y2.Data[s*hidden:(s+1)*hidden], 1e-6)
	}
}

func TestRandomAttentionEmptySample(t *testing.T) {
	config := RandomAttentionConfig{Hidden: 4, SamplingRate: 0.1}

	attn, err := NewRandomAttention(config, nn.NewRand(1), rand.NewSource(1))
	require.NoError(t, err)

	_, err = attn.Forward(tensor.NewTensor([]int{1, 4, 4}))
	require.ErrorIs(t, err, ErrInvalidConfig)

	config.ExpectedSeqLen = 4
	_, err = NewRandomAttention(config, nn.NewRand(1), rand.NewSource(1))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewRandomAttention(RandomAttentionConfig{Hidden: 4, SamplingRate: 0.5}, nn.NewRand(1), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDilatedAttentionWeights(t *testing.T) {
	tests := []struct {
		name     string
		seqLen   int
		rate     int
		wantKeys int
	}{
		{name: "rate 1", seqLen: 6, rate: 1, wantKeys: 6},
		{name: "rate 2", seqLen: 7, rate: 2, wantKeys: 4},
		{name: "rate 3", seqLen: 9, rate: 3, wantKeys: 3},
		{name: "rate exceeds length", seqLen: 4, rate: 8, wantKeys: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const hidden, heads = 8, 2
			attn, err := NewDilatedAttention(DilatedAttentionConfig{Hidden: hidden, NumHeads: heads, DilationRate: tt.rate}, nn.NewRand(16))
			require.NoError(t, err)

			x := randomInput([]int{2, tt.seqLen, hidden}, 17)
			y, weights, err := attn.ForwardWithWeights(x)
			require.NoError(t, err)
			assert.Equal(t, []int{2, tt.seqLen, hidden}, y.Shape)
			assert.Equal(t, []int{2, heads, tt.seqLen, tt.wantKeys}, weights.Shape)
			assertRowsSumToOne(t, weights)
			assert.False(t, y.HasNaN())
		})
	}
}

func TestDilatedAttentionSingleKey(t *testing.T) {
	// With one key every query receives the same value: the output rows are
	// identical across positions.
	const hidden = 8
	attn, err := NewDilatedAttention(DilatedAttentionConfig{Hidden: hidden, NumHeads: 4, DilationRate: 8}, nn.NewRand(18))
	require.NoError(t, err)

	y, err := attn.Forward(randomInput([]int{1, 4, hidden}, 19))
	require.NoError(t, err)
	for s := 1; s < 4; s++ {
		assert.InDeltaSlice(t, y.Data[:hidden], y.Data[s*hidden:(s+1)*hidden], 1e-6)
	}
}

func TestAdaptiveSparseAttentionIsBranchSum(t *testing.T) {
	const hidden = 8
	attn, err := NewAdaptiveSparseAttention(
		AdaptiveSparseAttentionConfig{Hidden: hidden, WindowSize: 3, SamplingRate: 0.5},
		nn.NewRand(20), rand.NewSource(21))
	require.NoError(t, err)

	x := randomInput([]int{2, 10, hidden}, 22)

	attn.Random.Seed(4)
	y, err := attn.Forward(x)
	require.NoError(t, err)

	local, err := attn.Local.Forward(x)
	require.NoError(t, err)
	global, err := attn.Global.Forward(x)
	require.NoError(t, err)
	attn.Random.Seed(4)
	random, err := attn.Random.Forward(x)
	require.NoError(t, err)

	require.Equal(t, x.Shape, y.Shape)
	for i := range y.Data {
		assert.Equal(t, local.Data[i]+global.Data[i]+random.Data[i], y.Data[i], "element %d", i)
	}

	attn.Random.Seed(4)
	branches, err := attn.ForwardBranches(x)
	require.NoError(t, err)
	assert.Equal(t, y.Data, branches.Sum.Data)
	assert.Equal(t, random.Data, branches.Random.Data)
}

func TestParameters(t *testing.T) {
	const hidden = 4
	rng := nn.NewRand(23)

	dilated, err := NewDilatedAttention(DilatedAttentionConfig{Hidden: hidden, NumHeads: 2, DilationRate: 2}, rng)
	require.NoError(t, err)

	var names []string
	for _, p := range dilated.Parameters() {
		names = append(names, p.Name)
	}
	want := []string{
		"query.weight", "query.bias",
		"key.weight", "key.bias",
		"value.weight", "value.bias",
		"out_proj.weight", "out_proj.bias",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("parameter names mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4*(hidden*hidden+hidden), nn.CountParameters(dilated.Parameters()))

	adaptive, err := NewAdaptiveSparseAttention(AdaptiveSparseAttentionConfig{Hidden: hidden, SamplingRate: 1}, rng, rand.NewSource(1))
	require.NoError(t, err)
	assert.Equal(t, 9*(hidden*hidden+hidden), nn.CountParameters(adaptive.Parameters()))
	assert.Equal(t, "local.query.weight", adaptive.Parameters()[0].Name)
}

func TestScaledDotProductMaskedRow(t *testing.T) {
	q := randomInput([]int{1, 2, 2}, 24)
	k := randomInput([]int{1, 2, 2}, 25)
	v := randomInput([]int{1, 2, 2}, 26)

	// second row has no allowed key
	mask, err := tensor.FromSlice([]float32{1, 1, 0, 0}, []int{2, 2})
	require.NoError(t, err)

	out, weights, err := scaledDotProduct(q, k, v, mask, inverseSqrt(2))
	require.NoError(t, err)
	assert.False(t, out.HasNaN())
	assert.Equal(t, []float32{0, 0}, weights.Data[2:])
	assert.InDelta(t, 1, float64(weights.Data[0]+weights.Data[1]), 1e-6)
	assert.False(t, math.IsNaN(float64(out.Data[2])))
}
