package nn

import (
	"math"

	"golang.org/x/exp/rand"

	"hybridvision/pkg/tensor"
)

// XavierUniform fills t from U[-limit, limit] where
// limit = sqrt(6 / (fan_in + fan_out)).
func XavierUniform(t *tensor.Tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = float32(rng.Float64()*2*limit - limit)
	}
}

// NormalInit fills t from N(0, std^2).
func NormalInit(t *tensor.Tensor, std float32, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// NewRand returns a random generator seeded with seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
