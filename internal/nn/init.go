package nn

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/encoder/internal/tensor"
)

// DefaultInitializerRange is the weight standard deviation used when none
// is set.
const DefaultInitializerRange = 0.02

// InitConfig controls InitTransformerWeights.
type InitConfig struct {
	// InitializerRange is the standard deviation of the weight matrices.
	InitializerRange float64

	// NumLayers is the depth of the stack the layer belongs to.
	NumLayers int

	// AdjustInitRange scales the two output projections by
	// 1/sqrt(2*NumLayers), so the residual stream keeps its variance as the
	// stack gets deeper.
	AdjustInitRange bool

	Seed uint64
}

func (c InitConfig) std() float64 {
	if c.InitializerRange > 0 {
		return c.InitializerRange
	}
	return DefaultInitializerRange
}

// outputStd returns the standard deviation of the output projections.
func (c InitConfig) outputStd() float64 {
	if !c.AdjustInitRange || c.NumLayers <= 0 {
		return c.std()
	}
	return c.std() / math.Sqrt(2*float64(c.NumLayers))
}

// InitTransformerWeights fills w for training from scratch.
//
// Weight matrices are drawn from N(0, InitializerRange^2), biases are zero,
// normalization scales are one and shifts zero.
//
// Example:
//
//	w := nn.NewTransformerWeights[float32](cfg)
//	nn.InitTransformerWeights(w, nn.InitConfig{InitializerRange: 0.02, NumLayers: 24, AdjustInitRange: true})
func InitTransformerWeights[T tensor.Float](w *TransformerWeights[T], cfg InitConfig) {
	//nolint:gosec // Using math/rand for weight initialization (not security-critical)
	r := rand.New(rand.NewPCG(cfg.Seed, 0))

	Normal(w.QKVW, r, cfg.std())
	Normal(w.AttnOutW, r, cfg.outputStd())
	Normal(w.InterW, r, cfg.std())
	Normal(w.OutputW, r, cfg.outputStd())

	for _, b := range []*tensor.Tensor[T]{w.QKVB, w.AttnOutB, w.InterB, w.OutputB, w.AttnNormB, w.NormB} {
		Fill(b, 0)
	}
	Fill(w.AttnNormW, 1)
	Fill(w.NormW, 1)
}

// Normal fills t with values drawn from N(0, std^2).
func Normal[T tensor.Float](t *tensor.Tensor[T], r *rand.Rand, std float64) {
	values := make([]float32, t.NumElements())
	for i := range values {
		values[i] = float32(r.NormFloat64() * std)
	}
	tensor.Narrow(t.Data(), values)
}

// Uniform fills t with values drawn from U(lo, hi).
func Uniform[T tensor.Float](t *tensor.Tensor[T], r *rand.Rand, lo, hi float64) {
	values := make([]float32, t.NumElements())
	for i := range values {
		values[i] = float32(lo + r.Float64()*(hi-lo))
	}
	tensor.Narrow(t.Data(), values)
}

// Fill sets every element of t to v.
func Fill[T tensor.Float](t *tensor.Tensor[T], v float32) {
	values := make([]float32, t.NumElements())
	for i := range values {
		values[i] = v
	}
	tensor.Narrow(t.Data(), values)
}
