package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/born-ml/encoder/internal/tensor"
)

func sampleStd(t *tensor.Tensor[float32]) float64 {
	var sum, sq float64
	for _, v := range t.Data() {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(t.NumElements())
	mean := sum / n
	return math.Sqrt(sq/n - mean*mean)
}

func TestInitTransformerWeights(t *testing.T) {
	cfg := LayerConfig{BatchSize: 1, SeqLength: 1, HiddenSize: 64, Heads: 4, IntermediateSize: 256}
	ic := InitConfig{InitializerRange: 0.02, NumLayers: 4, AdjustInitRange: true, Seed: 11}
	w := NewTransformerWeights[float32](cfg)
	InitTransformerWeights(w, ic)

	outStd := 0.02 / math.Sqrt(8)
	assert.InEpsilon(t, 0.02, sampleStd(w.QKVW), 0.1)
	assert.InEpsilon(t, 0.02, sampleStd(w.InterW), 0.1)
	assert.InEpsilon(t, outStd, sampleStd(w.AttnOutW), 0.1)
	assert.InEpsilon(t, outStd, sampleStd(w.OutputW), 0.1)

	for _, b := range []*tensor.Tensor[float32]{w.QKVB, w.AttnOutB, w.InterB, w.OutputB, w.AttnNormB, w.NormB} {
		assert.Equal(t, make([]float32, b.NumElements()), b.Data())
	}
	for _, s := range []*tensor.Tensor[float32]{w.AttnNormW, w.NormW} {
		for _, v := range s.Data() {
			assert.Equal(t, float32(1), v)
		}
	}

	again := NewTransformerWeights[float32](cfg)
	InitTransformerWeights(again, ic)
	assert.Equal(t, w.QKVW.Data(), again.QKVW.Data(), "same seed, same weights")
}

func TestInitConfig_Defaults(t *testing.T) {
	assert.Equal(t, DefaultInitializerRange, InitConfig{}.std())
	assert.Equal(t, DefaultInitializerRange, InitConfig{AdjustInitRange: true}.outputStd(), "no depth, no scaling")
	assert.InDelta(t, 0.1/math.Sqrt(4), InitConfig{InitializerRange: 0.1, NumLayers: 2, AdjustInitRange: true}.outputStd(), 1e-12)
}
