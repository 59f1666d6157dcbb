package nn

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/backend/cpu"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// Weight indices, in the order of TransformerWeights.Parameters.
const (
	pQKVW = iota
	pQKVB
	pAttnOutW
	pAttnOutB
	pAttnNormW
	pAttnNormB
	pInterW
	pInterB
	pOutputW
	pOutputB
	pNormW
	pNormB
)

func smallConfig() LayerConfig {
	return LayerConfig{
		BatchSize:        2,
		SeqLength:        4,
		HiddenSize:       8,
		Heads:            2,
		IntermediateSize: 16,
	}
}

func newOps[T tensor.Float](seed uint64) *cpu.CPUBackend[T] {
	return cpu.New[T](
		cpu.WithGenerator(backend.NewGenerator(seed)),
		cpu.WithParallel(parallel.Config{Enabled: true, NumWorkers: 2, MinChunkSize: 1}),
	)
}

func newTransformer[T tensor.Float](t *testing.T, cfg LayerConfig, seed uint64) *TransformerLayer[T] {
	t.Helper()
	l, err := NewTransformerLayer(context.Background(), cfg, newOps[T](seed), workspace.NewArena())
	require.NoError(t, err)
	return l
}

func randTensor[T tensor.Float](r *rand.Rand, shape tensor.Shape, lo, hi float64) *tensor.Tensor[T] {
	out := tensor.Zeros[T](shape)
	Uniform(out, r, lo, hi)
	return out
}

// randomWeights returns weights with nonzero normalization scales, so both
// normalization variants are well defined.
func randomWeights[T tensor.Float](cfg LayerConfig, seed uint64) *TransformerWeights[T] {
	r := rand.New(rand.NewPCG(seed, 1))
	w := NewTransformerWeights[T](cfg)
	for i, p := range w.Parameters(nil) {
		switch i {
		case pAttnNormW, pNormW:
			Uniform(p.Tensor(), r, 0.5, 1.5)
		case pQKVB, pAttnOutB, pAttnNormB, pInterB, pOutputB, pNormB:
			Uniform(p.Tensor(), r, -0.2, 0.2)
		case pOutputW:
			Normal(p.Tensor(), r, 1/math.Sqrt(float64(cfg.IntermediateSize)))
		default:
			Normal(p.Tensor(), r, 1/math.Sqrt(float64(cfg.HiddenSize)))
		}
	}
	return w
}

func bindMasks(t *testing.T, l Layer, batch, seq int) [][]uint8 {
	t.Helper()
	var masks [][]uint8
	for _, n := range l.DropoutMaskSizes(batch, seq) {
		masks = append(masks, make([]uint8, n))
	}
	require.NoError(t, l.BindDropoutMasks(masks...))
	return masks
}

func widen[T tensor.Float](t *tensor.Tensor[T]) []float64 {
	f := tensor.ToFloat32(t)
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out
}

func refParams[T tensor.Float](w *TransformerWeights[T]) [][]float64 {
	var out [][]float64
	for _, p := range w.Parameters(nil) {
		out = append(out, widen(p.Tensor()))
	}
	return out
}

// relErr returns ||got - want|| / ||want||.
func relErr[T tensor.Float](got *tensor.Tensor[T], want []float64) float64 {
	g := widen(got)
	var num, den float64
	for i := range want {
		d := g[i] - want[i]
		num += d * d
		den += want[i] * want[i]
	}
	return math.Sqrt(num / den)
}

func refLinear(in, w, b []float64, rows, outDim, inDim int) []float64 {
	out := make([]float64, rows*outDim)
	for r := 0; r < rows; r++ {
		for o := 0; o < outDim; o++ {
			var s float64
			for i := 0; i < inDim; i++ {
				s += in[r*inDim+i] * w[o*inDim+i]
			}
			if b != nil {
				s += b[o]
			}
			out[r*outDim+o] = s
		}
	}
	return out
}

func refNorm(in, gamma, beta []float64, rows, cols int, eps float64) []float64 {
	out := make([]float64, len(in))
	for r := 0; r < rows; r++ {
		row := in[r*cols : (r+1)*cols]
		var mean, variance float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+eps)
		for c, v := range row {
			out[r*cols+c] = (v-mean)*inv*gamma[c] + beta[c]
		}
	}
	return out
}

func refGelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

func refAdd(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

// refAttention returns the per-head context of src [rows, inDim],
// concatenated over heads into [rows, width], before the output projection.
func refAttention(src, mask, qkvW, qkvB []float64, batch, seq, inDim, width, heads int) []float64 {
	d := width / heads
	qkv := refLinear(src, qkvW, qkvB, batch*seq, 3*width, inDim)
	at := func(b, tok, part, h, e int) float64 {
		return qkv[((b*seq+tok)*3+part)*width+h*d+e]
	}
	scale := 1 / math.Sqrt(float64(d))
	ctx := make([]float64, batch*seq*width)
	scores := make([]float64, seq)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seq; i++ {
				maxScore := math.Inf(-1)
				for j := 0; j < seq; j++ {
					var s float64
					for e := 0; e < d; e++ {
						s += at(b, i, 0, h, e) * at(b, j, 1, h, e)
					}
					s *= scale
					if mask != nil {
						s += mask[b*seq+j]
					}
					scores[j] = s
					maxScore = math.Max(maxScore, s)
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
				for e := 0; e < d; e++ {
					var v float64
					for j := 0; j < seq; j++ {
						v += scores[j] / sum * at(b, j, 2, h, e)
					}
					ctx[(b*seq+i)*width+h*d+e] = v
				}
			}
		}
	}
	return ctx
}

// refForward is the unfused encoder layer without dropout.
func refForward(cfg LayerConfig, batch, seq int, x, mask []float64, p [][]float64) []float64 {
	h, inter := cfg.HiddenSize, cfg.IntermediateSize
	rows := batch * seq
	eps := float64(cfg.Eps())

	src := x
	if cfg.PreLayerNorm {
		src = refNorm(x, p[pNormW], p[pNormB], rows, h, eps)
	}
	ctx := refAttention(src, mask, p[pQKVW], p[pQKVB], batch, seq, h, h, cfg.Heads)
	addRes := refAdd(refLinear(ctx, p[pAttnOutW], p[pAttnOutB], rows, h, h), x)
	ff1 := refNorm(addRes, p[pAttnNormW], p[pAttnNormB], rows, h, eps)
	hiddenAct := refLinear(ff1, p[pInterW], p[pInterB], rows, inter, h)
	for i, v := range hiddenAct {
		hiddenAct[i] = refGelu(v)
	}
	ff2 := refLinear(hiddenAct, p[pOutputW], p[pOutputB], rows, h, inter)
	if cfg.PreLayerNorm {
		return refAdd(ff2, addRes)
	}
	return refNorm(refAdd(ff2, ff1), p[pNormW], p[pNormB], rows, h, eps)
}

func addTensors[T tensor.Float](a, b *tensor.Tensor[T]) *tensor.Tensor[T] {
	x, y := tensor.ToFloat32(a), tensor.ToFloat32(b)
	for i := range x {
		x[i] += y[i]
	}
	out, err := tensor.FromFloat32[T](x, a.Shape())
	if err != nil {
		panic(err)
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// numericGrad returns d(dot(coef, f()))/dv[i] for every i by central
// differences, restoring v afterwards.
func numericGrad(v, coef []float64, f func() []float64) []float64 {
	const h = 1e-6
	out := make([]float64, len(v))
	for i := range v {
		orig := v[i]
		v[i] = orig + h
		plus := dot(coef, f())
		v[i] = orig - h
		minus := dot(coef, f())
		v[i] = orig
		out[i] = (plus - minus) / (2 * h)
	}
	return out
}
