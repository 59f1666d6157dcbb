package nn

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// flagCombos returns cfg with every combination of the four layout flags.
func flagCombos(cfg LayerConfig) []LayerConfig {
	var out []LayerConfig
	for bits := 0; bits < 16; bits++ {
		c := cfg
		c.PreLayerNorm = bits&1 != 0
		c.NormalizeInvertible = bits&2 != 0
		c.AttnDropoutCheckpoint = bits&4 != 0
		c.GeluCheckpoint = bits&8 != 0
		out = append(out, c)
	}
	return out
}

func comboName(c LayerConfig) string {
	return fmt.Sprintf("pre=%t/inv=%t/attn_ckpt=%t/gelu_ckpt=%t",
		c.PreLayerNorm, c.NormalizeInvertible, c.AttnDropoutCheckpoint, c.GeluCheckpoint)
}

type transformerRun[T tensor.Float] struct {
	layer *TransformerLayer[T]
	input *tensor.Tensor[T]
	mask  *tensor.Tensor[T]
	w     *TransformerWeights[T]
	act   *TransformerActivations[T]
	grads *TransformerGrads[T]
	masks [][]uint8
}

// runTransformer runs forward and, when dy is not nil, backward.
func runTransformer[T tensor.Float](t *testing.T, cfg LayerConfig, batch, seq int, dy *tensor.Tensor[T]) *transformerRun[T] {
	t.Helper()
	ctx := context.Background()
	r := rand.New(rand.NewPCG(11, 12))
	run := &transformerRun[T]{
		layer: newTransformer[T](t, cfg, 99),
		input: randTensor[T](r, tensor.Shape{batch, seq, cfg.HiddenSize}, -1, 1),
		w:     randomWeights[T](cfg, 5),
		act:   NewTransformerActivations[T](cfg, batch, seq),
		grads: NewTransformerGrads[T](cfg, batch, seq),
	}
	run.masks = bindMasks(t, run.layer, batch, seq)
	require.NoError(t, run.layer.Forward(ctx, run.input, run.mask, run.w, run.act))
	if dy != nil {
		require.NoError(t, run.layer.Backward(ctx, dy, run.input, run.w, run.act, run.grads))
	}
	return run
}

func gradList[T tensor.Float](g *TransformerGrads[T]) []*tensor.Tensor[T] {
	return append([]*tensor.Tensor[T]{g.Input}, g.params().list()...)
}

func TestNewTransformerLayer_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*LayerConfig)
		field  string
	}{
		{"seq over limit", func(c *LayerConfig) { c.SeqLength = 1025 }, "sequence length"},
		{"heads do not divide hidden", func(c *LayerConfig) { c.Heads = 3 }, "heads"},
		{"zero heads", func(c *LayerConfig) { c.Heads = 0 }, "heads"},
		{"zero batch", func(c *LayerConfig) { c.BatchSize = 0 }, "batch size"},
		{"zero intermediate", func(c *LayerConfig) { c.IntermediateSize = 0 }, "intermediate size"},
		{"dropout ratio one", func(c *LayerConfig) { c.HiddenDropoutRatio = 1 }, "hidden dropout ratio"},
		{"negative attention dropout", func(c *LayerConfig) { c.AttnDropoutRatio = -0.1 }, "attention dropout ratio"},
		{"attention width", func(c *LayerConfig) { c.AttentionSize = 4 }, "attention size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.modify(&cfg)
			_, err := NewTransformerLayer(context.Background(), cfg, newOps[float32](1), workspace.NewArena())
			require.ErrorIs(t, err, ErrInvalidConfig)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestNewTransformerLayer_SeqLengthBoundary(t *testing.T) {
	cfg := LayerConfig{BatchSize: 1, SeqLength: workspace.MaxSeqLength, HiddenSize: 8, Heads: 2, IntermediateSize: 16}
	arena := workspace.NewArena()
	_, err := NewTransformerLayer(context.Background(), cfg, newOps[float32](1), arena)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, arena.Capacity(), workspace.WorkspaceElements(cfg.MaxDims(), cfg.Flags())*4)

	cfg.SeqLength++
	_, err = NewTransformerLayer(context.Background(), cfg, newOps[float32](1), arena)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewTransformerLayer_RequiresArena(t *testing.T) {
	_, err := NewTransformerLayer(context.Background(), smallConfig(), newOps[float32](1), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTransformerLayer_MatchesReference(t *testing.T) {
	for _, cfg := range flagCombos(smallConfig()) {
		t.Run(comboName(cfg), func(t *testing.T) {
			run := runTransformer[float32](t, cfg, 2, 4, nil)
			want := refForward(cfg, 2, 4, widen(run.input), nil, refParams(run.w))
			assert.Less(t, relErr(run.act.Output, want), 1e-5)
		})
	}
}

func TestTransformerLayer_ShorterCall(t *testing.T) {
	cfg := smallConfig()
	cfg.SeqLength = 6
	cfg.BatchSize = 3
	run := runTransformer[float32](t, cfg, 1, 3, nil)
	want := refForward(cfg, 1, 3, widen(run.input), nil, refParams(run.w))
	assert.Less(t, relErr(run.act.Output, want), 1e-5)
}

func TestTransformerLayer_AttentionMask(t *testing.T) {
	cfg := smallConfig()
	ctx := context.Background()
	r := rand.New(rand.NewPCG(3, 4))
	layer := newTransformer[float32](t, cfg, 1)
	input := randTensor[float32](r, tensor.Shape{2, 4, 8}, -1, 1)
	mask := tensor.Zeros[float32](tensor.Shape{2, 4})
	mask.Data()[3] = -10000
	mask.Data()[6] = -10000
	mask.Data()[7] = -10000
	w := randomWeights[float32](cfg, 2)
	act := NewTransformerActivations[float32](cfg, 2, 4)

	require.NoError(t, layer.Forward(ctx, input, mask, w, act))
	want := refForward(cfg, 2, 4, widen(input), widen(mask), refParams(w))
	assert.Less(t, relErr(act.Output, want), 1e-5)

	// Masked keys get no attention weight.
	probs := act.AttnProbs.Data()
	for row := 0; row < 2*4; row++ { // batch 0, every head and query
		assert.InDelta(t, 0, probs[row*4+3], 1e-6)
	}
}

func TestTransformerLayer_Shapes(t *testing.T) {
	cfg := smallConfig()
	cfg.PreLayerNorm = true
	dy := tensor.Zeros[float32](tensor.Shape{2, 3, 8})
	run := runTransformer[float32](t, cfg, 2, 3, dy)

	assert.Equal(t, run.input.Shape(), run.act.Output.Shape())
	weights := run.w.Parameters(run.grads)
	for _, p := range weights {
		assert.Equal(t, p.Tensor().Shape(), p.Grad().Shape(), p.Name())
	}
	assert.Equal(t, run.input.Shape(), run.grads.Input.Shape())
}

func TestTransformerLayer_ZeroGradRoundTrip(t *testing.T) {
	base := smallConfig()
	base.AttnDropoutRatio = 0.1
	base.HiddenDropoutRatio = 0.1
	for _, cfg := range flagCombos(base) {
		t.Run(comboName(cfg), func(t *testing.T) {
			dy := tensor.Zeros[float32](tensor.Shape{2, 4, 8})
			run := runTransformer[float32](t, cfg, 2, 4, dy)
			for _, g := range gradList(run.grads) {
				for _, v := range g.Data() {
					require.Zero(t, v)
				}
			}
		})
	}
}

func TestTransformerLayer_CheckpointEquivalence(t *testing.T) {
	base := smallConfig()
	base.AttnDropoutRatio = 0.2
	base.HiddenDropoutRatio = 0.1
	r := rand.New(rand.NewPCG(8, 9))
	dy := randTensor[float32](r, tensor.Shape{2, 4, 8}, -1, 1)

	for _, pre := range []bool{false, true} {
		for _, inv := range []bool{false, true} {
			cfg := base
			cfg.PreLayerNorm = pre
			cfg.NormalizeInvertible = inv
			t.Run(comboName(cfg), func(t *testing.T) {
				stored := runTransformer[float32](t, cfg, 2, 4, dy)
				for _, flags := range []struct{ attn, gelu bool }{{true, false}, {false, true}, {true, true}} {
					ckpt := cfg
					ckpt.AttnDropoutCheckpoint = flags.attn
					ckpt.GeluCheckpoint = flags.gelu
					got := runTransformer[float32](t, ckpt, 2, 4, dy)

					assert.Equal(t, stored.masks, got.masks)
					assert.Empty(t, cmp.Diff(stored.act.Output.Data(), got.act.Output.Data()))
					want, have := gradList(stored.grads), gradList(got.grads)
					for i := range want {
						assert.Empty(t, cmp.Diff(want[i].Data(), have[i].Data(), cmpopts.EquateApprox(0, 1e-6)),
							"attn=%t gelu=%t grad %d", flags.attn, flags.gelu, i)
					}
				}
			})
		}
	}
}

func TestTransformerLayer_DropoutMasks(t *testing.T) {
	cfg := smallConfig()
	cfg.PreLayerNorm = true
	cfg.AttnDropoutRatio = 0.3
	cfg.HiddenDropoutRatio = 0.3
	ctx := context.Background()
	r := rand.New(rand.NewPCG(1, 1))
	layer := newTransformer[float32](t, cfg, 3)
	input := randTensor[float32](r, tensor.Shape{2, 4, 8}, -1, 1)
	w := randomWeights[float32](cfg, 4)
	act := NewTransformerActivations[float32](cfg, 2, 4)

	err := layer.Forward(ctx, input, nil, w, act)
	require.ErrorIs(t, err, ErrPrecondition, "active dropout without masks")

	masks := bindMasks(t, layer, 2, 4)
	require.NoError(t, layer.Forward(ctx, input, nil, w, act))
	for i, m := range masks {
		var dropped int
		for _, v := range m {
			if v == 0 {
				dropped++
			}
		}
		assert.Positive(t, dropped, "mask %d", i)
		assert.Less(t, dropped, len(m), "mask %d", i)
	}

	// Evaluation mode ignores the masks entirely.
	layer.SetTrainingMode(false)
	require.NoError(t, layer.Forward(ctx, input, nil, w, act))
	want := refForward(cfg, 2, 4, widen(input), nil, refParams(w))
	assert.Less(t, relErr(act.Output, want), 1e-5)

	grads := NewTransformerGrads[float32](cfg, 2, 4)
	err = layer.Backward(ctx, act.Output, input, w, act, grads)
	assert.ErrorIs(t, err, ErrPrecondition, "backward outside training mode")
}

func TestTransformerLayer_FiniteDifference(t *testing.T) {
	for _, pre := range []bool{false, true} {
		for _, inv := range []bool{false, true} {
			cfg := smallConfig()
			cfg.BatchSize, cfg.SeqLength = 2, 3
			cfg.PreLayerNorm = pre
			cfg.NormalizeInvertible = inv
			t.Run(comboName(cfg), func(t *testing.T) {
				r := rand.New(rand.NewPCG(21, 22))
				coef := randTensor[float32](r, tensor.Shape{2, 3, 8}, -1, 1)
				run := runTransformer[float32](t, cfg, 2, 3, coef)

				x := widen(run.input)
				params := refParams(run.w)
				c := widen(coef)
				f := func() []float64 { return refForward(cfg, 2, 3, x, nil, params) }

				approx := cmpopts.EquateApprox(1e-3, 1e-4)
				assert.Empty(t, cmp.Diff(numericGrad(x, c, f), widen(run.grads.Input), approx), "input")
				for i, p := range run.w.Parameters(run.grads) {
					assert.Empty(t, cmp.Diff(numericGrad(params[i], c, f), widen(p.Grad()), approx), p.Name())
				}
			})
		}
	}
}

func TestTransformerLayer_HalfPrecision(t *testing.T) {
	for _, pre := range []bool{false, true} {
		cfg := smallConfig()
		cfg.PreLayerNorm = pre
		cfg.GeluCheckpoint = true
		t.Run(comboName(cfg), func(t *testing.T) {
			r := rand.New(rand.NewPCG(5, 6))
			dy := randTensor[float16.Float16](r, tensor.Shape{2, 4, 8}, -1, 1)
			run := runTransformer[float16.Float16](t, cfg, 2, 4, dy)
			assert.Equal(t, tensor.Float16, run.layer.DataType())

			want := refForward(cfg, 2, 4, widen(run.input), nil, refParams(run.w))
			assert.Less(t, relErr(run.act.Output, want), 5e-3)

			// Gradients agree with the single precision layer on the same
			// (rounded) values.
			single := &transformerRun[float32]{
				layer: newTransformer[float32](t, cfg, 99),
				input: toSingle(run.input),
				w:     singleWeights(run.w),
				act:   NewTransformerActivations[float32](cfg, 2, 4),
				grads: NewTransformerGrads[float32](cfg, 2, 4),
			}
			ctx := context.Background()
			require.NoError(t, single.layer.Forward(ctx, single.input, nil, single.w, single.act))
			require.NoError(t, single.layer.Backward(ctx, toSingle(dy), single.input, single.w, single.act, single.grads))
			assert.Less(t, relErr(run.grads.Input, widen(single.grads.Input)), 2e-2)
			assert.Less(t, relErr(run.grads.QKVW, widen(single.grads.QKVW)), 2e-2)
			assert.Less(t, relErr(run.grads.OutputW, widen(single.grads.OutputW)), 2e-2)
		})
	}
}

func toSingle(t *tensor.Tensor[float16.Float16]) *tensor.Tensor[float32] {
	out, err := tensor.FromSlice(tensor.ToFloat32(t), t.Shape())
	if err != nil {
		panic(err)
	}
	return out
}

func singleWeights(w *TransformerWeights[float16.Float16]) *TransformerWeights[float32] {
	return &TransformerWeights[float32]{
		QKVW: toSingle(w.QKVW), QKVB: toSingle(w.QKVB), AttnOutW: toSingle(w.AttnOutW), AttnOutB: toSingle(w.AttnOutB),
		AttnNormW: toSingle(w.AttnNormW), AttnNormB: toSingle(w.AttnNormB), InterW: toSingle(w.InterW), InterB: toSingle(w.InterB),
		OutputW: toSingle(w.OutputW), OutputB: toSingle(w.OutputB), NormW: toSingle(w.NormW), NormB: toSingle(w.NormB),
	}
}

// TestTransformerLayer_BertBase runs the 2x128x768 scenario against the
// unfused reference and checks d sum(output) / d input on a few elements.
func TestTransformerLayer_BertBase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-size layer in short mode")
	}
	cfg := LayerConfig{BatchSize: 2, SeqLength: 128, HiddenSize: 768, Heads: 12, IntermediateSize: 3072}
	const batch, seq = 2, 128
	ctx := context.Background()

	t.Run("single", func(t *testing.T) {
		run := runTransformer[float32](t, cfg, batch, seq, nil)
		want := refForward(cfg, batch, seq, widen(run.input), nil, refParams(run.w))
		assert.Less(t, relErr(run.act.Output, want), 1e-5)
	})

	t.Run("half", func(t *testing.T) {
		run := runTransformer[float16.Float16](t, cfg, batch, seq, nil)
		want := refForward(cfg, batch, seq, widen(run.input), nil, refParams(run.w))
		assert.Less(t, relErr(run.act.Output, want), 2e-3)
	})

	t.Run("input gradient", func(t *testing.T) {
		pre := cfg
		pre.PreLayerNorm = true
		ones := tensor.Zeros[float32](tensor.Shape{batch, seq, cfg.HiddenSize})
		Fill(ones, 1)
		run := runTransformer[float32](t, pre, batch, seq, ones)

		loss := func() float64 {
			require.NoError(t, run.layer.Forward(ctx, run.input, nil, run.w, run.act))
			var s float64
			for _, v := range run.act.Output.Data() {
				s += float64(v)
			}
			return s
		}
		const h = 1e-2
		x := run.input.Data()
		for _, i := range []int{0, 17, 5000, len(x) - 1} {
			orig := x[i]
			x[i] = orig + h
			plus := loss()
			x[i] = orig - h
			minus := loss()
			x[i] = orig
			fd := (plus - minus) / (2 * h)
			analytic := float64(run.grads.Input.Data()[i])
			assert.InDelta(t, analytic, fd, 2e-2+2e-2*math.Abs(analytic), "element %d", i)
		}
	})
}
