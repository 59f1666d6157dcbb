package engine

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

func testConfig() nn.LayerConfig {
	return nn.LayerConfig{
		BatchSize:          2,
		SeqLength:          4,
		HiddenSize:         8,
		Heads:              2,
		IntermediateSize:   16,
		AttnDropoutRatio:   0.1,
		HiddenDropoutRatio: 0.1,
	}
}

func newTestEngine() *Engine {
	return New(WithSeed(42), WithParallel(parallel.Config{Enabled: true, NumWorkers: 2, MinChunkSize: 1}))
}

type transformerCall struct {
	input *tensor.Tensor[float32]
	w     *nn.TransformerWeights[float32]
	act   *nn.TransformerActivations[float32]
	grads *nn.TransformerGrads[float32]
}

func newTransformerCall(cfg nn.LayerConfig) transformerCall {
	r := rand.New(rand.NewPCG(5, 6))
	input := tensor.Zeros[float32](tensor.Shape{2, 4, 8})
	nn.Uniform(input, r, -1, 1)
	w := nn.NewTransformerWeights[float32](cfg)
	nn.InitTransformerWeights(w, nn.InitConfig{InitializerRange: 0.02, NumLayers: 1, Seed: 9})
	return transformerCall{
		input: input,
		w:     w,
		act:   nn.NewTransformerActivations[float32](cfg, 2, 4),
		grads: nn.NewTransformerGrads[float32](cfg, 2, 4),
	}
}

func TestEngine_TransformerRoundTrip(t *testing.T) {
	e := newTestEngine()
	cfg := testConfig()
	ctx := t.Context()

	_, err := CreateTransformerLayer[float32](ctx, e, 0, cfg)
	require.NoError(t, err)
	masks, err := e.NewDropoutMasks(0, 2, 4)
	require.NoError(t, err)
	require.Len(t, masks, 3)

	call := newTransformerCall(cfg)
	require.NoError(t, TransformerForward(ctx, e, 0, call.input, nil, call.w, call.act))
	dy := tensor.Zeros[float32](tensor.Shape{2, 4, 8})
	nn.Uniform(dy, rand.New(rand.NewPCG(7, 8)), -1, 1)
	require.NoError(t, TransformerBackward(ctx, e, 0, dy, call.input, call.w, call.act, call.grads))

	var nonzero bool
	for _, v := range call.grads.Input.Data() {
		if v != 0 {
			nonzero = true
			break
		}
	}
	assert.True(t, nonzero)
	assert.GreaterOrEqual(t, e.Context().Arena().Capacity(),
		workspace.WorkspaceElements(cfg.MaxDims(), cfg.Flags())*4)
}

func TestEngine_HandleErrors(t *testing.T) {
	e := newTestEngine()
	cfg := testConfig()
	ctx := t.Context()
	_, err := CreateTransformerLayer[float32](ctx, e, 1, cfg)
	require.NoError(t, err)
	call := newTransformerCall(cfg)

	err = TransformerForward(ctx, e, 2, call.input, nil, call.w, call.act)
	require.ErrorIs(t, err, nn.ErrUnknownHandle)

	err = MLPForward(ctx, e, 1, call.input, nn.NewMLPWeights[float32](cfg), nn.NewMLPActivations[float32](cfg, 2, 4))
	require.ErrorIs(t, err, nn.ErrPrecondition, "wrong kind")

	half := tensor.Zeros[float16.Float16](tensor.Shape{2, 4, 8})
	err = TransformerForward(ctx, e, 1, half, nil, nn.NewTransformerWeights[float16.Float16](cfg),
		nn.NewTransformerActivations[float16.Float16](cfg, 2, 4))
	require.ErrorIs(t, err, nn.ErrPrecondition, "wrong precision")

	require.ErrorIs(t, e.SetTrainingMode(9, false), nn.ErrUnknownHandle)
	require.ErrorIs(t, e.BindDropoutMasks(9), nn.ErrUnknownHandle)
	_, err = e.NewDropoutMasks(9, 2, 4)
	require.ErrorIs(t, err, nn.ErrUnknownHandle)

	bad := cfg
	bad.Heads = 3
	_, err = CreateTransformerLayer[float32](ctx, e, 3, bad)
	require.ErrorIs(t, err, nn.ErrInvalidConfig)
	assert.Equal(t, []Handle{1}, e.Handles(), "failed creation registers nothing")
}

func TestEngine_SharedArena(t *testing.T) {
	e := newTestEngine()
	ctx := t.Context()
	small := testConfig()
	_, err := CreateTransformerLayer[float32](ctx, e, 0, small)
	require.NoError(t, err)
	before := e.Context().Arena().Capacity()

	large := small
	large.SeqLength = 32
	_, err = CreateTransformerLayer[float16.Float16](ctx, e, 1, large)
	require.NoError(t, err)
	after := e.Context().Arena().Capacity()
	assert.Greater(t, after, before)

	// A smaller layer never shrinks the arena.
	_, err = CreateMLP[float32](ctx, e, 2, small)
	require.NoError(t, err)
	assert.Equal(t, after, e.Context().Arena().Capacity())
	assert.Equal(t, []Handle{0, 1, 2}, e.Handles())

	l, err := e.Layer(1)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, l.DataType())
	assert.Equal(t, nn.KindTransformer, l.Kind())
}

func TestEngine_RandStateReplay(t *testing.T) {
	e := newTestEngine()
	cfg := testConfig()
	cfg.HiddenDropoutRatio = 0.5
	ctx := t.Context()
	_, err := CreateBiasResidualDropout[float32](e, 4, cfg)
	require.NoError(t, err)
	masks, err := e.NewDropoutMasks(4, 2, 4)
	require.NoError(t, err)

	x := tensor.Zeros[float32](tensor.Shape{2, 4, 8})
	nn.Fill(x, 1)
	bias := tensor.Zeros[float32](tensor.Shape{8})
	res := tensor.Zeros[float32](tensor.Shape{2, 4, 8})
	out := tensor.Zeros[float32](tensor.Shape{2, 4, 8})

	state := e.StoreRandState()
	require.NoError(t, BiasResidualDropoutForward(ctx, e, 4, x, bias, res, out))
	first := append([]uint8(nil), masks[0]...)
	firstOut := out.Clone()

	require.NoError(t, BiasResidualDropoutForward(ctx, e, 4, x, bias, res, out))
	assert.NotEqual(t, first, masks[0], "the stream advances between forwards")

	e.RestoreRandState(state)
	require.NoError(t, BiasResidualDropoutForward(ctx, e, 4, x, bias, res, out))
	assert.Equal(t, first, masks[0])
	assert.Equal(t, firstOut.Data(), out.Data())
}

func TestEngine_TrainingMode(t *testing.T) {
	e := newTestEngine()
	cfg := testConfig()
	ctx := t.Context()
	_, err := CreateNormalize[float32](e, 5, cfg)
	require.NoError(t, err)
	require.NoError(t, e.SetTrainingMode(5, false))

	l, err := e.Layer(5)
	require.NoError(t, err)
	assert.False(t, l.Training())

	norm, err := Lookup[*nn.Normalize[float32]](e.reg, 5)
	require.NoError(t, err)
	x := tensor.Zeros[float32](tensor.Shape{1, 4, 8})
	stats := norm.NewStats(1, 4)
	gamma := tensor.Zeros[float32](tensor.Shape{8})
	nn.Fill(gamma, 1)
	beta := tensor.Zeros[float32](tensor.Shape{8})
	out := x.Clone()
	require.NoError(t, NormalizeForward(ctx, e, 5, x, gamma, beta, out, stats))

	err = NormalizeBackward(ctx, e, 5, out, x, out, gamma, beta, stats, nn.NewNormGrads[float32](cfg, 1, 4))
	require.ErrorIs(t, err, nn.ErrPrecondition, "backward outside training mode")
}
