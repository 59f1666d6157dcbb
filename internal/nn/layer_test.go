package nn

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/encoder/internal/backend/cpu"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// probeOps wraps the CPU primitives to observe how a pass drives them.
type probeOps struct {
	*cpu.CPUBackend[float32]
	arena *workspace.Arena

	syncs       int
	syncErr     error
	panicLinear bool
	linears     int
	leaseHeld   bool
}

func (p *probeOps) Synchronize() error {
	p.syncs++
	return p.syncErr
}

func (p *probeOps) Linear(out, in, w []float32, rows, outDim, inDim int) {
	p.linears++
	if lease, ok := p.arena.TryAcquire(); ok {
		lease.Release()
	} else {
		p.leaseHeld = true
	}
	if p.panicLinear {
		panic("linear: device fault")
	}
	p.CPUBackend.Linear(out, in, w, rows, outDim, inDim)
}

type probeCase struct {
	layer *TransformerLayer[float32]
	ops   *probeOps
	arena *workspace.Arena
	input *tensor.Tensor[float32]
	w     *TransformerWeights[float32]
	act   *TransformerActivations[float32]
}

func newProbeCase(t *testing.T, cfg LayerConfig) *probeCase {
	t.Helper()
	arena := workspace.NewArena()
	ops := &probeOps{CPUBackend: newOps[float32](1), arena: arena}
	layer, err := NewTransformerLayer[float32](context.Background(), cfg, ops, arena)
	require.NoError(t, err)
	r := rand.New(rand.NewPCG(71, 72))
	return &probeCase{
		layer: layer,
		ops:   ops,
		arena: arena,
		input: randTensor[float32](r, tensor.Shape{2, 4, 8}, -1, 1),
		w:     randomWeights[float32](cfg, 73),
		act:   NewTransformerActivations[float32](cfg, 2, 4),
	}
}

func assertArenaFree(t *testing.T, arena *workspace.Arena) {
	t.Helper()
	lease, ok := arena.TryAcquire()
	require.True(t, ok, "arena still held after the pass")
	lease.Release()
}

func TestTransformerLayer_Preconditions(t *testing.T) {
	strided, err := tensor.NewView(make([]float32, 64), tensor.Shape{2, 4, 8}, []int{32, 1, 4})
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(*probeCase) (input, mask *tensor.Tensor[float32])
		arg    string
	}{
		{"non-contiguous input", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			return strided, nil
		}, "input"},
		{"input on another device", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			return p.input.OnDevice(tensor.CUDA), nil
		}, "input"},
		{"batch over limit", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			return tensor.Zeros[float32](tensor.Shape{3, 4, 8}), nil
		}, "input"},
		{"sequence over limit", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			return tensor.Zeros[float32](tensor.Shape{2, 5, 8}), nil
		}, "input"},
		{"wrong hidden width", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			return tensor.Zeros[float32](tensor.Shape{2, 4, 6}), nil
		}, "input"},
		{"mask shape", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			return p.input, tensor.Zeros[float32](tensor.Shape{2, 3})
		}, "mask"},
		{"weight shape", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			p.w.InterW = tensor.Zeros[float32](tensor.Shape{8, 8})
			return p.input, nil
		}, "inter_w"},
		{"missing weight", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			p.w.NormB = nil
			return p.input, nil
		}, "norm_b"},
		{"missing activations", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			p.act = nil
			return p.input, nil
		}, "activations"},
		{"missing gelu input", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			p.act.GeluInput = nil
			return p.input, nil
		}, "gelu_input"},
		{"short stats", func(p *probeCase) (_, _ *tensor.Tensor[float32]) {
			p.act.NormStats.InvStd = p.act.NormStats.InvStd[:3]
			return p.input, nil
		}, "norm_stats"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProbeCase(t, smallConfig())
			input, mask := tt.modify(p)
			err := p.layer.Forward(context.Background(), input, mask, p.w, p.act)
			require.ErrorIs(t, err, ErrPrecondition)
			var pe *PreconditionError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.arg, pe.Arg)
			assert.Zero(t, p.ops.linears, "no primitive runs on a rejected call")
			assertArenaFree(t, p.arena)
		})
	}
}

func TestTransformerLayer_BatchLimitMessage(t *testing.T) {
	p := newProbeCase(t, smallConfig())
	err := p.layer.Forward(context.Background(), tensor.Zeros[float32](tensor.Shape{3, 4, 8}), nil, p.w, p.act)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input batch size exceeds the limit: 3 > 2")
}

func TestTransformerLayer_InferenceOnly(t *testing.T) {
	cfg := smallConfig()
	cfg.InferenceOnly = true
	p := newProbeCase(t, cfg)
	assert.False(t, p.layer.Training())
	require.NoError(t, p.layer.Forward(context.Background(), p.input, nil, p.w, p.act))

	grads := NewTransformerGrads[float32](cfg, 2, 4)
	err := p.layer.Backward(context.Background(), p.input, p.input, p.w, p.act, grads)
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Contains(t, err.Error(), "built for inference only")
}

func TestTransformerLayer_StochasticMode(t *testing.T) {
	for _, stochastic := range []bool{false, true} {
		cfg := smallConfig()
		cfg.StochasticMode = stochastic
		p := newProbeCase(t, cfg)
		require.NoError(t, p.layer.Forward(context.Background(), p.input, nil, p.w, p.act))

		want := 1
		if stochastic {
			want = 0
		}
		assert.Equal(t, want, p.ops.syncs, "stochastic=%t", stochastic)
		assert.True(t, p.ops.leaseHeld, "primitives run under the lease")
		assertArenaFree(t, p.arena)
	}
}

func TestTransformerLayer_DeviceFault(t *testing.T) {
	p := newProbeCase(t, smallConfig())
	p.ops.panicLinear = true
	err := p.layer.Forward(context.Background(), p.input, nil, p.w, p.act)
	require.ErrorIs(t, err, ErrDevice)
	assert.Contains(t, err.Error(), "device fault")
	assertArenaFree(t, p.arena)

	p.ops.panicLinear = false
	require.NoError(t, p.layer.Forward(context.Background(), p.input, nil, p.w, p.act))
}

func TestTransformerLayer_SynchronizeError(t *testing.T) {
	p := newProbeCase(t, smallConfig())
	p.ops.syncErr = errors.New("stream lost")
	err := p.layer.Forward(context.Background(), p.input, nil, p.w, p.act)
	require.ErrorIs(t, err, ErrDevice)
	assert.Contains(t, err.Error(), "stream lost")
	assert.Zero(t, p.ops.linears)
	assertArenaFree(t, p.arena)
}

func TestTransformerLayer_ContextCanceled(t *testing.T) {
	p := newProbeCase(t, smallConfig())
	held, ok := p.arena.TryAcquire()
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.layer.Forward(ctx, p.input, nil, p.w, p.act)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDevice)
	assert.Zero(t, p.ops.linears)

	held.Release()
	require.NoError(t, p.layer.Forward(context.Background(), p.input, nil, p.w, p.act))
}

func TestBindDropoutMasks_Count(t *testing.T) {
	p := newProbeCase(t, smallConfig())
	err := p.layer.BindDropoutMasks(make([]uint8, 4))
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Contains(t, err.Error(), "got 1 masks, layer uses 3")
	assert.Equal(t, []int{2 * 2 * 4 * 4, 2 * 4 * 8, 2 * 4 * 8}, p.layer.DropoutMaskSizes(2, 4))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transformer", KindTransformer.String())
	assert.Equal(t, "self_attention", KindSelfAttention.String())
	assert.Equal(t, "mlp", KindMLP.String())
	assert.Equal(t, "bias_residual_dropout", KindBiasResidualDropout.String())
	assert.Equal(t, "normalize", KindNormalize.String())
}
