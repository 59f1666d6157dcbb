package engine

import (
	"context"
	"log/slog"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/metrics"
	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/tensor"
)

// Engine is a device context plus the layers created on it.
type Engine struct {
	ctx *Context
	reg *Registry
}

// New creates an engine with a fresh device context.
func New(opts ...Option) *Engine {
	return &Engine{ctx: NewContext(opts...), reg: NewRegistry()}
}

// Context returns the device context.
func (e *Engine) Context() *Context { return e.ctx }

// Handles lists the registered handles in creation order.
func (e *Engine) Handles() []Handle { return e.reg.Handles() }

// Layer returns the layer stored under h.
func (e *Engine) Layer(h Handle) (nn.Layer, error) { return e.reg.Get(h) }

// Remove drops the layer stored under h.
func (e *Engine) Remove(h Handle) bool { return e.reg.Remove(h) }

// SetTrainingMode enables or disables dropout for the layer under h.
func (e *Engine) SetTrainingMode(h Handle, training bool) error {
	l, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	l.SetTrainingMode(training)
	return nil
}

// BindDropoutMasks binds caller-owned masks to the layer under h.
func (e *Engine) BindDropoutMasks(h Handle, masks ...[]uint8) error {
	l, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	return l.BindDropoutMasks(masks...)
}

// NewDropoutMasks allocates and binds masks sized for a call with the given
// batch and sequence length, and returns them.
func (e *Engine) NewDropoutMasks(h Handle, batch, seq int) ([][]uint8, error) {
	l, err := e.reg.Get(h)
	if err != nil {
		return nil, err
	}
	sizes := l.DropoutMaskSizes(batch, seq)
	masks := make([][]uint8, len(sizes))
	for i, n := range sizes {
		masks[i] = make([]uint8, n)
	}
	if err := l.BindDropoutMasks(masks...); err != nil {
		return nil, err
	}
	return masks, nil
}

// StoreRandState snapshots the dropout-mask generator.
func (e *Engine) StoreRandState() backend.RandState { return e.ctx.StoreRandState() }

// RestoreRandState rewinds the dropout-mask generator to s.
func (e *Engine) RestoreRandState(s backend.RandState) { e.ctx.RestoreRandState(s) }

func (e *Engine) register(h Handle, l nn.Layer) {
	replaced := e.reg.Register(h, l)
	dtype := l.DataType().Precision()
	slog.Info("layer created", "handle", int(h), "kind", l.Kind().String(), "dtype", dtype, "replaced", replaced)
	metrics.LayerCreated(l.Kind().String(), dtype)
}

func create[L nn.Layer](e *Engine, h Handle, l L, err error) (L, error) {
	if err != nil {
		var zero L
		return zero, err
	}
	e.register(h, l)
	return l, nil
}

// CreateTransformerLayer builds an encoder layer under h.
func CreateTransformerLayer[T tensor.Float](ctx context.Context, e *Engine, h Handle, cfg nn.LayerConfig) (*nn.TransformerLayer[T], error) {
	l, err := nn.NewTransformerLayer(ctx, cfg, Ops[T](e.ctx), e.ctx.Arena())
	return create(e, h, l, err)
}

// CreateSelfAttention builds a self-attention layer under h.
func CreateSelfAttention[T tensor.Float](ctx context.Context, e *Engine, h Handle, cfg nn.LayerConfig) (*nn.SelfAttention[T], error) {
	l, err := nn.NewSelfAttention(ctx, cfg, Ops[T](e.ctx), e.ctx.Arena())
	return create(e, h, l, err)
}

// CreateMLP builds a feed-forward layer under h.
func CreateMLP[T tensor.Float](ctx context.Context, e *Engine, h Handle, cfg nn.LayerConfig) (*nn.MLP[T], error) {
	l, err := nn.NewMLP(ctx, cfg, Ops[T](e.ctx), e.ctx.Arena())
	return create(e, h, l, err)
}

// CreateBiasResidualDropout builds a bias+residual+dropout layer under h.
func CreateBiasResidualDropout[T tensor.Float](e *Engine, h Handle, cfg nn.LayerConfig) (*nn.BiasResidualDropout[T], error) {
	l, err := nn.NewBiasResidualDropout(cfg, Ops[T](e.ctx), e.ctx.Arena())
	return create(e, h, l, err)
}

// CreateNormalize builds a normalization layer under h.
func CreateNormalize[T tensor.Float](e *Engine, h Handle, cfg nn.LayerConfig) (*nn.Normalize[T], error) {
	l, err := nn.NewNormalize(cfg, Ops[T](e.ctx), e.ctx.Arena())
	return create(e, h, l, err)
}

func with[L nn.Layer](e *Engine, h Handle, fn func(L) error) error {
	l, err := Lookup[L](e.reg, h)
	if err != nil {
		return err
	}
	return fn(l)
}

// TransformerForward runs the forward pass of the encoder layer under h.
func TransformerForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input, mask *tensor.Tensor[T], w *nn.TransformerWeights[T], act *nn.TransformerActivations[T],
) error {
	return with(e, h, func(l *nn.TransformerLayer[T]) error {
		return l.Forward(ctx, input, mask, w, act)
	})
}

// TransformerBackward runs the backward pass of the encoder layer under h.
func TransformerBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput, input *tensor.Tensor[T], w *nn.TransformerWeights[T], act *nn.TransformerActivations[T], grads *nn.TransformerGrads[T],
) error {
	return with(e, h, func(l *nn.TransformerLayer[T]) error {
		return l.Backward(ctx, gradOutput, input, w, act, grads)
	})
}

// SelfAttentionForward runs the forward pass of the attention layer under h.
func SelfAttentionForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input, mask *tensor.Tensor[T], w *nn.AttentionWeights[T], act *nn.AttentionActivations[T],
) error {
	return with(e, h, func(l *nn.SelfAttention[T]) error {
		return l.Forward(ctx, input, mask, w, act)
	})
}

// SelfAttentionBackward runs the backward pass of the attention layer under h.
func SelfAttentionBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput, input *tensor.Tensor[T], w *nn.AttentionWeights[T], act *nn.AttentionActivations[T], grads *nn.AttentionGrads[T],
) error {
	return with(e, h, func(l *nn.SelfAttention[T]) error {
		return l.Backward(ctx, gradOutput, input, w, act, grads)
	})
}

// MLPForward runs the forward pass of the feed-forward layer under h.
func MLPForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input *tensor.Tensor[T], w *nn.MLPWeights[T], act *nn.MLPActivations[T],
) error {
	return with(e, h, func(l *nn.MLP[T]) error {
		return l.Forward(ctx, input, w, act)
	})
}

// MLPBackward runs the backward pass of the feed-forward layer under h.
func MLPBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput, input *tensor.Tensor[T], w *nn.MLPWeights[T], act *nn.MLPActivations[T], grads *nn.MLPGrads[T],
) error {
	return with(e, h, func(l *nn.MLP[T]) error {
		return l.Backward(ctx, gradOutput, input, w, act, grads)
	})
}

// BiasResidualDropoutForward runs the forward pass of the layer under h.
func BiasResidualDropoutForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input, bias, residual, output *tensor.Tensor[T],
) error {
	return with(e, h, func(l *nn.BiasResidualDropout[T]) error {
		return l.Forward(ctx, input, bias, residual, output)
	})
}

// BiasResidualDropoutBackward runs the backward pass of the layer under h.
func BiasResidualDropoutBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput *tensor.Tensor[T], grads *nn.ResidualGrads[T],
) error {
	return with(e, h, func(l *nn.BiasResidualDropout[T]) error {
		return l.Backward(ctx, gradOutput, grads)
	})
}

// NormalizeForward runs the forward pass of the normalization under h.
func NormalizeForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input, gamma, beta, output *tensor.Tensor[T], stats backend.NormStats,
) error {
	return with(e, h, func(l *nn.Normalize[T]) error {
		return l.Forward(ctx, input, gamma, beta, output, stats)
	})
}

// NormalizeBackward runs the backward pass of the normalization under h.
func NormalizeBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput, input, output, gamma, beta *tensor.Tensor[T], stats backend.NormStats, grads *nn.NormGrads[T],
) error {
	return with(e, h, func(l *nn.Normalize[T]) error {
		return l.Backward(ctx, gradOutput, input, output, gamma, beta, stats, grads)
	})
}
