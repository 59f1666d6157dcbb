package nn

import (
	"context"
	"fmt"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// ResidualGrads receive the gradients of a bias+residual+dropout backward.
type ResidualGrads[T tensor.Float] struct {
	Input    *tensor.Tensor[T] // [B, L, H]
	Residual *tensor.Tensor[T] // [B, L, H]
	Bias     *tensor.Tensor[T] // [H]
}

// NewResidualGrads allocates gradients for a call with the given batch and
// sequence length.
func NewResidualGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *ResidualGrads[T] {
	hidden := tensor.Shape{batch, seq, cfg.HiddenSize}
	return &ResidualGrads[T]{
		Input:    tensor.Zeros[T](hidden),
		Residual: tensor.Zeros[T](hidden),
		Bias:     tensor.Zeros[T](tensor.Shape{cfg.HiddenSize}),
	}
}

// BiasResidualDropout is the fused output = dropout(input + bias) + residual
// used after the attention and feed-forward blocks, with the hidden dropout
// ratio. It needs no workspace.
type BiasResidualDropout[T tensor.Float] struct {
	base[T]
}

// NewBiasResidualDropout validates cfg and returns the layer. Only the
// batch size, sequence length, hidden size and hidden dropout ratio apply.
func NewBiasResidualDropout[T tensor.Float](cfg LayerConfig, ops backend.Ops[T], arena *workspace.Arena) (*BiasResidualDropout[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &BiasResidualDropout[T]{}
	l.init(KindBiasResidualDropout, cfg, ops, arena, 1)
	return l, nil
}

// DropoutMaskSizes returns the output mask length.
func (l *BiasResidualDropout[T]) DropoutMaskSizes(batch, seq int) []int {
	return []int{batch * seq * l.cfg.HiddenSize}
}

// Forward writes dropout(input + bias) + residual into output. output may
// alias input but not residual.
func (l *BiasResidualDropout[T]) Forward(ctx context.Context, input, bias, residual, output *tensor.Tensor[T]) error {
	return l.run(ctx, workspace.Forward, func(_ *workspace.Lease) error {
		c := newChecker("bias residual dropout forward", l.ops)
		h := l.cfg.HiddenSize
		batch, seq := c.input("input", input, l.cfg, h)
		c.tensor("bias", bias, h)
		c.tensor("residual", residual, batch, seq, h)
		c.tensor("output", output, batch, seq, h)
		if c.err == nil && shareStorage(output.Data(), residual.Data()) {
			c.fail("output", "aliases the residual")
		}
		drop := l.dropout(l.cfg.HiddenDropoutRatio)
		c.mask("output mask", l.mask(0), batch*seq*h, drop)
		if c.err != nil {
			return c.err
		}

		l.ops.DropoutBiasResidual(output.Data(), input.Data(), bias.Data(), residual.Data(), l.mask(0), batch*seq, h, drop)
		return nil
	})
}

// Backward computes the input, residual and bias gradients from gradOutput.
func (l *BiasResidualDropout[T]) Backward(ctx context.Context, gradOutput *tensor.Tensor[T], grads *ResidualGrads[T]) error {
	const op = "bias residual dropout backward"
	if err := l.checkBackward(op); err != nil {
		return err
	}
	return l.run(ctx, workspace.Backward, func(_ *workspace.Lease) error {
		c := newChecker(op, l.ops)
		h := l.cfg.HiddenSize
		batch, seq := c.input("grad output", gradOutput, l.cfg, h)
		if grads == nil {
			c.fail("grads", "missing")
		} else {
			c.tensor("grad input", grads.Input, batch, seq, h)
			c.tensor("grad residual", grads.Residual, batch, seq, h)
			c.tensor("grad bias", grads.Bias, h)
		}
		drop := l.replay(l.cfg.HiddenDropoutRatio)
		c.mask("output mask", l.mask(0), batch*seq*h, drop)
		if c.err != nil {
			return c.err
		}

		dy := gradOutput.Data()
		copy(grads.Residual.Data(), dy)
		l.ops.DropoutBackward(grads.Input.Data(), dy, l.mask(0), drop)
		l.ops.ColumnSum(grads.Bias.Data(), grads.Input.Data(), batch*seq, h)
		return nil
	})
}

// String describes the layer.
func (l *BiasResidualDropout[T]) String() string {
	return fmt.Sprintf("BiasResidualDropout(hidden=%d, ratio=%g, dtype=%s)", l.cfg.HiddenSize, l.cfg.HiddenDropoutRatio, l.DataType())
}

// shareStorage reports whether a and b overlap.
func shareStorage[T tensor.Float](a, b []T) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return &a[0] == &b[0]
}
