package nn

import (
	"context"
	"fmt"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// NormGrads receive the gradients of a normalization backward.
type NormGrads[T tensor.Float] struct {
	Input *tensor.Tensor[T] // [B, L, H]
	Gamma *tensor.Tensor[T] // [H]
	Beta  *tensor.Tensor[T] // [H]
}

// NewNormGrads allocates gradients for a call with the given batch and
// sequence length.
func NewNormGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *NormGrads[T] {
	return &NormGrads[T]{
		Input: tensor.Zeros[T](tensor.Shape{batch, seq, cfg.HiddenSize}),
		Gamma: tensor.Zeros[T](tensor.Shape{cfg.HiddenSize}),
		Beta:  tensor.Zeros[T](tensor.Shape{cfg.HiddenSize}),
	}
}

// Normalize is one layer normalization over the hidden dimension:
//
//	y = (x - mean(x)) / sqrt(var(x) + eps) * gamma + beta
//
// Variants (chosen by NormalizeInvertible, as in the encoder layer):
//   - mean-centered: persists mean and inverse std; backward reads the input.
//   - invertible: persists only the inverse std; backward rebuilds the
//     normalized value from the output as (y - beta) / gamma, so every gamma
//     entry must be nonzero.
type Normalize[T tensor.Float] struct {
	base[T]
}

// NewNormalize validates cfg and returns the layer.
func NewNormalize[T tensor.Float](cfg LayerConfig, ops backend.Ops[T], arena *workspace.Arena) (*Normalize[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Normalize[T]{}
	l.init(KindNormalize, cfg, ops, arena, 0)
	return l, nil
}

// NewStats allocates the statistics of a call with the given batch and
// sequence length.
func (l *Normalize[T]) NewStats(batch, seq int) backend.NormStats {
	return backend.NewNormStats(batch*seq, l.cfg.NormalizeInvertible)
}

// DropoutMaskSizes returns no sizes: the layer has no dropout.
func (l *Normalize[T]) DropoutMaskSizes(_, _ int) []int {
	return nil
}

func (l *Normalize[T]) checkParams(c *checker[T], gamma, beta *tensor.Tensor[T]) {
	c.tensor("gamma", gamma, l.cfg.HiddenSize)
	c.tensor("beta", beta, l.cfg.HiddenSize)
}

// Forward normalizes input into output and fills stats.
func (l *Normalize[T]) Forward(ctx context.Context, input, gamma, beta, output *tensor.Tensor[T], stats backend.NormStats) error {
	return l.run(ctx, workspace.Forward, func(_ *workspace.Lease) error {
		c := newChecker("normalize forward", l.ops)
		h := l.cfg.HiddenSize
		batch, seq := c.input("input", input, l.cfg, h)
		l.checkParams(c, gamma, beta)
		c.tensor("output", output, batch, seq, h)
		c.stats("stats", stats, batch*seq, l.cfg.NormalizeInvertible)
		if c.err != nil {
			return c.err
		}

		rows := batch * seq
		l.ops.LayerNorm(output.Data(), input.Data(), gamma.Data(), beta.Data(),
			variantStats(stats, rows, l.cfg.NormalizeInvertible), rows, h, l.cfg.Eps())
		return nil
	})
}

// Backward computes the input, gamma and beta gradients. The invertible
// variant reads output and ignores input; the mean-centered one does the
// opposite, so the unused one may be nil.
func (l *Normalize[T]) Backward(ctx context.Context, gradOutput, input, output, gamma, beta *tensor.Tensor[T],
	stats backend.NormStats, grads *NormGrads[T],
) error {
	const op = "normalize backward"
	if err := l.checkBackward(op); err != nil {
		return err
	}
	return l.run(ctx, workspace.Backward, func(_ *workspace.Lease) error {
		c := newChecker(op, l.ops)
		h := l.cfg.HiddenSize
		batch, seq := c.input("grad output", gradOutput, l.cfg, h)
		x := input
		if l.cfg.NormalizeInvertible {
			x = output
		}
		c.tensor("normalized", x, batch, seq, h)
		l.checkParams(c, gamma, beta)
		c.stats("stats", stats, batch*seq, l.cfg.NormalizeInvertible)
		if grads == nil {
			c.fail("grads", "missing")
		} else {
			c.tensor("grad input", grads.Input, batch, seq, h)
			c.tensor("grad gamma", grads.Gamma, h)
			c.tensor("grad beta", grads.Beta, h)
		}
		if c.err != nil {
			return c.err
		}

		rows := batch * seq
		l.ops.LayerNormBackward(grads.Input.Data(), grads.Gamma.Data(), grads.Beta.Data(), gradOutput.Data(), x.Data(),
			gamma.Data(), beta.Data(), nil, variantStats(stats, rows, l.cfg.NormalizeInvertible), rows, h)
		return nil
	})
}

// String describes the layer.
func (l *Normalize[T]) String() string {
	return fmt.Sprintf("Normalize(hidden=%d, invertible=%t, dtype=%s)", l.cfg.HiddenSize, l.cfg.NormalizeInvertible, l.DataType())
}
