package nn

import (
	"context"
	"fmt"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

var mlpParamNames = []string{"inter_w", "inter_b", "output_w"}

// MLPWeights are the parameters of the feed-forward block. The contraction
// has no bias: the bias+residual+dropout block that follows owns it.
type MLPWeights[T tensor.Float] struct {
	InterW *tensor.Tensor[T] // [I, H]
	InterB *tensor.Tensor[T] // [I]
	OutW   *tensor.Tensor[T] // [H, I]
}

// NewMLPWeights allocates zero weights for cfg.
func NewMLPWeights[T tensor.Float](cfg LayerConfig) *MLPWeights[T] {
	h, i := cfg.HiddenSize, cfg.IntermediateSize
	return &MLPWeights[T]{
		InterW: tensor.Zeros[T](tensor.Shape{i, h}),
		InterB: tensor.Zeros[T](tensor.Shape{i}),
		OutW:   tensor.Zeros[T](tensor.Shape{h, i}),
	}
}

// Parameters lists the weights by name, paired with their gradients in g.
// g may be nil.
func (w *MLPWeights[T]) Parameters(g *MLPGrads[T]) []*Parameter[T] {
	var grads []*tensor.Tensor[T]
	if g != nil {
		grads = []*tensor.Tensor[T]{g.InterW, g.InterB, g.OutW}
	}
	return parameters(mlpParamNames, []*tensor.Tensor[T]{w.InterW, w.InterB, w.OutW}, grads)
}

func checkMLPParams[T tensor.Float](c *checker[T], prefix string, w *MLPWeights[T], cfg LayerConfig) {
	h, i := cfg.HiddenSize, cfg.IntermediateSize
	c.tensor(prefix+"inter_w", w.InterW, i, h)
	c.tensor(prefix+"inter_b", w.InterB, i)
	c.tensor(prefix+"output_w", w.OutW, h, i)
}

func (w *MLPWeights[T]) params() mlpParams[T] {
	return mlpParams[T]{interW: w.InterW.Data(), interB: w.InterB.Data(), outW: w.OutW.Data()}
}

// MLPGrads receive the gradients of a feed-forward backward.
type MLPGrads[T tensor.Float] struct {
	Input  *tensor.Tensor[T] // [B, L, H]
	InterW *tensor.Tensor[T]
	InterB *tensor.Tensor[T]
	OutW   *tensor.Tensor[T]
}

// NewMLPGrads allocates gradients for a call with the given batch and
// sequence length.
func NewMLPGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *MLPGrads[T] {
	w := NewMLPWeights[T](cfg)
	return &MLPGrads[T]{
		Input:  tensor.Zeros[T](tensor.Shape{batch, seq, cfg.HiddenSize}),
		InterW: w.InterW,
		InterB: w.InterB,
		OutW:   w.OutW,
	}
}

// MLPActivations are the tensors a feed-forward forward persists.
type MLPActivations[T tensor.Float] struct {
	Output     *tensor.Tensor[T] // [B, L, H]
	GeluInput  *tensor.Tensor[T] // [B, L, I]
	GeluOutput *tensor.Tensor[T] // [B, L, I], unless GELU is checkpointed
}

// NewMLPActivations allocates the activations for a call with the given
// batch and sequence length.
func NewMLPActivations[T tensor.Float](cfg LayerConfig, batch, seq int) *MLPActivations[T] {
	inter := tensor.Shape{batch, seq, cfg.IntermediateSize}
	act := &MLPActivations[T]{
		Output:    tensor.Zeros[T](tensor.Shape{batch, seq, cfg.HiddenSize}),
		GeluInput: tensor.Zeros[T](inter),
	}
	if !cfg.GeluCheckpoint {
		act.GeluOutput = tensor.Zeros[T](inter)
	}
	return act
}

func (a *MLPActivations[T]) check(c *checker[T], cfg LayerConfig, batch, seq int) {
	if a == nil {
		c.fail("activations", "missing")
		return
	}
	c.tensor("output", a.Output, batch, seq, cfg.HiddenSize)
	c.tensor("gelu_input", a.GeluInput, batch, seq, cfg.IntermediateSize)
	if !cfg.GeluCheckpoint {
		c.tensor("gelu_output", a.GeluOutput, batch, seq, cfg.IntermediateSize)
	}
}

// MLP is the position-wise feed-forward block on its own:
// linear expansion, GELU with bias, linear contraction.
// Only GeluCheckpoint applies.
type MLP[T tensor.Float] struct {
	base[T]
	block mlpBlock[T]
}

// NewMLP validates cfg, grows arena for it and returns the layer.
func NewMLP[T tensor.Float](ctx context.Context, cfg LayerConfig, ops backend.Ops[T], arena *workspace.Arena) (*MLP[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.validateMLP(); err != nil {
		return nil, err
	}
	l := &MLP[T]{block: mlpBlock[T]{ops: ops}}
	l.init(KindMLP, cfg, ops, arena, 0)
	l.plan = workspace.NewMLPPlan(cfg.Flags())
	if err := l.reserve(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// DropoutMaskSizes returns no sizes: the block has no dropout.
func (l *MLP[T]) DropoutMaskSizes(_, _ int) []int {
	return nil
}

func (l *MLP[T]) checkWeights(c *checker[T], w *MLPWeights[T]) {
	if w == nil {
		c.fail("weights", "missing")
		return
	}
	checkMLPParams(c, "", w, l.cfg)
}

// Forward runs the block over input [B, L, H] and writes the contraction,
// without bias, into act.Output.
func (l *MLP[T]) Forward(ctx context.Context, input *tensor.Tensor[T], w *MLPWeights[T], act *MLPActivations[T]) error {
	return l.run(ctx, workspace.Forward, func(lease *workspace.Lease) error {
		c := newChecker("mlp forward", l.ops)
		batch, seq := c.input("input", input, l.cfg, l.cfg.HiddenSize)
		l.checkWeights(c, w)
		act.check(c, l.cfg, batch, seq)
		if c.err != nil {
			return c.err
		}

		st := mlpState[T]{geluInput: act.GeluInput.Data(), geluOutput: data(act.GeluOutput)}
		l.block.forward(lease, l.layout(batch, seq), input.Data(), w.params(), st, act.Output.Data())
		return nil
	})
}

// Backward computes the input and weight gradients from gradOutput
// [B, L, H] and the activations of the matching forward.
func (l *MLP[T]) Backward(ctx context.Context, gradOutput, input *tensor.Tensor[T], w *MLPWeights[T],
	act *MLPActivations[T], grads *MLPGrads[T],
) error {
	const op = "mlp backward"
	if err := l.checkBackward(op); err != nil {
		return err
	}
	return l.run(ctx, workspace.Backward, func(lease *workspace.Lease) error {
		c := newChecker(op, l.ops)
		batch, seq := c.input("input", input, l.cfg, l.cfg.HiddenSize)
		c.tensor("grad output", gradOutput, batch, seq, l.cfg.HiddenSize)
		l.checkWeights(c, w)
		act.check(c, l.cfg, batch, seq)
		if grads == nil {
			c.fail("grads", "missing")
		} else {
			c.tensor("grad input", grads.Input, batch, seq, l.cfg.HiddenSize)
			checkMLPParams(c, "grad ", &MLPWeights[T]{InterW: grads.InterW, InterB: grads.InterB, OutW: grads.OutW}, l.cfg)
		}
		if c.err != nil {
			return c.err
		}

		st := mlpState[T]{geluInput: act.GeluInput.Data(), geluOutput: data(act.GeluOutput)}
		l.block.backward(lease, l.layout(batch, seq), gradOutput.Data(), input.Data(), w.params(), st, mlpGrads[T]{
			interW: grads.InterW.Data(), interB: grads.InterB.Data(), outW: grads.OutW.Data(),
		}, grads.Input.Data())
		return nil
	})
}

// String describes the layer.
func (l *MLP[T]) String() string {
	return fmt.Sprintf("MLP(hidden=%d, intermediate=%d, dtype=%s)", l.cfg.HiddenSize, l.cfg.IntermediateSize, l.DataType())
}
