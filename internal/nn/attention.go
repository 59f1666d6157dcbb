package nn

import (
	"context"
	"fmt"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

var attentionParamNames = []string{"attn_qkvw", "attn_qkvb", "attn_ow"}

// AttentionWeights are the parameters of a self-attention block. H is the
// hidden size and A the attention width. The output projection has no bias:
// the bias+residual+dropout block that follows owns it.
type AttentionWeights[T tensor.Float] struct {
	QKVW *tensor.Tensor[T] // [3A, H]
	QKVB *tensor.Tensor[T] // [3A]
	OutW *tensor.Tensor[T] // [H, A]
}

// NewAttentionWeights allocates zero weights for cfg.
func NewAttentionWeights[T tensor.Float](cfg LayerConfig) *AttentionWeights[T] {
	h, a := cfg.HiddenSize, cfg.AttnSize()
	return &AttentionWeights[T]{
		QKVW: tensor.Zeros[T](tensor.Shape{3 * a, h}),
		QKVB: tensor.Zeros[T](tensor.Shape{3 * a}),
		OutW: tensor.Zeros[T](tensor.Shape{h, a}),
	}
}

// Parameters lists the weights by name, paired with their gradients in g.
// g may be nil.
func (w *AttentionWeights[T]) Parameters(g *AttentionGrads[T]) []*Parameter[T] {
	var grads []*tensor.Tensor[T]
	if g != nil {
		grads = []*tensor.Tensor[T]{g.QKVW, g.QKVB, g.OutW}
	}
	return parameters(attentionParamNames, []*tensor.Tensor[T]{w.QKVW, w.QKVB, w.OutW}, grads)
}

func checkAttentionParams[T tensor.Float](c *checker[T], prefix string, w *AttentionWeights[T], cfg LayerConfig) {
	h, a := cfg.HiddenSize, cfg.AttnSize()
	c.tensor(prefix+"attn_qkvw", w.QKVW, 3*a, h)
	c.tensor(prefix+"attn_qkvb", w.QKVB, 3*a)
	c.tensor(prefix+"attn_ow", w.OutW, h, a)
}

// AttentionGrads receive the gradients of a self-attention backward.
type AttentionGrads[T tensor.Float] struct {
	Input *tensor.Tensor[T] // [B, L, H]
	QKVW  *tensor.Tensor[T]
	QKVB  *tensor.Tensor[T]
	OutW  *tensor.Tensor[T]
}

// NewAttentionGrads allocates gradients for a call with the given batch and
// sequence length.
func NewAttentionGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *AttentionGrads[T] {
	w := NewAttentionWeights[T](cfg)
	return &AttentionGrads[T]{
		Input: tensor.Zeros[T](tensor.Shape{batch, seq, cfg.HiddenSize}),
		QKVW:  w.QKVW,
		QKVB:  w.QKVB,
		OutW:  w.OutW,
	}
}

// AttentionActivations are the tensors a self-attention forward persists.
type AttentionActivations[T tensor.Float] struct {
	Output       *tensor.Tensor[T] // [B, L, H]
	QKV          *tensor.Tensor[T] // [3, B, N, L, D]
	Softmax      *tensor.Tensor[T] // [B, N, L, L]
	AttnProbs    *tensor.Tensor[T] // [B, N, L, L], unless attention dropout is checkpointed
	AttnOutInput *tensor.Tensor[T] // [B, L, A]
}

// NewAttentionActivations allocates the activations for a call with the
// given batch and sequence length.
func NewAttentionActivations[T tensor.Float](cfg LayerConfig, batch, seq int) *AttentionActivations[T] {
	n := cfg.Heads
	scores := tensor.Shape{batch, n, seq, seq}
	act := &AttentionActivations[T]{
		Output:       tensor.Zeros[T](tensor.Shape{batch, seq, cfg.HiddenSize}),
		QKV:          tensor.Zeros[T](tensor.Shape{3, batch, n, seq, cfg.HeadDim()}),
		Softmax:      tensor.Zeros[T](scores),
		AttnOutInput: tensor.Zeros[T](tensor.Shape{batch, seq, cfg.AttnSize()}),
	}
	if !cfg.AttnDropoutCheckpoint {
		act.AttnProbs = tensor.Zeros[T](scores)
	}
	return act
}

func (a *AttentionActivations[T]) check(c *checker[T], cfg LayerConfig, batch, seq int) {
	if a == nil {
		c.fail("activations", "missing")
		return
	}
	n := cfg.Heads
	c.tensor("output", a.Output, batch, seq, cfg.HiddenSize)
	c.tensor("qkv", a.QKV, 3, batch, n, seq, cfg.HeadDim())
	c.tensor("softmax", a.Softmax, batch, n, seq, seq)
	if !cfg.AttnDropoutCheckpoint {
		c.tensor("attn_probs", a.AttnProbs, batch, n, seq, seq)
	}
	c.tensor("attn_output_input", a.AttnOutInput, batch, seq, cfg.AttnSize())
}

func (a *AttentionActivations[T]) state() attentionState[T] {
	return attentionState[T]{
		qkv:      a.QKV.Data(),
		softmax:  a.Softmax.Data(),
		probs:    data(a.AttnProbs),
		outInput: a.AttnOutInput.Data(),
	}
}

// SelfAttention is the attention block of the encoder layer on its own:
// QKV projection, scaled dot-product attention with an optional additive
// mask and attention dropout, and the output projection.
//
// It uses three small arena regions instead of four, since it keeps no
// residual gradient. Only AttnDropoutCheckpoint applies.
type SelfAttention[T tensor.Float] struct {
	base[T]
	block attentionBlock[T]
}

// NewSelfAttention validates cfg, grows arena for it and returns the layer.
func NewSelfAttention[T tensor.Float](ctx context.Context, cfg LayerConfig, ops backend.Ops[T], arena *workspace.Arena) (*SelfAttention[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.validateAttention(); err != nil {
		return nil, err
	}
	l := &SelfAttention[T]{block: attentionBlock[T]{ops: ops}}
	l.init(KindSelfAttention, cfg, ops, arena, 1)
	l.plan = workspace.NewAttentionPlan(cfg.Flags())
	if err := l.reserve(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// DropoutMaskSizes returns the attention probability mask length.
func (l *SelfAttention[T]) DropoutMaskSizes(batch, seq int) []int {
	return []int{batch * l.cfg.Heads * seq * seq}
}

func (l *SelfAttention[T]) check(c *checker[T], input *tensor.Tensor[T], w *AttentionWeights[T], drop backend.DropoutConfig) (batch, seq int) {
	batch, seq = c.input("input", input, l.cfg, l.cfg.HiddenSize)
	if w == nil {
		c.fail("weights", "missing")
	} else {
		checkAttentionParams(c, "", w, l.cfg)
	}
	c.mask("attention probability mask", l.mask(0), l.DropoutMaskSizes(batch, seq)[0], drop)
	return batch, seq
}

// Forward runs attention over input [B, L, H] and writes the projected
// output, without bias, into act.Output. mask is an optional additive
// attention mask [B, L].
func (l *SelfAttention[T]) Forward(ctx context.Context, input, mask *tensor.Tensor[T], w *AttentionWeights[T], act *AttentionActivations[T]) error {
	return l.run(ctx, workspace.Forward, func(lease *workspace.Lease) error {
		c := newChecker("self attention forward", l.ops)
		drop := l.dropout(l.cfg.AttnDropoutRatio)
		batch, seq := l.check(c, input, w, drop)
		c.optional("mask", mask, batch, seq)
		act.check(c, l.cfg, batch, seq)
		if c.err != nil {
			return c.err
		}

		params := attentionParams[T]{qkvW: w.QKVW.Data(), qkvB: w.QKVB.Data(), outW: w.OutW.Data()}
		l.block.forward(lease, l.layout(batch, seq), input.Data(), data(mask), params, act.state(),
			l.mask(0), drop, act.Output.Data())
		return nil
	})
}

// Backward computes the input and weight gradients from gradOutput
// [B, L, H] and the activations of the matching forward.
func (l *SelfAttention[T]) Backward(ctx context.Context, gradOutput, input *tensor.Tensor[T], w *AttentionWeights[T],
	act *AttentionActivations[T], grads *AttentionGrads[T],
) error {
	const op = "self attention backward"
	if err := l.checkBackward(op); err != nil {
		return err
	}
	return l.run(ctx, workspace.Backward, func(lease *workspace.Lease) error {
		c := newChecker(op, l.ops)
		drop := l.replay(l.cfg.AttnDropoutRatio)
		batch, seq := l.check(c, input, w, drop)
		c.tensor("grad output", gradOutput, batch, seq, l.cfg.HiddenSize)
		act.check(c, l.cfg, batch, seq)
		if grads == nil {
			c.fail("grads", "missing")
		} else {
			c.tensor("grad input", grads.Input, batch, seq, l.cfg.HiddenSize)
			checkAttentionParams(c, "grad ", &AttentionWeights[T]{QKVW: grads.QKVW, QKVB: grads.QKVB, OutW: grads.OutW}, l.cfg)
		}
		if c.err != nil {
			return c.err
		}

		params := attentionParams[T]{qkvW: w.QKVW.Data(), qkvB: w.QKVB.Data(), outW: w.OutW.Data()}
		l.block.backward(lease, l.layout(batch, seq), gradOutput.Data(), input.Data(), params, act.state(),
			l.mask(0), drop, attentionGrads[T]{
				qkvW: grads.QKVW.Data(), qkvB: grads.QKVB.Data(), outW: grads.OutW.Data(),
			}, grads.Input.Data())
		return nil
	})
}

// String describes the layer.
func (l *SelfAttention[T]) String() string {
	return fmt.Sprintf("SelfAttention(hidden=%d, attention=%d, heads=%d, dtype=%s)",
		l.cfg.HiddenSize, l.cfg.AttnSize(), l.cfg.Heads, l.DataType())
}
