package nn

import (
	"context"
	"fmt"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// transformerParamNames are the weight names, in the order of
// TransformerWeights.Parameters.
var transformerParamNames = []string{
	"attn_qkvw", "attn_qkvb", "attn_ow", "attn_ob", "attn_nw", "attn_nb",
	"inter_w", "inter_b", "output_w", "output_b", "norm_w", "norm_b",
}

// TransformerWeights are the parameters of one encoder layer. H is the hidden
// size and I the intermediate size.
type TransformerWeights[T tensor.Float] struct {
	QKVW      *tensor.Tensor[T] // [3H, H]
	QKVB      *tensor.Tensor[T] // [3H]
	AttnOutW  *tensor.Tensor[T] // [H, H]
	AttnOutB  *tensor.Tensor[T] // [H]
	AttnNormW *tensor.Tensor[T] // [H]
	AttnNormB *tensor.Tensor[T] // [H]
	InterW    *tensor.Tensor[T] // [I, H]
	InterB    *tensor.Tensor[T] // [I]
	OutputW   *tensor.Tensor[T] // [H, I]
	OutputB   *tensor.Tensor[T] // [H]
	NormW     *tensor.Tensor[T] // [H]
	NormB     *tensor.Tensor[T] // [H]
}

// NewTransformerWeights allocates zero weights for cfg.
func NewTransformerWeights[T tensor.Float](cfg LayerConfig) *TransformerWeights[T] {
	h, i := cfg.HiddenSize, cfg.IntermediateSize
	return &TransformerWeights[T]{
		QKVW:      tensor.Zeros[T](tensor.Shape{3 * h, h}),
		QKVB:      tensor.Zeros[T](tensor.Shape{3 * h}),
		AttnOutW:  tensor.Zeros[T](tensor.Shape{h, h}),
		AttnOutB:  tensor.Zeros[T](tensor.Shape{h}),
		AttnNormW: tensor.Zeros[T](tensor.Shape{h}),
		AttnNormB: tensor.Zeros[T](tensor.Shape{h}),
		InterW:    tensor.Zeros[T](tensor.Shape{i, h}),
		InterB:    tensor.Zeros[T](tensor.Shape{i}),
		OutputW:   tensor.Zeros[T](tensor.Shape{h, i}),
		OutputB:   tensor.Zeros[T](tensor.Shape{h}),
		NormW:     tensor.Zeros[T](tensor.Shape{h}),
		NormB:     tensor.Zeros[T](tensor.Shape{h}),
	}
}

func (w *TransformerWeights[T]) list() []*tensor.Tensor[T] {
	return []*tensor.Tensor[T]{
		w.QKVW, w.QKVB, w.AttnOutW, w.AttnOutB, w.AttnNormW, w.AttnNormB,
		w.InterW, w.InterB, w.OutputW, w.OutputB, w.NormW, w.NormB,
	}
}

// Parameters lists the weights by name, paired with their gradients in g.
// g may be nil.
func (w *TransformerWeights[T]) Parameters(g *TransformerGrads[T]) []*Parameter[T] {
	var grads []*tensor.Tensor[T]
	if g != nil {
		grads = g.params().list()
	}
	return parameters(transformerParamNames, w.list(), grads)
}

func (w *TransformerWeights[T]) check(c *checker[T], cfg LayerConfig) {
	if w == nil {
		c.fail("weights", "missing")
		return
	}
	checkTransformerParams(c, "", w, cfg)
}

func checkTransformerParams[T tensor.Float](c *checker[T], prefix string, w *TransformerWeights[T], cfg LayerConfig) {
	h, i := cfg.HiddenSize, cfg.IntermediateSize
	c.tensor(prefix+"attn_qkvw", w.QKVW, 3*h, h)
	c.tensor(prefix+"attn_qkvb", w.QKVB, 3*h)
	c.tensor(prefix+"attn_ow", w.AttnOutW, h, h)
	c.tensor(prefix+"attn_ob", w.AttnOutB, h)
	c.tensor(prefix+"attn_nw", w.AttnNormW, h)
	c.tensor(prefix+"attn_nb", w.AttnNormB, h)
	c.tensor(prefix+"inter_w", w.InterW, i, h)
	c.tensor(prefix+"inter_b", w.InterB, i)
	c.tensor(prefix+"output_w", w.OutputW, h, i)
	c.tensor(prefix+"output_b", w.OutputB, h)
	c.tensor(prefix+"norm_w", w.NormW, h)
	c.tensor(prefix+"norm_b", w.NormB, h)
}

// TransformerGrads receive the gradients of one encoder backward. Every
// tensor is overwritten, never accumulated into.
type TransformerGrads[T tensor.Float] struct {
	Input *tensor.Tensor[T] // [B, L, H]

	QKVW      *tensor.Tensor[T]
	QKVB      *tensor.Tensor[T]
	AttnOutW  *tensor.Tensor[T]
	AttnOutB  *tensor.Tensor[T]
	AttnNormW *tensor.Tensor[T]
	AttnNormB *tensor.Tensor[T]
	InterW    *tensor.Tensor[T]
	InterB    *tensor.Tensor[T]
	OutputW   *tensor.Tensor[T]
	OutputB   *tensor.Tensor[T]
	NormW     *tensor.Tensor[T]
	NormB     *tensor.Tensor[T]
}

// NewTransformerGrads allocates gradients for a call with the given batch
// and sequence length.
func NewTransformerGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *TransformerGrads[T] {
	w := NewTransformerWeights[T](cfg)
	return &TransformerGrads[T]{
		Input:     tensor.Zeros[T](tensor.Shape{batch, seq, cfg.HiddenSize}),
		QKVW:      w.QKVW,
		QKVB:      w.QKVB,
		AttnOutW:  w.AttnOutW,
		AttnOutB:  w.AttnOutB,
		AttnNormW: w.AttnNormW,
		AttnNormB: w.AttnNormB,
		InterW:    w.InterW,
		InterB:    w.InterB,
		OutputW:   w.OutputW,
		OutputB:   w.OutputB,
		NormW:     w.NormW,
		NormB:     w.NormB,
	}
}

// params returns the parameter gradients shaped as weights.
func (g *TransformerGrads[T]) params() *TransformerWeights[T] {
	return &TransformerWeights[T]{
		QKVW: g.QKVW, QKVB: g.QKVB, AttnOutW: g.AttnOutW, AttnOutB: g.AttnOutB,
		AttnNormW: g.AttnNormW, AttnNormB: g.AttnNormB, InterW: g.InterW, InterB: g.InterB,
		OutputW: g.OutputW, OutputB: g.OutputB, NormW: g.NormW, NormB: g.NormB,
	}
}

// TransformerActivations are the tensors a forward persists for the matching
// backward. Which ones are required depends on the layer flags; the rest may
// be nil. N is the head count and D the head width.
type TransformerActivations[T tensor.Float] struct {
	Output *tensor.Tensor[T] // [B, L, H]

	// InputNorm is the normalized input for pre-norm layers and the input of
	// the final normalization for post-norm layers. Unused by post-norm
	// invertible layers.
	InputNorm *tensor.Tensor[T] // [B, L, H]

	QKV          *tensor.Tensor[T] // [3, B, N, L, D]
	Softmax      *tensor.Tensor[T] // [B, N, L, L]
	AttnProbs    *tensor.Tensor[T] // [B, N, L, L], unless attention dropout is checkpointed
	AttnOutInput *tensor.Tensor[T] // [B, L, H]
	AddResidual  *tensor.Tensor[T] // [B, L, H], unless normalization is invertible
	FF1Input     *tensor.Tensor[T] // [B, L, H]
	GeluInput    *tensor.Tensor[T] // [B, L, I]
	GeluOutput   *tensor.Tensor[T] // [B, L, I], unless GELU is checkpointed

	// NormStats belong to the first (pre-norm) or last (post-norm)
	// normalization, AttnNormStats to the one after attention.
	NormStats     backend.NormStats
	AttnNormStats backend.NormStats
}

// required reports which optional activations cfg needs.
func transformerNeeds(cfg LayerConfig) (inputNorm, attnProbs, addResidual, geluOutput bool) {
	inputNorm = cfg.PreLayerNorm || !cfg.NormalizeInvertible
	return inputNorm, !cfg.AttnDropoutCheckpoint, !cfg.NormalizeInvertible, !cfg.GeluCheckpoint
}

// NewTransformerActivations allocates the activations a layer built for cfg
// persists for a call with the given batch and sequence length.
func NewTransformerActivations[T tensor.Float](cfg LayerConfig, batch, seq int) *TransformerActivations[T] {
	h, i, n := cfg.HiddenSize, cfg.IntermediateSize, cfg.Heads
	hidden := tensor.Shape{batch, seq, h}
	scores := tensor.Shape{batch, n, seq, seq}
	inputNorm, attnProbs, addResidual, geluOutput := transformerNeeds(cfg)

	act := &TransformerActivations[T]{
		Output:        tensor.Zeros[T](hidden),
		QKV:           tensor.Zeros[T](tensor.Shape{3, batch, n, seq, h / n}),
		Softmax:       tensor.Zeros[T](scores),
		AttnOutInput:  tensor.Zeros[T](hidden),
		FF1Input:      tensor.Zeros[T](hidden),
		GeluInput:     tensor.Zeros[T](tensor.Shape{batch, seq, i}),
		NormStats:     backend.NewNormStats(batch*seq, cfg.NormalizeInvertible),
		AttnNormStats: backend.NewNormStats(batch*seq, cfg.NormalizeInvertible),
	}
	if inputNorm {
		act.InputNorm = tensor.Zeros[T](hidden)
	}
	if attnProbs {
		act.AttnProbs = tensor.Zeros[T](scores)
	}
	if addResidual {
		act.AddResidual = tensor.Zeros[T](hidden)
	}
	if geluOutput {
		act.GeluOutput = tensor.Zeros[T](tensor.Shape{batch, seq, i})
	}
	return act
}

func (a *TransformerActivations[T]) check(c *checker[T], cfg LayerConfig, batch, seq int) {
	if a == nil {
		c.fail("activations", "missing")
		return
	}
	h, i, n := cfg.HiddenSize, cfg.IntermediateSize, cfg.Heads
	inputNorm, attnProbs, addResidual, geluOutput := transformerNeeds(cfg)

	c.tensor("output", a.Output, batch, seq, h)
	if inputNorm {
		c.tensor("input_norm", a.InputNorm, batch, seq, h)
	}
	c.tensor("qkv", a.QKV, 3, batch, n, seq, h/n)
	c.tensor("softmax", a.Softmax, batch, n, seq, seq)
	if attnProbs {
		c.tensor("attn_probs", a.AttnProbs, batch, n, seq, seq)
	}
	c.tensor("attn_output_input", a.AttnOutInput, batch, seq, h)
	if addResidual {
		c.tensor("add_residual", a.AddResidual, batch, seq, h)
	}
	c.tensor("ff1_input", a.FF1Input, batch, seq, h)
	c.tensor("gelu_input", a.GeluInput, batch, seq, i)
	if geluOutput {
		c.tensor("gelu_output", a.GeluOutput, batch, seq, i)
	}
	c.stats("norm_stats", a.NormStats, batch*seq, cfg.NormalizeInvertible)
	c.stats("attn_norm_stats", a.AttnNormStats, batch*seq, cfg.NormalizeInvertible)
}

func (g *TransformerGrads[T]) check(c *checker[T], cfg LayerConfig, batch, seq int) {
	if g == nil {
		c.fail("grads", "missing")
		return
	}
	c.tensor("grad input", g.Input, batch, seq, cfg.HiddenSize)
	checkTransformerParams(c, "grad ", g.params(), cfg)
}

// variantStats returns the statistics of rows rows in the form that selects
// the configured normalization variant.
func variantStats(s backend.NormStats, rows int, invertible bool) backend.NormStats {
	out := backend.NormStats{InvStd: s.InvStd[:rows]}
	if !invertible {
		out.Mean = s.Mean[:rows]
	}
	return out
}

// TransformerLayer is the fused encoder layer: multi-head self-attention and
// a position-wise feed-forward network, each followed by bias, dropout and a
// residual connection.
//
// Architecture (Post-Norm, the default):
//
//	x → Attention → +x → Norm → MLP → + → Norm → output
//	                          └────────┘
//
// Architecture (Pre-Norm):
//
//	x → Norm → Attention → +x → Norm → MLP → + → output
//	                       └─────────────────┘
//
// Every intermediate that the backward pass does not need lives in the
// shared workspace arena, at offsets given by workspace.Layout. Forward and
// backward each hold the arena lease for their whole duration.
//
// Checkpointing:
//   - AttnDropoutCheckpoint: the post-dropout attention probabilities are
//     not persisted; backward replays the bound mask over the softmax.
//   - GeluCheckpoint: the GELU output is not persisted; backward recomputes
//     it from the GELU input.
//
// Example:
//
//	arena := workspace.NewArena()
//	layer, err := nn.NewTransformerLayer(ctx, cfg, cpu.New[float32](), arena)
//	act := nn.NewTransformerActivations[float32](cfg, batch, seq)
//	err = layer.Forward(ctx, input, mask, weights, act)
//	grads := nn.NewTransformerGrads[float32](cfg, batch, seq)
//	err = layer.Backward(ctx, gradOutput, input, weights, act, grads)
type TransformerLayer[T tensor.Float] struct {
	base[T]
	attn attentionBlock[T]
	mlp  mlpBlock[T]
}

// Dropout mask slots of the transformer layer.
const (
	maskAttnProbs = iota
	maskAttnOutput
	maskLayerOutput
)

// NewTransformerLayer validates cfg, grows arena for it and returns the
// layer.
func NewTransformerLayer[T tensor.Float](ctx context.Context, cfg LayerConfig, ops backend.Ops[T], arena *workspace.Arena) (*TransformerLayer[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.validateAttention(); err != nil {
		return nil, err
	}
	if err := cfg.validateMLP(); err != nil {
		return nil, err
	}
	if cfg.AttentionSize != 0 && cfg.AttentionSize != cfg.HiddenSize {
		return nil, &ConfigError{Field: "attention size", Reason: "the encoder layer attends over the hidden size"}
	}

	l := &TransformerLayer[T]{attn: attentionBlock[T]{ops: ops}, mlp: mlpBlock[T]{ops: ops}}
	l.init(KindTransformer, cfg, ops, arena, 3)
	l.plan = workspace.NewTransformerPlan(cfg.Flags())
	if err := l.reserve(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// DropoutMaskSizes returns the attention probability, attention output and
// layer output mask lengths.
func (l *TransformerLayer[T]) DropoutMaskSizes(batch, seq int) []int {
	tokens := batch * seq * l.cfg.HiddenSize
	return []int{batch * l.cfg.Heads * seq * seq, tokens, tokens}
}

func (l *TransformerLayer[T]) checkMasks(c *checker[T], batch, seq int, attn, hidden backend.DropoutConfig) {
	sizes := l.DropoutMaskSizes(batch, seq)
	c.mask("attention probability mask", l.mask(maskAttnProbs), sizes[maskAttnProbs], attn)
	c.mask("attention output mask", l.mask(maskAttnOutput), sizes[maskAttnOutput], hidden)
	c.mask("layer output mask", l.mask(maskLayerOutput), sizes[maskLayerOutput], hidden)
}

func (l *TransformerLayer[T]) attentionParams(w *TransformerWeights[T]) attentionParams[T] {
	return attentionParams[T]{qkvW: w.QKVW.Data(), qkvB: w.QKVB.Data(), outW: w.AttnOutW.Data()}
}

func (l *TransformerLayer[T]) attentionState(act *TransformerActivations[T]) attentionState[T] {
	return attentionState[T]{
		qkv:      act.QKV.Data(),
		softmax:  act.Softmax.Data(),
		probs:    data(act.AttnProbs),
		outInput: act.AttnOutInput.Data(),
	}
}

func (l *TransformerLayer[T]) mlpParams(w *TransformerWeights[T]) mlpParams[T] {
	return mlpParams[T]{interW: w.InterW.Data(), interB: w.InterB.Data(), outW: w.OutputW.Data()}
}

func (l *TransformerLayer[T]) mlpState(act *TransformerActivations[T]) mlpState[T] {
	return mlpState[T]{geluInput: act.GeluInput.Data(), geluOutput: data(act.GeluOutput)}
}

// Forward runs the layer over input [B, L, H] and writes the output and
// every activation backward needs into act. mask is an optional additive
// attention mask [B, L]. B and L may be smaller than the configured batch
// size and sequence length.
func (l *TransformerLayer[T]) Forward(ctx context.Context, input, mask *tensor.Tensor[T], w *TransformerWeights[T], act *TransformerActivations[T]) error {
	return l.run(ctx, workspace.Forward, func(lease *workspace.Lease) error {
		c := newChecker("transformer forward", l.ops)
		batch, seq := c.input("input", input, l.cfg, l.cfg.HiddenSize)
		c.optional("mask", mask, batch, seq)
		w.check(c, l.cfg)
		act.check(c, l.cfg, batch, seq)
		attnDrop, hiddenDrop := l.dropout(l.cfg.AttnDropoutRatio), l.dropout(l.cfg.HiddenDropoutRatio)
		l.checkMasks(c, batch, seq, attnDrop, hiddenDrop)
		if c.err != nil {
			return c.err
		}

		l.forward(lease, l.layout(batch, seq), input.Data(), data(mask), w, act, attnDrop, hiddenDrop)
		return nil
	})
}

func (l *TransformerLayer[T]) forward(lease *workspace.Lease, lay workspace.Layout, x, mask []T,
	w *TransformerWeights[T], act *TransformerActivations[T], attnDrop, hiddenDrop backend.DropoutConfig,
) {
	ops := l.ops
	rows, hidden, eps := lay.Dims().Tokens(), l.cfg.HiddenSize, l.cfg.Eps()
	invertible := l.cfg.NormalizeInvertible
	normStats := variantStats(act.NormStats, rows, invertible)
	attnNormStats := variantStats(act.AttnNormStats, rows, invertible)
	out := act.Output.Data()
	ff1Input := act.FF1Input.Data()

	src := x
	if l.plan.Has(workspace.StagePreNorm) {
		src = act.InputNorm.Data()
		ops.LayerNorm(src, x, w.NormW.Data(), w.NormB.Data(), normStats, rows, hidden, eps)
	}

	attnOut := workspace.View[T](lease, lay.AttnOut)
	l.attn.forward(lease, lay, src, mask, l.attentionParams(w), l.attentionState(act),
		l.mask(maskAttnProbs), attnDrop, attnOut)

	addResidual := data(act.AddResidual)
	if lay.AddResidual.Used() {
		addResidual = workspace.View[T](lease, lay.AddResidual)
	}
	ops.DropoutBiasResidual(addResidual, attnOut, w.AttnOutB.Data(), x, l.mask(maskAttnOutput), rows, hidden, hiddenDrop)
	ops.LayerNorm(ff1Input, addResidual, w.AttnNormW.Data(), w.AttnNormB.Data(), attnNormStats, rows, hidden, eps)

	// FF2 writes into the output, which OutResidual then finishes in place
	// (pre-norm) or reads from (post-norm).
	l.mlp.forward(lease, lay, ff1Input, l.mlpParams(w), l.mlpState(act), out)

	if !l.plan.Has(workspace.StagePostNorm) {
		ops.DropoutBiasResidual(out, out, w.OutputB.Data(), addResidual, l.mask(maskLayerOutput), rows, hidden, hiddenDrop)
		return
	}
	sum := data(act.InputNorm)
	if lay.ResidualSum.Used() {
		sum = workspace.View[T](lease, lay.ResidualSum)
	}
	ops.DropoutBiasResidual(sum, out, w.OutputB.Data(), ff1Input, l.mask(maskLayerOutput), rows, hidden, hiddenDrop)
	ops.LayerNorm(out, sum, w.NormW.Data(), w.NormB.Data(), normStats, rows, hidden, eps)
}

// Backward computes the gradients of the layer from gradOutput [B, L, H]
// and the activations of the matching forward, which must have run over the
// same input with the same weights and bound masks.
func (l *TransformerLayer[T]) Backward(ctx context.Context, gradOutput, input *tensor.Tensor[T], w *TransformerWeights[T],
	act *TransformerActivations[T], grads *TransformerGrads[T],
) error {
	const op = "transformer backward"
	if err := l.checkBackward(op); err != nil {
		return err
	}
	return l.run(ctx, workspace.Backward, func(lease *workspace.Lease) error {
		c := newChecker(op, l.ops)
		batch, seq := c.input("input", input, l.cfg, l.cfg.HiddenSize)
		c.tensor("grad output", gradOutput, batch, seq, l.cfg.HiddenSize)
		w.check(c, l.cfg)
		act.check(c, l.cfg, batch, seq)
		grads.check(c, l.cfg, batch, seq)
		attnDrop, hiddenDrop := l.replay(l.cfg.AttnDropoutRatio), l.replay(l.cfg.HiddenDropoutRatio)
		l.checkMasks(c, batch, seq, attnDrop, hiddenDrop)
		if c.err != nil {
			return c.err
		}

		l.backward(lease, l.layout(batch, seq), gradOutput.Data(), input.Data(), w, act, grads, attnDrop, hiddenDrop)
		return nil
	})
}

func (l *TransformerLayer[T]) backward(lease *workspace.Lease, lay workspace.Layout, dy, x []T, w *TransformerWeights[T],
	act *TransformerActivations[T], g *TransformerGrads[T], attnDrop, hiddenDrop backend.DropoutConfig,
) {
	ops := l.ops
	rows, hidden := lay.Dims().Tokens(), l.cfg.HiddenSize
	invertible := l.cfg.NormalizeInvertible
	normStats := variantStats(act.NormStats, rows, invertible)
	attnNormStats := variantStats(act.AttnNormStats, rows, invertible)
	ff1Input := act.FF1Input.Data()
	dx := g.Input.Data()

	// The invertible variant differentiates through its output.
	attnNormX := data(act.AddResidual)
	if invertible {
		attnNormX = ff1Input
	}

	gradOut := dy
	if l.plan.Has(workspace.StagePostNorm) {
		postNormX := data(act.InputNorm)
		if invertible {
			postNormX = act.Output.Data()
		}
		gradOut = workspace.View[T](lease, lay.PostNormGrad)
		ops.LayerNormBackward(gradOut, g.NormW.Data(), g.NormB.Data(), dy, postNormX,
			w.NormW.Data(), w.NormB.Data(), nil, normStats, rows, hidden)
	}

	layerGrad := workspace.View[T](lease, lay.LayerGrad)
	ops.DropoutBackward(layerGrad, gradOut, l.mask(maskLayerOutput), hiddenDrop)

	ff1InputGrad := workspace.View[T](lease, lay.FF1InputGrad)
	l.mlp.backward(lease, lay, layerGrad, ff1Input, l.mlpParams(w), l.mlpState(act), mlpGrads[T]{
		interW: g.InterW.Data(), interB: g.InterB.Data(), outW: g.OutputW.Data(), outB: g.OutputB.Data(),
	}, ff1InputGrad)

	attnResidualGrad := workspace.View[T](lease, lay.AttnResidualGrad)
	if l.plan.Has(workspace.StagePreNorm) {
		// The layer output adds the attention residual directly.
		ops.LayerNormBackward(attnResidualGrad, g.AttnNormW.Data(), g.AttnNormB.Data(), ff1InputGrad, attnNormX,
			w.AttnNormW.Data(), w.AttnNormB.Data(), dy, attnNormStats, rows, hidden)
	} else {
		// The MLP input is also the residual of the final sum.
		sum := workspace.View[T](lease, lay.FF1GradSum)
		ops.Add(sum, ff1InputGrad, gradOut)
		ops.LayerNormBackward(attnResidualGrad, g.AttnNormW.Data(), g.AttnNormB.Data(), sum, attnNormX,
			w.AttnNormW.Data(), w.AttnNormB.Data(), nil, attnNormStats, rows, hidden)
	}

	attnDropoutGrad := workspace.View[T](lease, lay.AttnDropoutGrad)
	ops.DropoutBackward(attnDropoutGrad, attnResidualGrad, l.mask(maskAttnOutput), hiddenDrop)

	src := x
	if l.plan.Has(workspace.StagePreNorm) {
		src = act.InputNorm.Data()
	}
	srcGrad := workspace.View[T](lease, lay.InputNormGrad)
	l.attn.backward(lease, lay, attnDropoutGrad, src, l.attentionParams(w), l.attentionState(act),
		l.mask(maskAttnProbs), attnDrop, attentionGrads[T]{
			qkvW: g.QKVW.Data(), qkvB: g.QKVB.Data(), outW: g.AttnOutW.Data(), outB: g.AttnOutB.Data(),
		}, srcGrad)

	if !l.plan.Has(workspace.StagePreNorm) {
		ops.Add(dx, srcGrad, attnResidualGrad)
		return
	}
	preNormX := x
	if invertible {
		preNormX = act.InputNorm.Data()
	}
	ops.LayerNormBackward(dx, g.NormW.Data(), g.NormB.Data(), srcGrad, preNormX,
		w.NormW.Data(), w.NormB.Data(), attnResidualGrad, normStats, rows, hidden)
}

// String describes the layer.
func (l *TransformerLayer[T]) String() string {
	return fmt.Sprintf("TransformerLayer(hidden=%d, heads=%d, intermediate=%d, pre_norm=%t, dtype=%s)",
		l.cfg.HiddenSize, l.cfg.Heads, l.cfg.IntermediateSize, l.cfg.PreLayerNorm, l.DataType())
}
