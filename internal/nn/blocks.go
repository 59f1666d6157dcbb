package nn

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/metrics"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// attentionParams are the weights the attention stages read.
type attentionParams[T tensor.Float] struct {
	qkvW, qkvB, outW []T
}

// attentionGrads receive the attention weight gradients. outB may be nil.
type attentionGrads[T tensor.Float] struct {
	qkvW, qkvB, outW, outB []T
}

// attentionState is the part of the persisted activations the attention
// stages produce and consume. probs is nil when it is checkpointed.
type attentionState[T tensor.Float] struct {
	qkv, softmax, probs, outInput []T
}

// attentionBlock sequences the QKV through AttnOut stages. It is shared by
// the transformer layer and the self-attention layer.
type attentionBlock[T tensor.Float] struct {
	ops backend.Ops[T]
}

// scoresGemm is Q * K^T / sqrt(headDim) for every (batch, head).
func scoresGemm(d workspace.Dims) backend.GemmConfig {
	hd := d.AttentionSize() / d.Heads
	return backend.GemmConfig{
		Batch:  d.Batch * d.Heads,
		M:      d.Seq,
		N:      d.Seq,
		K:      hd,
		Alpha:  1 / math32.Sqrt(float32(hd)),
		TransB: true,
	}
}

// contextGemm is probs * V for every (batch, head).
func contextGemm(d workspace.Dims) backend.GemmConfig {
	return backend.GemmConfig{
		Batch: d.Batch * d.Heads,
		M:     d.Seq,
		N:     d.AttentionSize() / d.Heads,
		K:     d.Seq,
		Alpha: 1,
	}
}

// splitQKV returns the Q, K and V parts of a [3, B, N, L, D] buffer.
func splitQKV[T tensor.Float](qkv []T) (q, k, v []T) {
	n := len(qkv) / 3
	return qkv[:n], qkv[n : 2*n], qkv[2*n:]
}

// forward writes the attention output projection of src, without bias,
// into out. mask may be nil.
func (a attentionBlock[T]) forward(lease *workspace.Lease, lay workspace.Layout, src, mask []T,
	w attentionParams[T], st attentionState[T], probsMask []uint8, drop backend.DropoutConfig, out []T,
) {
	d := lay.Dims()
	rows, width := d.Tokens(), d.AttentionSize()
	hd := width / d.Heads

	qkvRaw := workspace.View[T](lease, lay.QKVRaw)
	a.ops.Linear(qkvRaw, src, w.qkvW, rows, 3*width, d.Hidden)
	a.ops.BiasAddTransform0213(st.qkv, qkvRaw, w.qkvB, d.Batch, d.Seq, d.Heads, hd)

	q, k, v := splitQKV(st.qkv)
	a.ops.StridedBatchGemm(st.softmax, q, k, scoresGemm(d))
	a.ops.Softmax(st.softmax, mask, d.Batch, d.Heads, d.Seq, d.Seq)

	probs := st.probs
	if lay.AttnProbs.Used() {
		probs = workspace.View[T](lease, lay.AttnProbs)
	}
	a.ops.Dropout(probs, st.softmax, probsMask, drop)

	context := workspace.View[T](lease, lay.Context)
	a.ops.StridedBatchGemm(context, probs, v, contextGemm(d))
	// [B, N, L, D] -> [B, L, N, D]
	a.ops.Transform0213(st.outInput, context, d.Batch, d.Heads, d.Seq, hd)
	a.ops.Linear(out, st.outInput, w.outW, rows, d.Hidden, width)
}

// backward propagates dOut, the gradient of the output projection, back to
// src. dSrc may be nil.
func (a attentionBlock[T]) backward(lease *workspace.Lease, lay workspace.Layout, dOut, src []T,
	w attentionParams[T], st attentionState[T], probsMask []uint8, drop backend.DropoutConfig,
	g attentionGrads[T], dSrc []T,
) {
	d := lay.Dims()
	rows, width := d.Tokens(), d.AttentionSize()
	hd := width / d.Heads

	outInputGrad := workspace.View[T](lease, lay.AttnOutInputGrad)
	a.ops.LinearBackward(g.outW, g.outB, outInputGrad, dOut, st.outInput, w.outW, rows, d.Hidden, width)

	contextGrad := workspace.View[T](lease, lay.ContextGrad)
	a.ops.Transform0213(contextGrad, outInputGrad, d.Batch, d.Seq, d.Heads, hd)

	probs := st.probs
	if lay.ProbsRecompute.Used() {
		probs = workspace.View[T](lease, lay.ProbsRecompute)
		replay := drop
		replay.Regenerate = false
		a.ops.Dropout(probs, st.softmax, probsMask, replay)
		metrics.Recompute("attn_probs")
	}

	q, k, v := splitQKV(st.qkv)
	probsGrad := workspace.View[T](lease, lay.ProbsGrad)
	a.ops.StridedBatchGemmBackward(probsGrad, workspace.View[T](lease, lay.VGrad), contextGrad, probs, v, contextGemm(d))
	a.ops.DropoutBackward(probsGrad, probsGrad, probsMask, drop)
	a.ops.SoftmaxBackward(probsGrad, st.softmax, d.Batch*d.Heads*d.Seq, d.Seq)
	a.ops.StridedBatchGemmBackward(workspace.View[T](lease, lay.QGrad), workspace.View[T](lease, lay.KGrad),
		probsGrad, q, k, scoresGemm(d))

	qkvGrad := workspace.View[T](lease, lay.QKVGrad)
	a.ops.Transform4D0213(qkvGrad, workspace.View[T](lease, lay.HeadGrads()), d.Batch, d.Heads, d.Seq, hd, 3)
	a.ops.LinearBackward(g.qkvW, g.qkvB, dSrc, qkvGrad, src, w.qkvW, rows, 3*width, d.Hidden)
}

// mlpParams are the weights the feed-forward stages read.
type mlpParams[T tensor.Float] struct {
	interW, interB, outW []T
}

// mlpGrads receive the feed-forward weight gradients. outB may be nil.
type mlpGrads[T tensor.Float] struct {
	interW, interB, outW, outB []T
}

// mlpState is the part of the persisted activations the feed-forward stages
// produce and consume. geluOutput is nil when it is checkpointed.
type mlpState[T tensor.Float] struct {
	geluInput, geluOutput []T
}

// mlpBlock sequences the FF1, Gelu and FF2 stages.
type mlpBlock[T tensor.Float] struct {
	ops backend.Ops[T]
}

// forward writes the contraction of src, without bias, into out.
func (m mlpBlock[T]) forward(lease *workspace.Lease, lay workspace.Layout, src []T, w mlpParams[T], st mlpState[T], out []T) {
	d := lay.Dims()
	rows := d.Tokens()

	m.ops.Linear(st.geluInput, src, w.interW, rows, d.Intermediate, d.Hidden)
	geluOutput := st.geluOutput
	if lay.GeluOutput.Used() {
		geluOutput = workspace.View[T](lease, lay.GeluOutput)
	}
	m.ops.GeluBias(geluOutput, st.geluInput, w.interB, rows, d.Intermediate)
	m.ops.Linear(out, geluOutput, w.outW, rows, d.Hidden, d.Intermediate)
}

// backward propagates dOut back to src. dSrc may be nil.
func (m mlpBlock[T]) backward(lease *workspace.Lease, lay workspace.Layout, dOut, src []T,
	w mlpParams[T], st mlpState[T], g mlpGrads[T], dSrc []T,
) {
	d := lay.Dims()
	rows := d.Tokens()

	geluOutput := st.geluOutput
	if lay.GeluRecompute.Used() {
		geluOutput = workspace.View[T](lease, lay.GeluRecompute)
		m.ops.GeluBias(geluOutput, st.geluInput, w.interB, rows, d.Intermediate)
		metrics.Recompute("gelu_output")
	}

	geluGrad := workspace.View[T](lease, lay.GeluGrad)
	m.ops.LinearBackward(g.outW, g.outB, geluGrad, dOut, geluOutput, w.outW, rows, d.Hidden, d.Intermediate)
	m.ops.GeluBiasBackward(geluGrad, st.geluInput, w.interB, rows, d.Intermediate)
	m.ops.LinearBackward(g.interW, g.interB, dSrc, geluGrad, src, w.interW, rows, d.Intermediate, d.Hidden)
}
