package workspace

import "fmt"

// Region is a view into the arena: an element offset and extent, plus the
// span of stages (inclusive, in the order of Pass) during which it holds live
// data. A zero Len means the region is unused by the plan.
type Region struct {
	Name   string
	Offset int
	Len    int
	Pass   Pass
	From   Stage
	To     Stage
}

// End returns the first element past the region.
func (r Region) End() int { return r.Offset + r.Len }

// Used reports whether the plan lays this region out.
func (r Region) Used() bool { return r.Len > 0 }

// Layout names every arena view a plan's forward and backward passes use.
// Forward and backward views never need to survive from one pass into the
// other: everything backward reads from forward is persisted by the caller.
type Layout struct {
	plan Plan
	dims Dims

	// Forward.
	QKVRaw      Region // packed QKV projection [B*L, 3*A]
	Context     Region // per-head context [B, N, L, D]
	AttnOut     Region // attention output projection [B*L, H]
	AddResidual Region // attention residual sum, when normalization is invertible
	AttnProbs   Region // post-dropout probabilities, when checkpointed
	GeluOutput  Region // GELU output, when checkpointed
	ResidualSum Region // input of the post normalization, when invertible

	// Backward.
	PostNormGrad     Region
	LayerGrad        Region
	GeluRecompute    Region
	GeluGrad         Region
	FF1InputGrad     Region
	FF1GradSum       Region
	AttnResidualGrad Region
	AttnDropoutGrad  Region
	AttnOutInputGrad Region
	ContextGrad      Region
	ProbsRecompute   Region
	ProbsGrad        Region
	QGrad            Region
	KGrad            Region
	VGrad            Region
	QKVGrad          Region
	InputNormGrad    Region
}

// NewLayout computes the arena views of plan for dims. Layouts are cheap and
// are recomputed for the batch size of every call.
func NewLayout(plan Plan, d Dims) Layout {
	l := Layout{plan: plan, dims: d}
	switch plan.Kind() {
	case KindTransformer:
		l.transformer()
	case KindSelfAttention:
		l.selfAttention()
	case KindMLP:
		l.mlp()
	}
	return l
}

func (l *Layout) fwd(name string, off, n int, from, to Stage) Region {
	return Region{Name: name, Offset: off, Len: n, Pass: Forward, From: from, To: to}
}

func (l *Layout) bwd(name string, off, n int, from, to Stage) Region {
	return Region{Name: name, Offset: off, Len: n, Pass: Backward, From: from, To: to}
}

func (l *Layout) transformer() {
	f := l.plan.Flags()
	s := l.dims.hiddenElems()
	a := l.dims.scoreElems()
	in := l.dims.interElems()

	l.QKVRaw = l.fwd("qkv_raw", 0, 3*s, StageQKV, StageBiasTransform)
	l.Context = l.fwd("context", s, s, StageContext, StageUntransform)
	l.AttnOut = l.fwd("attn_out", s, s, StageAttnOut, StageAttnResidual)
	if f.NormalizeInvertible {
		l.AddResidual = l.fwd("add_residual", 4*s, s, StageAttnResidual, StageOutResidual)
	}
	if f.AttnDropoutCheckpoint {
		l.AttnProbs = l.fwd("attn_probs", 5*s, a, StageAttnDropout, StageContext)
	}
	if f.GeluCheckpoint {
		l.GeluOutput = l.fwd("gelu_output", 5*s, in, StageGelu, StageFF2)
	}
	if !f.PreLayerNorm && f.NormalizeInvertible {
		l.ResidualSum = l.fwd("residual_sum", 0, s, StageOutResidual, StagePostNorm)
	}

	if !f.Training {
		return
	}

	// Four small regions buf0..buf3, then a large region at g for the
	// intermediate, score and merged QKV gradients.
	buf := func(i int) int { return i * s }
	g := 4 * s
	if f.GeluCheckpoint {
		l.GeluRecompute = l.bwd("gelu_recompute", buf(2), in, StageFF2, StageFF2)
		g = max(g, buf(2)+in)
	}

	residualEnd := StageQKV
	if f.PreLayerNorm {
		residualEnd = StagePreNorm
	} else {
		l.PostNormGrad = l.bwd("post_norm_grad", buf(1), s, StagePostNorm, StageAttnNorm)
		l.FF1GradSum = l.bwd("ff1_grad_sum", buf(2), s, StageAttnNorm, StageAttnNorm)
	}
	l.LayerGrad = l.bwd("layer_grad", buf(0), s, StageOutResidual, StageFF2)
	l.GeluGrad = l.bwd("gelu_grad", g, in, StageFF2, StageFF1)
	l.FF1InputGrad = l.bwd("ff1_input_grad", buf(3), s, StageFF1, StageAttnNorm)
	l.AttnResidualGrad = l.bwd("attn_residual_grad", buf(0), s, StageAttnNorm, residualEnd)
	l.AttnDropoutGrad = l.bwd("attn_dropout_grad", buf(2), s, StageAttnResidual, StageAttnOut)
	l.AttnOutInputGrad = l.bwd("attn_out_input_grad", buf(1), s, StageAttnOut, StageUntransform)
	l.ContextGrad = l.bwd("context_grad", buf(2), s, StageUntransform, StageContext)
	l.ProbsGrad = l.bwd("probs_grad", g, a, StageContext, StageScores)
	if f.AttnDropoutCheckpoint {
		l.ProbsRecompute = l.bwd("probs_recompute", g+a, a, StageContext, StageContext)
	}
	l.VGrad = l.bwd("v_grad", buf(3), s, StageContext, StageBiasTransform)
	l.QGrad = l.bwd("q_grad", buf(1), s, StageScores, StageBiasTransform)
	l.KGrad = l.bwd("k_grad", buf(2), s, StageScores, StageBiasTransform)
	l.QKVGrad = l.bwd("qkv_grad", g, 3*s, StageBiasTransform, StageQKV)
	l.InputNormGrad = l.bwd("input_norm_grad", buf(2), s, StageQKV, residualEnd)
}

func (l *Layout) selfAttention() {
	f := l.plan.Flags()
	s := l.dims.attnElems()
	a := l.dims.scoreElems()

	l.QKVRaw = l.fwd("qkv_raw", 0, 3*s, StageQKV, StageBiasTransform)
	l.Context = l.fwd("context", s, s, StageContext, StageUntransform)
	if f.AttnDropoutCheckpoint {
		l.AttnProbs = l.fwd("attn_probs", 3*s, a, StageAttnDropout, StageContext)
	}

	if !f.Training {
		return
	}

	// Three small regions: there is no residual gradient to keep.
	g := 3 * s
	l.AttnOutInputGrad = l.bwd("attn_out_input_grad", 0, s, StageAttnOut, StageUntransform)
	l.ContextGrad = l.bwd("context_grad", s, s, StageUntransform, StageContext)
	l.ProbsGrad = l.bwd("probs_grad", g, a, StageContext, StageScores)
	if f.AttnDropoutCheckpoint {
		l.ProbsRecompute = l.bwd("probs_recompute", g+a, a, StageContext, StageContext)
	}
	l.VGrad = l.bwd("v_grad", 2*s, s, StageContext, StageBiasTransform)
	l.QGrad = l.bwd("q_grad", 0, s, StageScores, StageBiasTransform)
	l.KGrad = l.bwd("k_grad", s, s, StageScores, StageBiasTransform)
	l.QKVGrad = l.bwd("qkv_grad", g, 3*s, StageBiasTransform, StageQKV)
}

func (l *Layout) mlp() {
	f := l.plan.Flags()
	in := l.dims.interElems()

	g := 0
	if f.GeluCheckpoint {
		l.GeluOutput = l.fwd("gelu_output", 0, in, StageGelu, StageFF2)
		g = in
	}
	if !f.Training {
		return
	}
	if f.GeluCheckpoint {
		l.GeluRecompute = l.bwd("gelu_recompute", 0, in, StageFF2, StageFF2)
	}
	l.GeluGrad = l.bwd("gelu_grad", g, in, StageFF2, StageFF1)
}

// Plan returns the plan the layout was computed for.
func (l Layout) Plan() Plan { return l.plan }

// Dims returns the dims the layout was computed for.
func (l Layout) Dims() Dims { return l.dims }

// Regions returns every used region of the layout.
func (l Layout) Regions() []Region {
	all := []Region{
		l.QKVRaw, l.Context, l.AttnOut, l.AddResidual, l.AttnProbs, l.GeluOutput, l.ResidualSum,
		l.PostNormGrad, l.LayerGrad, l.GeluRecompute, l.GeluGrad, l.FF1InputGrad, l.FF1GradSum,
		l.AttnResidualGrad, l.AttnDropoutGrad, l.AttnOutInputGrad, l.ContextGrad,
		l.ProbsRecompute, l.ProbsGrad, l.QGrad, l.KGrad, l.VGrad, l.QKVGrad, l.InputNormGrad,
	}
	used := all[:0]
	for _, r := range all {
		if r.Used() {
			used = append(used, r)
		}
	}
	return used
}

// Footprint returns the number of arena elements the layout touches.
func (l Layout) Footprint() int {
	n := 0
	for _, r := range l.Regions() {
		n = max(n, r.End())
	}
	return n
}

// HeadGrads returns the span covering QGrad, KGrad and VGrad, which the
// merge back into the packed QKV layout reads as one [3, B, N, L, D] tensor.
func (l Layout) HeadGrads() Region {
	return Region{
		Name:   "qkv_head_grads",
		Offset: l.QGrad.Offset,
		Len:    l.VGrad.End() - l.QGrad.Offset,
		Pass:   Backward,
		From:   StageContext,
		To:     StageBiasTransform,
	}
}

func (l Layout) live(r Region) (int, int) {
	return l.plan.Step(r.Pass, r.From), l.plan.Step(r.Pass, r.To)
}

// Validate checks that every region belongs to a stage of the plan, that no
// two regions live at the same time overlap, that the head gradients are
// contiguous, and that the footprint fits capacity elements.
func (l Layout) Validate(capacity int) error {
	regions := l.Regions()
	for _, r := range regions {
		from, to := l.live(r)
		if from < 0 || to < 0 || from > to {
			return fmt.Errorf("region %s: lifetime %s..%s is not part of the %s plan", r.Name, r.From, r.To, l.plan.Kind())
		}
	}
	for i, a := range regions {
		af, at := l.live(a)
		for _, b := range regions[i+1:] {
			if a.Pass != b.Pass {
				continue
			}
			bf, bt := l.live(b)
			if af > bt || bf > at {
				continue
			}
			if a.Offset < b.End() && b.Offset < a.End() {
				return fmt.Errorf("regions %s [%d,%d) and %s [%d,%d) overlap while both are live",
					a.Name, a.Offset, a.End(), b.Name, b.Offset, b.End())
			}
		}
	}
	if l.QGrad.Used() && (l.QGrad.End() != l.KGrad.Offset || l.KGrad.End() != l.VGrad.Offset) {
		return fmt.Errorf("head gradients are not contiguous")
	}
	if fp := l.Footprint(); fp > capacity {
		return fmt.Errorf("layout footprint %d exceeds arena capacity %d", fp, capacity)
	}
	return nil
}
