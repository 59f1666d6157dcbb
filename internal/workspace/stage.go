package workspace

import "fmt"

// Stage is one step of an encoder execution plan. Forward walks the stages
// of a plan in order, backward walks them in reverse and performs the
// gradient of each.
type Stage int

// Stages in forward order.
const (
	StagePreNorm Stage = iota
	StageQKV
	StageBiasTransform
	StageScores
	StageSoftmax
	StageAttnDropout
	StageContext
	StageUntransform
	StageAttnOut
	StageAttnResidual
	StageAttnNorm
	StageFF1
	StageGelu
	StageFF2
	StageOutResidual
	StagePostNorm
	numStages
)

var stageNames = [numStages]string{
	"pre_norm", "qkv", "bias_transform", "scores", "softmax", "attn_dropout",
	"context", "untransform", "attn_out", "attn_residual", "attn_norm",
	"ff1", "gelu", "ff2", "out_residual", "post_norm",
}

// String returns the stage name used in logs and metrics.
func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Pass identifies the direction a plan is traversed in.
type Pass int

// Passes.
const (
	Forward Pass = iota
	Backward
)

// String returns "forward" or "backward".
func (p Pass) String() string {
	if p == Backward {
		return "backward"
	}
	return "forward"
}

// Kind is the orchestrator a plan belongs to.
type Kind int

// Plan kinds. Only kinds that lay views out in the arena have a plan.
const (
	KindTransformer Kind = iota
	KindSelfAttention
	KindMLP
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransformer:
		return "transformer"
	case KindSelfAttention:
		return "self_attention"
	case KindMLP:
		return "mlp"
	default:
		return "unknown"
	}
}

// Flags are the configuration switches that shape a plan and its layout.
type Flags struct {
	PreLayerNorm          bool
	NormalizeInvertible   bool
	AttnDropoutCheckpoint bool
	GeluCheckpoint        bool
	Training              bool
}

// Plan is the stage list of one orchestrator, derived once from its flags.
type Plan struct {
	kind   Kind
	flags  Flags
	stages []Stage
	pos    [numStages]int
}

func newPlan(kind Kind, flags Flags, stages []Stage) Plan {
	p := Plan{kind: kind, flags: flags, stages: stages}
	for i := range p.pos {
		p.pos[i] = -1
	}
	for i, s := range stages {
		p.pos[s] = i
	}
	return p
}

// NewTransformerPlan builds the plan of the full encoder layer.
func NewTransformerPlan(flags Flags) Plan {
	var stages []Stage
	if flags.PreLayerNorm {
		stages = append(stages, StagePreNorm)
	}
	stages = append(stages,
		StageQKV, StageBiasTransform, StageScores, StageSoftmax, StageAttnDropout,
		StageContext, StageUntransform, StageAttnOut, StageAttnResidual,
		StageAttnNorm, StageFF1, StageGelu, StageFF2, StageOutResidual)
	if !flags.PreLayerNorm {
		stages = append(stages, StagePostNorm)
	}
	return newPlan(KindTransformer, flags, stages)
}

// NewAttentionPlan builds the plan of the self-attention block. Only the
// attention checkpoint flag applies.
func NewAttentionPlan(flags Flags) Plan {
	flags.PreLayerNorm = false
	flags.NormalizeInvertible = false
	flags.GeluCheckpoint = false
	return newPlan(KindSelfAttention, flags, []Stage{
		StageQKV, StageBiasTransform, StageScores, StageSoftmax, StageAttnDropout,
		StageContext, StageUntransform, StageAttnOut,
	})
}

// NewMLPPlan builds the plan of the feed-forward block. Only the GELU
// checkpoint flag applies.
func NewMLPPlan(flags Flags) Plan {
	flags.PreLayerNorm = false
	flags.NormalizeInvertible = false
	flags.AttnDropoutCheckpoint = false
	return newPlan(KindMLP, flags, []Stage{StageFF1, StageGelu, StageFF2})
}

// Kind returns the orchestrator kind.
func (p Plan) Kind() Kind { return p.kind }

// Flags returns the flags the plan was derived from.
func (p Plan) Flags() Flags { return p.flags }

// Stages returns the stages in the order pass visits them.
func (p Plan) Stages(pass Pass) []Stage {
	out := make([]Stage, len(p.stages))
	if pass == Forward {
		copy(out, p.stages)
		return out
	}
	for i, s := range p.stages {
		out[len(out)-1-i] = s
	}
	return out
}

// Has reports whether the plan contains s.
func (p Plan) Has(s Stage) bool {
	return s >= 0 && s < numStages && p.pos[s] >= 0
}

// Step returns the position of s within pass, or -1 if the plan lacks it.
func (p Plan) Step(pass Pass, s Stage) int {
	if !p.Has(s) {
		return -1
	}
	if pass == Forward {
		return p.pos[s]
	}
	return len(p.stages) - 1 - p.pos[s]
}
