// Package workspace owns the scratch arena the encoder layers run in: its
// sizing, the lease that serializes passes over it, and the layout of the
// views each pass carves out of it.
package workspace

// MaxSeqLength is the longest sequence a layer can be built for.
const MaxSeqLength = 1024

// Dims are the tensor extents a layout is computed for.
type Dims struct {
	Batch        int
	Seq          int
	Hidden       int
	Heads        int
	Intermediate int
	// Attention is the width of Q, K, V and the context. Zero means Hidden.
	Attention int
}

// AttentionSize returns the attention width.
func (d Dims) AttentionSize() int {
	if d.Attention > 0 {
		return d.Attention
	}
	return d.Hidden
}

// Tokens returns batch * seq.
func (d Dims) Tokens() int { return d.Batch * d.Seq }

// hiddenElems returns batch * seq * hidden.
func (d Dims) hiddenElems() int { return d.Batch * d.Seq * d.Hidden }

// attnElems returns batch * seq * attention width.
func (d Dims) attnElems() int { return d.Batch * d.Seq * d.AttentionSize() }

// scoreElems returns batch * heads * seq * seq.
func (d Dims) scoreElems() int { return d.Batch * d.Heads * d.Seq * d.Seq }

// interElems returns batch * seq * intermediate.
func (d Dims) interElems() int { return d.Batch * d.Seq * d.Intermediate }

// WithBatch returns d for a different batch size.
func (d Dims) WithBatch(batch int) Dims {
	d.Batch = batch
	return d
}

// WorkspaceElements returns the arena size, in elements, a layer with these
// dims and flags needs:
//
//	4*B*L*H
//	+ max(4*B*L*H, 2*B*N*L*L)  when training
//	+ 2*B*L*H                  when training with GELU checkpointing
func WorkspaceElements(d Dims, f Flags) int {
	s := d.hiddenElems()
	size := 4 * s
	if f.Training {
		size += max(4*s, 2*d.scoreElems())
		if f.GeluCheckpoint {
			size += 2 * s
		}
	}
	return size
}

// CapacityElements returns how many elements the arena must hold for plan:
// the sizing formula, or the plan's footprint when that is larger.
func CapacityElements(plan Plan, d Dims) int {
	return max(WorkspaceElements(d, plan.Flags()), NewLayout(plan, d).Footprint())
}
