package nn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/metrics"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// Kind identifies one of the layer orchestrators.
type Kind int

// Layer kinds.
const (
	KindTransformer Kind = iota
	KindSelfAttention
	KindMLP
	KindBiasResidualDropout
	KindNormalize
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindTransformer:
		return "transformer"
	case KindSelfAttention:
		return "self_attention"
	case KindMLP:
		return "mlp"
	case KindBiasResidualDropout:
		return "bias_residual_dropout"
	case KindNormalize:
		return "normalize"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Layer is the precision-independent surface every orchestrator shares.
// The typed Forward and Backward methods live on the concrete types.
type Layer interface {
	// Kind returns the orchestrator kind.
	Kind() Kind

	// DataType returns the element type the layer was built for.
	DataType() tensor.DataType

	// Config returns the configuration the layer was built for.
	Config() LayerConfig

	// SetTrainingMode enables or disables dropout. Backward requires
	// training mode.
	SetTrainingMode(training bool)

	// Training reports whether the layer is in training mode.
	Training() bool

	// DropoutMaskSizes returns the length of every dropout mask the layer
	// uses for a call with the given batch and sequence length, in binding
	// order.
	DropoutMaskSizes(batch, seq int) []int

	// BindDropoutMasks binds caller-owned masks, in the order of
	// DropoutMaskSizes. They must stay untouched until the backward matching
	// the next forward has returned.
	BindDropoutMasks(masks ...[]uint8) error
}

// base carries the state shared by every orchestrator.
type base[T tensor.Float] struct {
	kind  Kind
	cfg   LayerConfig
	ops   backend.Ops[T]
	arena *workspace.Arena
	plan  workspace.Plan

	training atomic.Bool

	mu    sync.Mutex // guards masks
	masks [][]uint8
	nmask int
}

func (b *base[T]) init(kind Kind, cfg LayerConfig, ops backend.Ops[T], arena *workspace.Arena, nmask int) {
	b.kind, b.cfg, b.ops, b.arena, b.nmask = kind, cfg, ops, arena, nmask
	b.training.Store(!cfg.InferenceOnly)
}

// Kind returns the orchestrator kind.
func (b *base[T]) Kind() Kind { return b.kind }

// DataType returns the element type of the layer.
func (b *base[T]) DataType() tensor.DataType { return tensor.DataTypeOf[T]() }

// Config returns the layer configuration.
func (b *base[T]) Config() LayerConfig { return b.cfg }

// SetTrainingMode enables or disables dropout.
func (b *base[T]) SetTrainingMode(training bool) { b.training.Store(training) }

// Training reports whether dropout is enabled.
func (b *base[T]) Training() bool { return b.training.Load() }

// BindDropoutMasks binds the caller-owned dropout masks.
func (b *base[T]) BindDropoutMasks(masks ...[]uint8) error {
	if len(masks) != b.nmask {
		return &PreconditionError{
			Op:     b.kind.String() + " bind dropout masks",
			Arg:    "masks",
			Reason: fmt.Sprintf("got %d masks, layer uses %d", len(masks), b.nmask),
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.masks = append(b.masks[:0], masks...)
	return nil
}

// mask returns the i-th bound mask, or nil.
func (b *base[T]) mask(i int) []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.masks) {
		return nil
	}
	return b.masks[i]
}

// dropout returns the dropout configuration of a forward application.
func (b *base[T]) dropout(ratio float32) backend.DropoutConfig {
	return backend.DropoutConfig{Ratio: ratio, Training: b.Training(), Regenerate: true}
}

// replay returns the dropout configuration that reuses the bound mask.
func (b *base[T]) replay(ratio float32) backend.DropoutConfig {
	return backend.DropoutConfig{Ratio: ratio, Training: b.Training()}
}

// checkBackward rejects a backward call the layer cannot serve.
func (b *base[T]) checkBackward(op string) error {
	if b.cfg.InferenceOnly {
		return &PreconditionError{Op: op, Arg: "layer", Reason: "built for inference only"}
	}
	if !b.Training() {
		return &PreconditionError{Op: op, Arg: "layer", Reason: "backward requires training mode"}
	}
	return nil
}

// run executes one pass: it takes the arena lease, synchronizes the device
// unless the layer is in stochastic mode, and turns a primitive panic into
// ErrDevice. The lease is released on every exit path.
func (b *base[T]) run(ctx context.Context, pass workspace.Pass, fn func(lease *workspace.Lease) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObservePass(b.kind.String(), pass.String(), start, err)
	}()

	// Layers without workspace views may run without an arena.
	var lease *workspace.Lease
	if b.arena != nil {
		lease, err = b.arena.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("%s %s: %w", b.kind, pass, err)
		}
		defer lease.Release()
	}

	if !b.cfg.StochasticMode {
		if err := b.ops.Synchronize(); err != nil {
			return fmt.Errorf("%s %s: %w: synchronize: %v", b.kind, pass, ErrDevice, err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s %s: %w: %v", b.kind, pass, ErrDevice, r)
		}
	}()
	return fn(lease)
}

// layout returns the arena views of the plan for a call.
func (b *base[T]) layout(batch, seq int) workspace.Layout {
	return workspace.NewLayout(b.plan, b.cfg.Dims(batch, seq))
}

// reserve grows the arena for the largest call the layer accepts and checks
// that the plan fits it.
func (b *base[T]) reserve(ctx context.Context) error {
	if b.arena == nil {
		return &ConfigError{Field: "workspace", Reason: b.kind.String() + " layers need a workspace arena"}
	}
	dims := b.cfg.MaxDims()
	elems := workspace.CapacityElements(b.plan, dims)
	if _, err := b.arena.EnsureCapacity(ctx, elems*tensor.SizeOf[T]()); err != nil {
		return fmt.Errorf("reserve workspace: %w", err)
	}
	if err := workspace.NewLayout(b.plan, dims).Validate(elems); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// checker collects the first precondition violation of a call.
type checker[T tensor.Float] struct {
	op     string
	device tensor.Device
	err    error
}

func newChecker[T tensor.Float](op string, ops backend.Ops[T]) *checker[T] {
	return &checker[T]{op: op, device: ops.Device()}
}

func (c *checker[T]) fail(arg, format string, args ...any) {
	if c.err == nil {
		c.err = &PreconditionError{Op: c.op, Arg: arg, Reason: fmt.Sprintf(format, args...)}
	}
}

// tensor requires t to be present, contiguous, on the device and of shape.
func (c *checker[T]) tensor(arg string, t *tensor.Tensor[T], shape ...int) {
	if c.err != nil {
		return
	}
	if t == nil {
		c.fail(arg, "missing")
		return
	}
	c.present(arg, t, shape...)
}

// optional is tensor for arguments that may be nil.
func (c *checker[T]) optional(arg string, t *tensor.Tensor[T], shape ...int) {
	if c.err != nil || t == nil {
		return
	}
	c.present(arg, t, shape...)
}

func (c *checker[T]) present(arg string, t *tensor.Tensor[T], shape ...int) {
	switch {
	case !t.IsContiguous():
		c.fail(arg, "tensor is not contiguous")
	case t.Device() != c.device:
		c.fail(arg, "tensor is on %s, layer runs on %s", t.Device(), c.device)
	case !t.Shape().Equal(shape):
		c.fail(arg, "shape %v, want %v", t.Shape(), tensor.Shape(shape))
	}
}

// stats requires normalization statistics for rows rows.
func (c *checker[T]) stats(arg string, s backend.NormStats, rows int, invertible bool) {
	if c.err != nil {
		return
	}
	if len(s.InvStd) < rows {
		c.fail(arg, "inverse std has %d rows, need %d", len(s.InvStd), rows)
		return
	}
	if !invertible && len(s.Mean) < rows {
		c.fail(arg, "mean has %d rows, need %d", len(s.Mean), rows)
	}
}

// mask requires a bound dropout mask of n entries when dropout is active.
func (c *checker[T]) mask(arg string, m []uint8, n int, cfg backend.DropoutConfig) {
	if c.err != nil || !cfg.Active() {
		return
	}
	if m == nil {
		c.fail(arg, "dropout is active but no mask is bound")
		return
	}
	if len(m) < n {
		c.fail(arg, "mask has %d entries, need %d", len(m), n)
	}
}

// input checks a [batch, seq, width] activation and returns its batch and
// sequence length.
func (c *checker[T]) input(arg string, t *tensor.Tensor[T], cfg LayerConfig, width int) (batch, seq int) {
	if c.err != nil {
		return 0, 0
	}
	if t == nil {
		c.fail(arg, "missing")
		return 0, 0
	}
	shape := t.Shape()
	if len(shape) != 3 || shape[2] != width {
		c.fail(arg, "shape %v, want [batch, seq, %d]", shape, width)
		return 0, 0
	}
	batch, seq = shape[0], shape[1]
	switch {
	case batch > cfg.BatchSize:
		c.fail(arg, "input batch size exceeds the limit: %d > %d", batch, cfg.BatchSize)
	case seq > cfg.SeqLength:
		c.fail(arg, "sequence length exceeds the limit: %d > %d", seq, cfg.SeqLength)
	default:
		c.present(arg, t, batch, seq, width)
	}
	return batch, seq
}

// data returns the elements of t, or nil for a nil tensor.
func data[T tensor.Float](t *tensor.Tensor[T]) []T {
	if t == nil {
		return nil
	}
	return t.Data()
}
