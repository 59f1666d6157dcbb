// Package engine owns the process-wide device context and the handle
// registry that the public encoder API drives.
package engine

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/backend/cpu"
	"github.com/born-ml/encoder/internal/metrics"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// Context is the shared state of one device: the workspace arena, the
// dropout-mask generator and the primitive implementations of each
// precision. Every layer created through the same context shares them.
type Context struct {
	arena *workspace.Arena
	gen   *backend.Generator
	par   parallel.Config

	single *cpu.CPUBackend[float32]
	half   *cpu.CPUBackend[float16.Float16]
}

// Option configures a Context.
type Option func(*options)

type options struct {
	seed uint64
	par  parallel.Config
}

// WithSeed seeds the dropout-mask generator.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// WithParallel sets the worker configuration of the CPU primitives.
func WithParallel(cfg parallel.Config) Option {
	return func(o *options) { o.par = cfg }
}

// NewContext creates a device context with an empty arena.
func NewContext(opts ...Option) *Context {
	o := options{par: parallel.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	gen := backend.NewGenerator(o.seed)
	return &Context{
		arena:  workspace.NewArena(workspace.WithGrowHook(metrics.SetWorkspaceBytes)),
		gen:    gen,
		par:    o.par,
		single: cpu.New[float32](cpu.WithGenerator(gen), cpu.WithParallel(o.par)),
		half:   cpu.New[float16.Float16](cpu.WithGenerator(gen), cpu.WithParallel(o.par)),
	}
}

// Arena returns the shared workspace.
func (c *Context) Arena() *workspace.Arena { return c.arena }

// Parallel returns the worker configuration of the primitives.
func (c *Context) Parallel() parallel.Config { return c.par }

// SetSeed reseeds the dropout-mask generator.
func (c *Context) SetSeed(seed uint64) { c.gen.SetSeed(seed) }

// StoreRandState snapshots the dropout-mask generator.
func (c *Context) StoreRandState() backend.RandState { return c.gen.State() }

// RestoreRandState rewinds the generator so the next forwards draw the same
// masks as the ones that followed the snapshot.
func (c *Context) RestoreRandState(s backend.RandState) { c.gen.Restore(s) }

// Ops returns the primitives of c for element kind T.
func Ops[T tensor.Float](c *Context) backend.Ops[T] {
	var ops any
	switch tensor.DataTypeOf[T]() {
	case tensor.Float32:
		ops = c.single
	case tensor.Float16:
		ops = c.half
	default:
		panic(fmt.Sprintf("engine: no primitives for %s", tensor.DataTypeOf[T]()))
	}
	return ops.(backend.Ops[T])
}
