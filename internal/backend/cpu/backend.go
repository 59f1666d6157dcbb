// Package cpu implements the encoder primitive operators on the CPU, with
// gonum BLAS for the matrix products.
package cpu

import (
	"fmt"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
)

// CPUBackend implements backend.Ops on host memory. Work is issued
// synchronously, so Synchronize has nothing to wait for.
type CPUBackend[T tensor.Float] struct {
	device tensor.Device
	gen    *backend.Generator
	par    parallel.Config
}

// Compile-time check that CPUBackend implements backend.Ops.
var (
	_ backend.Ops[float32] = (*CPUBackend[float32])(nil)
)

// Option configures a CPUBackend.
type Option func(*options)

type options struct {
	gen *backend.Generator
	par parallel.Config
}

// WithGenerator shares a dropout-mask generator with other backends of the
// same device context.
func WithGenerator(g *backend.Generator) Option {
	return func(o *options) { o.gen = g }
}

// WithParallel overrides the worker configuration.
func WithParallel(cfg parallel.Config) Option {
	return func(o *options) { o.par = cfg }
}

// New creates a new CPU backend.
func New[T tensor.Float](opts ...Option) *CPUBackend[T] {
	o := options{par: parallel.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.gen == nil {
		o.gen = backend.NewGenerator(0)
	}
	return &CPUBackend[T]{
		device: tensor.CPU,
		gen:    o.gen,
		par:    o.par,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend[T]) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend[T]) Device() tensor.Device {
	return cpu.device
}

// Generator returns the dropout-mask generator.
func (cpu *CPUBackend[T]) Generator() *backend.Generator {
	return cpu.gen
}

// Synchronize is a no-op: every primitive has completed when it returns.
func (cpu *CPUBackend[T]) Synchronize() error {
	return nil
}

func checkLen(op, name string, got, want int) {
	if got < want {
		panic(fmt.Sprintf("%s: %s has %d elements, need %d", op, name, got, want))
	}
}
