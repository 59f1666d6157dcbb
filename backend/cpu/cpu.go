// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"github.com/born-ml/encoder/internal/backend"
	internalcpu "github.com/born-ml/encoder/internal/backend/cpu"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
)

// Backend is the CPU implementation of the encoder primitives for element
// kind T.
type Backend[T tensor.Float] = internalcpu.CPUBackend[T]

// Compile-time check that Backend implements the primitive contract.
var _ backend.Ops[float32] = (*Backend[float32])(nil)

// Option configures a Backend.
type Option = internalcpu.Option

// Generator draws dropout masks.
type Generator = backend.Generator

// NewGenerator creates a dropout-mask generator.
func NewGenerator(seed uint64) *Generator {
	return backend.NewGenerator(seed)
}

// WithGenerator shares a dropout-mask generator between backends.
func WithGenerator(g *Generator) Option {
	return internalcpu.WithGenerator(g)
}

// WithSeed gives the backend its own generator seeded with seed.
func WithSeed(seed uint64) Option {
	return internalcpu.WithGenerator(backend.NewGenerator(seed))
}

// WithWorkers caps the worker goroutines of each primitive. n <= 1 runs
// every primitive on the calling goroutine.
func WithWorkers(n int) Option {
	cfg := parallel.DefaultConfig()
	if n <= 1 {
		cfg.Enabled = false
		cfg.NumWorkers = 1
	} else {
		cfg = cfg.WithWorkers(n)
	}
	return internalcpu.WithParallel(cfg)
}

// New creates a CPU backend.
//
// Example:
//
//	ops := cpu.New[tensor.Half](cpu.WithWorkers(4))
func New[T tensor.Float](opts ...Option) *Backend[T] {
	return internalcpu.New[T](opts...)
}
