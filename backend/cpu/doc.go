// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go implementation of the encoder primitives.
//
// GEMMs go through gonum's BLAS; element-wise kernels fan rows out over a
// bounded worker pool. Half-precision tensors are widened to float32 for
// the arithmetic and narrowed on store.
//
// Example:
//
//	ops := cpu.New[float32](cpu.WithWorkers(8), cpu.WithSeed(42))
//	fmt.Println(ops.Name(), ops.Device())
package cpu
