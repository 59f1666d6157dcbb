// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the dense tensors encoder layers read and write.
//
// # Overview
//
// A Tensor[T] is a contiguous, row-major buffer of float32 or Half
// elements tagged with the device it lives on. Layers never allocate
// tensors for the caller: activations, gradients and weights are created
// up front and passed to every pass.
//
// # Basic Usage
//
//	import "github.com/born-ml/encoder/tensor"
//
//	func main() {
//	    x := tensor.Zeros[float32](tensor.Shape{2, 128, 768})
//	    h, _ := tensor.FromFloat32[tensor.Half]([]float32{1, 2, 3}, tensor.Shape{3})
//	    fmt.Println(x.Shape(), tensor.ToFloat32(h))
//	}
package tensor
