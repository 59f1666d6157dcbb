// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/x448/float16"

	"github.com/born-ml/encoder/internal/tensor"
)

// Tensor is a dense row-major tensor of element kind T.
type Tensor[T Element] = tensor.Tensor[T]

// Shape is the size of every dimension of a tensor.
type Shape = tensor.Shape

// Half is the IEEE 754 binary16 element kind.
type Half = float16.Float16

// Float is the constraint satisfied by the element kinds layers compute in.
type Float = tensor.Float

// Element is the constraint satisfied by every storable element kind.
type Element = tensor.Element

// DataType identifies an element kind at runtime.
type DataType = tensor.DataType

// Supported data types.
const (
	Float32 = tensor.Float32
	Float16 = tensor.Float16
	Uint8   = tensor.Uint8
)

// Device identifies where a tensor is resident.
type Device = tensor.Device

// Supported devices.
const (
	CPU    = tensor.CPU
	CUDA   = tensor.CUDA
	Vulkan = tensor.Vulkan
	Metal  = tensor.Metal
	WebGPU = tensor.WebGPU
)

// New allocates a zeroed tensor, validating shape.
func New[T Element](shape Shape) (*Tensor[T], error) {
	return tensor.New[T](shape)
}

// Zeros allocates a zeroed tensor. It panics on an invalid shape.
//
// Example:
//
//	x := tensor.Zeros[float32](tensor.Shape{2, 4, 8})
func Zeros[T Element](shape Shape) *Tensor[T] {
	return tensor.Zeros[T](shape)
}

// FromSlice wraps data without copying.
func FromSlice[T Element](data []T, shape Shape) (*Tensor[T], error) {
	return tensor.FromSlice(data, shape)
}

// FromFloat32 converts values to element kind T.
func FromFloat32[T Float](values []float32, shape Shape) (*Tensor[T], error) {
	return tensor.FromFloat32[T](values, shape)
}

// ToFloat32 returns the elements of t as float32.
func ToFloat32[T Float](t *Tensor[T]) []float32 {
	return tensor.ToFloat32(t)
}
