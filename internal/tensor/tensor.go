package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a dense host buffer with a shape, strides and the device it is
// resident on. Layers only accept contiguous tensors on their own device; the
// strided form exists so callers can hand over views and be told no.
type Tensor[T Element] struct {
	data    []T
	shape   Shape
	strides []int
	device  Device
}

// New creates a zero-filled tensor on the CPU device.
func New[T Element](shape Shape) (*Tensor[T], error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Tensor[T]{
		data:    make([]T, shape.NumElements()),
		shape:   shape.Clone(),
		strides: shape.ComputeStrides(),
		device:  CPU,
	}, nil
}

// Zeros creates a zero-filled tensor and panics on an invalid shape.
func Zeros[T Element](shape Shape) *Tensor[T] {
	t, err := New[T](shape)
	if err != nil {
		panic(err)
	}
	return t
}

// FromSlice wraps data (without copying) in a contiguous tensor.
func FromSlice[T Element](data []T, shape Shape) (*Tensor[T], error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}
	return &Tensor[T]{
		data:    data,
		shape:   shape.Clone(),
		strides: shape.ComputeStrides(),
		device:  CPU,
	}, nil
}

// FromFloat32 converts float32 values into a new tensor of kind T.
func FromFloat32[T Float](values []float32, shape Shape) (*Tensor[T], error) {
	data := make([]T, len(values))
	Narrow(data, values)
	return FromSlice(data, shape)
}

// NewView wraps data with explicit strides. The result is contiguous only when
// the strides are the row-major strides of shape.
func NewView[T Element](data []T, shape Shape, strides []int) (*Tensor[T], error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(strides) != len(shape) {
		return nil, fmt.Errorf("strides %v do not match rank of shape %v", strides, shape)
	}
	span := 1
	for i, dim := range shape {
		span += (dim - 1) * strides[i]
	}
	if span > len(data) {
		return nil, fmt.Errorf("view %v with strides %v needs %d elements, have %d", shape, strides, span, len(data))
	}
	return &Tensor[T]{
		data:    data,
		shape:   shape.Clone(),
		strides: append([]int(nil), strides...),
		device:  CPU,
	}, nil
}

// Data returns the underlying buffer.
func (t *Tensor[T]) Data() []T {
	return t.data
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor[T]) Shape() Shape {
	return t.shape.Clone()
}

// Dim returns the size of dimension i.
func (t *Tensor[T]) Dim(i int) int {
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor[T]) Rank() int {
	return len(t.shape)
}

// NumElements returns the number of logical elements.
func (t *Tensor[T]) NumElements() int {
	return t.shape.NumElements()
}

// DataType returns the runtime element type.
func (t *Tensor[T]) DataType() DataType {
	return DataTypeOf[T]()
}

// Device returns the device the tensor is resident on.
func (t *Tensor[T]) Device() Device {
	return t.device
}

// IsContiguous reports whether the tensor is laid out row-major without gaps.
func (t *Tensor[T]) IsContiguous() bool {
	return stridesEqual(t.strides, t.shape.ComputeStrides()) && len(t.data) == t.shape.NumElements()
}

// OnDevice returns a tensor sharing t's data but tagged as resident on d.
func (t *Tensor[T]) OnDevice(d Device) *Tensor[T] {
	out := *t
	out.device = d
	return &out
}

// Reshape returns a contiguous tensor sharing t's data with a new shape.
func (t *Tensor[T]) Reshape(shape Shape) (*Tensor[T], error) {
	if !t.IsContiguous() {
		return nil, fmt.Errorf("cannot reshape non-contiguous tensor %v", t.shape)
	}
	if shape.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.shape, shape)
	}
	out, err := FromSlice(t.data, shape)
	if err != nil {
		return nil, err
	}
	out.device = t.device
	return out, nil
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	data := make([]T, len(t.data))
	copy(data, t.data)
	return &Tensor[T]{
		data:    data,
		shape:   t.shape.Clone(),
		strides: append([]int(nil), t.strides...),
		device:  t.device,
	}
}

// String returns a short description, not the values.
func (t *Tensor[T]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor(%s, shape=%v, device=%s", t.DataType(), []int(t.shape), t.device)
	if !t.IsContiguous() {
		sb.WriteString(", strided")
	}
	sb.WriteString(")")
	return sb.String()
}
