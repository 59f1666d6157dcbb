// Package tensor provides the host-side tensor types shared by the encoder
// layers, the primitive operators and the workspace arena.
package tensor

import "github.com/x448/float16"

// Float is the constraint for element kinds a layer can be instantiated with.
// Arithmetic is carried out in float32; half values are widened on load and
// narrowed on store.
type Float interface {
	float32 | float16.Float16
}

// Element is the constraint for everything a Tensor may hold: the two layer
// precisions plus bytes for dropout masks.
type Element interface {
	float32 | float16.Float16 | uint8
}

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float16
	Uint8
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16:
		return 2
	case Uint8:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Uint8:
		return "uint8"
	default:
		return "unknown"
	}
}

// Precision returns the name the layer log lines use: "float" or "half".
func (dt DataType) Precision() string {
	switch dt {
	case Float32:
		return "float"
	case Float16:
		return "half"
	default:
		return dt.String()
	}
}

// DataTypeOf returns the DataType for the element kind T.
func DataTypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case uint8:
		return Uint8
	default:
		panic("unsupported type")
	}
}

// SizeOf returns the byte size of one element of kind T.
func SizeOf[T Element]() int {
	return DataTypeOf[T]().Size()
}
