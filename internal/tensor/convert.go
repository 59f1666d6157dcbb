package tensor

import "github.com/x448/float16"

// Widen copies src into dst as float32. dst must be at least len(src) long.
func Widen[T Float](dst []float32, src []T) {
	switch s := any(src).(type) {
	case []float32:
		copy(dst, s)
	case []float16.Float16:
		for i, v := range s {
			dst[i] = v.Float32()
		}
	}
}

// Narrow copies src into dst, rounding to half precision when T is Float16.
func Narrow[T Float](dst []T, src []float32) {
	switch d := any(dst).(type) {
	case []float32:
		copy(d, src)
	case []float16.Float16:
		for i, v := range src {
			d[i] = float16.Fromfloat32(v)
		}
	}
}

// AsFloat32 returns s itself when T is float32 and false otherwise.
func AsFloat32[T Float](s []T) ([]float32, bool) {
	f, ok := any(s).([]float32)
	return f, ok
}

// Load returns the float32 contents of s, aliasing s when no conversion is
// needed. Callers must not write through the result.
func Load[T Float](s []T) []float32 {
	if f, ok := AsFloat32(s); ok {
		return f
	}
	out := make([]float32, len(s))
	Widen(out, s)
	return out
}

// Store returns a float32 buffer to compute into and a flush function that
// writes it back into dst. For float32 the buffer is dst itself.
func Store[T Float](dst []T) ([]float32, func()) {
	if f, ok := AsFloat32(dst); ok {
		return f, func() {}
	}
	out := make([]float32, len(dst))
	return out, func() { Narrow(dst, out) }
}

// Update is Store for in-place kernels: the returned buffer starts with the
// current contents of dst.
func Update[T Float](dst []T) ([]float32, func()) {
	if f, ok := AsFloat32(dst); ok {
		return f, func() {}
	}
	out := make([]float32, len(dst))
	Widen(out, dst)
	return out, func() { Narrow(dst, out) }
}

// ToFloat32 returns a float32 copy of the tensor's data.
func ToFloat32[T Float](t *Tensor[T]) []float32 {
	out := make([]float32, len(t.data))
	Widen(out, t.data)
	return out
}
