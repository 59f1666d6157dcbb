package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDataTypeSize(t *testing.T) {
	tests := []struct {
		dtype DataType
		size  int
	}{
		{Float32, 4},
		{Float16, 2},
		{Uint8, 1},
	}

	for _, tt := range tests {
		if got := tt.dtype.Size(); got != tt.size {
			t.Errorf("%s.Size() = %d, want %d", tt.dtype, got, tt.size)
		}
	}
}

func TestDataTypeOf(t *testing.T) {
	assert.Equal(t, Float32, DataTypeOf[float32]())
	assert.Equal(t, Float16, DataTypeOf[float16.Float16]())
	assert.Equal(t, Uint8, DataTypeOf[uint8]())
	assert.Equal(t, "half", Float16.Precision())
	assert.Equal(t, "float", Float32.Precision())
}

func TestShapeStrides(t *testing.T) {
	s := Shape{2, 3, 4}
	assert.Equal(t, 24, s.NumElements())
	assert.Equal(t, []int{12, 4, 1}, s.ComputeStrides())
	assert.Error(t, Shape{2, 0}.Validate())
}

func TestFromSlice(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	require.NoError(t, err)
	assert.True(t, x.IsContiguous())
	assert.Equal(t, CPU, x.Device())
	assert.Equal(t, 3, x.Dim(1))

	_, err = FromSlice([]float32{1, 2, 3}, Shape{2, 3})
	assert.Error(t, err)
}

func TestNewViewContiguity(t *testing.T) {
	data := make([]float32, 6)

	// Transposed view of a 2x3 buffer.
	v, err := NewView(data, Shape{3, 2}, []int{1, 3})
	require.NoError(t, err)
	assert.False(t, v.IsContiguous())

	_, err = v.Reshape(Shape{6})
	assert.Error(t, err)

	c, err := NewView(data, Shape{2, 3}, []int{3, 1})
	require.NoError(t, err)
	assert.True(t, c.IsContiguous())
}

func TestOnDeviceSharesData(t *testing.T) {
	x := Zeros[float32](Shape{4})
	y := x.OnDevice(CUDA)
	y.Data()[0] = 7

	assert.Equal(t, CUDA, y.Device())
	assert.Equal(t, CPU, x.Device())
	assert.Equal(t, float32(7), x.Data()[0])
}

func TestHalfRoundTrip(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.125, 1024}
	h, err := FromFloat32[float16.Float16](values, Shape{5})
	require.NoError(t, err)
	assert.Equal(t, Float16, h.DataType())
	assert.Equal(t, values, ToFloat32(h))
}

func TestStoreFlush(t *testing.T) {
	dst := make([]float16.Float16, 3)
	buf, flush := Store(dst)
	buf[0], buf[1], buf[2] = 1, 2, 3
	assert.Equal(t, float32(0), dst[1].Float32())
	flush()
	assert.Equal(t, float32(2), dst[1].Float32())

	f := []float32{1, 2}
	alias, flush32 := Update(f)
	alias[0] = 9
	flush32()
	assert.Equal(t, float32(9), f[0])
}
