package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/tensor"
)

// EncodeTensor serializes t under name.
func EncodeTensor[T tensor.Float](name string, t *tensor.Tensor[T]) Tensor {
	out := Tensor{
		Name:  name,
		DType: dtypeName(t.DataType()),
		Shape: []int(t.Shape()),
		Data:  make([]byte, t.NumElements()*tensor.SizeOf[T]()),
	}
	switch src := any(t.Data()).(type) {
	case []float32:
		for i, v := range src[:t.NumElements()] {
			binary.LittleEndian.PutUint32(out.Data[4*i:], math.Float32bits(v))
		}
	case []float16.Float16:
		for i, v := range src[:t.NumElements()] {
			binary.LittleEndian.PutUint16(out.Data[2*i:], v.Bits())
		}
	}
	return out
}

// DecodeInto fills dst from a stored tensor. Element type and shape must
// match exactly.
func DecodeInto[T tensor.Float](dst *tensor.Tensor[T], meta TensorMeta, data []byte) error {
	if want := dtypeName(dst.DataType()); meta.DType != want {
		return fmt.Errorf("%w: %s is %s, want %s", ErrTensorMismatch, meta.Name, meta.DType, want)
	}
	if !dst.Shape().Equal(meta.Shape) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ErrTensorMismatch, meta.Name, meta.Shape, dst.Shape())
	}
	if len(data) != dst.NumElements()*tensor.SizeOf[T]() {
		return fmt.Errorf("%w: %s has %d bytes", ErrTensorMismatch, meta.Name, len(data))
	}
	switch out := any(dst.Data()).(type) {
	case []float32:
		for i := range out[:dst.NumElements()] {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case []float16.Float16:
		for i := range out[:dst.NumElements()] {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:]))
		}
	}
	return nil
}

// SaveTransformerWeights writes the twelve parameters of an encoder layer to
// path. config, when not nil, is stored as JSON in the header.
func SaveTransformerWeights[T tensor.Float](path string, w *nn.TransformerWeights[T], config any, metadata map[string]string) error {
	header := Header{LayerKind: nn.KindTransformer.String(), Metadata: metadata}
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		header.Config = raw
	}
	params := w.Parameters(nil)
	tensors := make([]Tensor, len(params))
	for i, p := range params {
		tensors[i] = EncodeTensor(p.Name(), p.Tensor())
	}
	return WriteFile(path, header, tensors)
}

// LoadTransformerWeights reads encoder layer parameters sized for cfg from
// path.
func LoadTransformerWeights[T tensor.Float](path string, cfg nn.LayerConfig) (*nn.TransformerWeights[T], Header, error) {
	a, err := ReadFile(path, ReaderOptions{ValidationLevel: ValidationStrict})
	if err != nil {
		return nil, Header{}, err
	}
	if kind := a.Header().LayerKind; kind != nn.KindTransformer.String() {
		return nil, Header{}, fmt.Errorf("%w: archive holds %q weights", ErrTensorMismatch, kind)
	}
	w := nn.NewTransformerWeights[T](cfg)
	for _, p := range w.Parameters(nil) {
		meta, data, err := a.Tensor(p.Name())
		if err != nil {
			return nil, Header{}, err
		}
		if err := DecodeInto(p.Tensor(), meta, data); err != nil {
			return nil, Header{}, err
		}
	}
	return w, a.Header(), nil
}
