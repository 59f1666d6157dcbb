package serialization

import (
	"encoding/json"
	"time"

	"github.com/born-ml/encoder/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "BORN"
	FormatVersion   = 2
	HeaderAlignment = 64   // tensor data starts on a 64-byte boundary
	FixedHeaderSize = 64   // 0x40
	ChecksumSize    = 32   // SHA-256
	ChecksumOffset  = 0x20 // checksum position in the fixed header
)

// Element type names used in TensorMeta.DType.
const (
	DTypeFloat32 = "float32"
	DTypeFloat16 = "float16"
)

// Flags of the fixed header.
const (
	FlagHasMetadata uint32 = 1 << 2 // custom metadata included
	FlagHasConfig   uint32 = 1 << 3 // layer configuration included
)

// Header is the JSON header of an archive.
type Header struct {
	FormatVersion  int               `json:"format_version"`
	EncoderVersion string            `json:"encoder_version"`
	LayerKind      string            `json:"layer_kind"` // e.g. "transformer"
	CreatedAt      time.Time         `json:"created_at"`
	Config         json.RawMessage   `json:"config,omitempty"` // configuration the weights were built for
	Tensors        []TensorMeta      `json:"tensors"`
	Metadata       map[string]string `json:"metadata"`
}

// TensorMeta describes one tensor of the data section.
type TensorMeta struct {
	Name   string `json:"name"`   // parameter name, e.g. "attn_qkvw"
	DType  string `json:"dtype"`  // DTypeFloat32 or DTypeFloat16
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`   // bytes
}

// Tensor is one named tensor to write.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

func dtypeName(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return DTypeFloat32
	case tensor.Float16:
		return DTypeFloat16
	default:
		return "unknown"
	}
}

func dtypeSize(name string) (int, bool) {
	switch name {
	case DTypeFloat32:
		return 4, true
	case DTypeFloat16:
		return 2, true
	default:
		return 0, false
	}
}

func alignedOffset(pos int64) int64 {
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
