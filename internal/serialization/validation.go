package serialization

import (
	"fmt"
	"sort"
	"strings"
)

// Validation limits.
const (
	MaxHeaderSize    = 16 * 1024 * 1024
	MaxTensorCount   = 4096
	MaxTensorNameLen = 256
)

// ValidationLevel controls how much of a header is checked on read.
type ValidationLevel int

const (
	// ValidationStrict checks names, element sizes and offsets.
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks names and element sizes only.
	ValidationNormal
	// ValidationNone trusts the header.
	ValidationNone
)

// ValidateTensorName rejects names that could escape a directory or hide
// bytes from length checks.
func ValidateTensorName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{Type: "name_too_long", Tensor: name, Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen)}
	case strings.Contains(name, ".."):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains '..'"}
	case strings.ContainsAny(name, "/\\"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains a path separator"}
	case strings.ContainsRune(name, 0):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains a null byte"}
	}
	return nil
}

// validateTensorSize checks that a tensor's byte size matches its shape
// and element type.
func validateTensorSize(t TensorMeta) error {
	size, ok := dtypeSize(t.DType)
	if !ok {
		return &ValidationError{Type: "unsupported_dtype", Tensor: t.Name, Details: t.DType}
	}
	n := int64(1)
	for _, d := range t.Shape {
		if d <= 0 {
			return &ValidationError{Type: "invalid_shape", Tensor: t.Name, Details: fmt.Sprintf("%v", t.Shape)}
		}
		n *= int64(d)
	}
	if n*int64(size) != t.Size {
		return &ValidationError{
			Type:    "size_mismatch",
			Tensor:  t.Name,
			Details: fmt.Sprintf("shape %v of %s needs %d bytes, header says %d", t.Shape, t.DType, n*int64(size), t.Size),
		}
	}
	return nil
}

// ValidateTensorOffsets checks for negative, overlapping and out-of-bounds
// tensor regions.
func ValidateTensorOffsets(tensors []TensorMeta, dataSize int64) error {
	sorted := make([]TensorMeta, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i, t := range sorted {
		if t.Offset < 0 || t.Size < 0 {
			return &ValidationError{Type: "negative_offset", Tensor: t.Name, Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size)}
		}
		if t.Offset+t.Size > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if t.Offset+t.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  t.Name,
					Tensor2: next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap", t.Offset, t.Offset+t.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}

// ValidateHeader checks h against a data section of dataSize bytes.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	if len(h.Tensors) > MaxTensorCount {
		return &ValidationError{Type: "too_many_tensors", Details: fmt.Sprintf("got %d, max %d", len(h.Tensors), MaxTensorCount)}
	}
	seen := make(map[string]bool, len(h.Tensors))
	for _, t := range h.Tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
		if seen[t.Name] {
			return &ValidationError{Type: "duplicate_name", Tensor: t.Name, Details: "tensor listed twice"}
		}
		seen[t.Name] = true
		if err := validateTensorSize(t); err != nil {
			return err
		}
	}
	if level == ValidationStrict {
		return ValidateTensorOffsets(h.Tensors, dataSize)
	}
	return nil
}
