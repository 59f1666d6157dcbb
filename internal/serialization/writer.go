package serialization

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Version is the encoder version recorded in written headers.
const Version = "0.1.0"

// Write writes header and tensors to w. The tensor list of header is
// rebuilt from tensors, in their order.
func Write(w io.Writer, header Header, tensors []Tensor) error {
	header.FormatVersion = FormatVersion
	if header.EncoderVersion == "" {
		header.EncoderVersion = Version
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	hash := sha256.New()
	var offset int64
	header.Tensors = make([]TensorMeta, 0, len(tensors))
	for _, t := range tensors {
		meta := TensorMeta{Name: t.Name, DType: t.DType, Shape: t.Shape, Offset: offset, Size: int64(len(t.Data))}
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
		if err := validateTensorSize(meta); err != nil {
			return err
		}
		header.Tensors = append(header.Tensors, meta)
		hash.Write(t.Data)
		offset += meta.Size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	var flags uint32
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if len(header.Config) > 0 {
		flags |= FlagHasConfig
	}
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(offset))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], hash.Sum(nil))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(fixed); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := bw.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	end := int64(FixedHeaderSize + len(headerJSON))
	if pad := alignedOffset(end) - end; pad > 0 {
		if _, err := bw.Write(make([]byte, pad)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}
	for _, t := range tensors {
		if _, err := bw.Write(t.Data); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", t.Name, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	return nil
}

// WriteFile writes an archive to path.
func WriteFile(path string, header Header, tensors []Tensor) (err error) {
	//nolint:gosec // G304: the path is chosen by the user saving weights.
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close file: %w", cerr)
		}
	}()
	return Write(f, header, tensors)
}
