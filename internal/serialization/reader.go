package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ReaderOptions configures Read.
type ReaderOptions struct {
	SkipChecksumValidation bool
	ValidationLevel        ValidationLevel
}

// Archive is a decoded archive held in memory.
type Archive struct {
	header Header
	flags  uint32
	data   []byte
}

// Read decodes an archive from r.
func Read(r io.Reader, opts ReaderOptions) (*Archive, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("failed to read fixed header: %w", err)
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	a := &Archive{flags: binary.LittleEndian.Uint32(fixed[8:12])}
	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerJSON, &a.header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	end := int64(FixedHeaderSize) + int64(headerSize)
	if _, err := io.CopyN(io.Discard, r, alignedOffset(end)-end); err != nil {
		return nil, fmt.Errorf("failed to skip padding: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(dataSize)); err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	a.data = buf.Bytes()

	if !opts.SkipChecksumValidation {
		sum := sha256.Sum256(a.data)
		if !bytes.Equal(sum[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize]) {
			return nil, ErrChecksumMismatch
		}
	}
	if err := ValidateHeader(&a.header, int64(len(a.data)), opts.ValidationLevel); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return a, nil
}

// ReadFile decodes the archive at path.
func ReadFile(path string, opts ReaderOptions) (*Archive, error) {
	//nolint:gosec // G304: the path is chosen by the user loading weights.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Read(f, opts)
}

// Header returns the archive header.
func (a *Archive) Header() Header { return a.header }

// Flags returns the flags of the fixed header.
func (a *Archive) Flags() uint32 { return a.flags }

// TensorNames lists the tensors in storage order.
func (a *Archive) TensorNames() []string {
	names := make([]string, len(a.header.Tensors))
	for i, t := range a.header.Tensors {
		names[i] = t.Name
	}
	return names
}

// Tensor returns the metadata and bytes of the named tensor.
func (a *Archive) Tensor(name string) (TensorMeta, []byte, error) {
	for _, t := range a.header.Tensors {
		if t.Name == name {
			if t.Offset < 0 || t.Size < 0 || t.Offset+t.Size > int64(len(a.data)) {
				return t, nil, &ValidationError{Type: "out_of_bounds", Tensor: name, Details: "outside the data section"}
			}
			return t, a.data[t.Offset : t.Offset+t.Size], nil
		}
	}
	return TensorMeta{}, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
}
