package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ReaderOptions configures Read.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// File is a decoded SafeTensors file.
type File struct {
	Tensors  map[string]Tensor
	Metadata map[string]string
}

// Read decodes a SafeTensors stream.
func Read(r io.Reader, opts ReaderOptions) (*File, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	f := &File{Tensors: make(map[string]Tensor, len(raw))}
	entries := make(map[string]entry, len(raw))
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("failed to parse tensor %q: %w", name, err)
		}
		entries[name] = e
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if err := validateHeader(entries, int64(len(data)), opts.ValidationLevel); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if sum, ok := f.Metadata[checksumKey]; ok && !opts.SkipChecksumValidation {
		if err := ValidateChecksum(data, sum); err != nil {
			return nil, err
		}
	}

	for name, e := range entries {
		t, err := decodeEntry(name, e, data)
		if err != nil {
			return nil, err
		}
		f.Tensors[name] = t
	}
	return f, nil
}

func decodeEntry(name string, e entry, data []byte) (Tensor, error) {
	size, err := e.DType.Size()
	if err != nil {
		return Tensor{}, fmt.Errorf("tensor %q: %w", name, err)
	}
	t := Tensor{Shape: make([]int, len(e.Shape))}
	n := 1
	for i, d := range e.Shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("tensor %q: negative dimension %d", name, d)
		}
		t.Shape[i] = int(d)
		n *= int(d)
	}
	start, end := e.DataOffsets[0], e.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(data)) {
		return Tensor{}, &ValidationError{
			Type:    "out_of_bounds",
			Tensor:  name,
			Details: fmt.Sprintf("range [%d-%d] outside data of %d bytes", start, end, len(data)),
		}
	}
	if int64(n*size) != end-start {
		return Tensor{}, fmt.Errorf("tensor %q: %w: shape %v needs %d bytes, range holds %d",
			name, ErrShapeMismatch, t.Shape, n*size, end-start)
	}
	t.Data = make([]float32, n)
	decode(t.Data, e.DType, data[start:end])
	return t, nil
}

// ReadFile decodes the SafeTensors file at path.
func ReadFile(path string, opts ReaderOptions) (*File, error) {
	//nolint:gosec // G304: path comes from the caller
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Read(f, opts)
}
