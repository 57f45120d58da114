package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
)

// WriterOptions configures Write.
type WriterOptions struct {
	DType    DType             // element type on disk, F32 when empty
	Metadata map[string]string // stored under "__metadata__"
}

// Write encodes tensors to w. Tensors are laid out in name order and the
// data checksum is added to the metadata.
func Write(w io.Writer, tensors map[string]Tensor, opts WriterOptions) error {
	dt := opts.DType
	if dt == "" {
		dt = F32
	}
	size, err := dt.Size()
	if err != nil {
		return err
	}

	names := slices.Sorted(maps.Keys(tensors))
	header := make(map[string]any, len(names)+1)
	var total int64
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		t := tensors[name]
		if t.count() != len(t.Data) {
			return fmt.Errorf("tensor %q: %w: shape %v, %d values", name, ErrShapeMismatch, t.Shape, len(t.Data))
		}
		n := int64(len(t.Data) * size)
		shape := make([]int64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = int64(d)
		}
		header[name] = entry{DType: dt, Shape: shape, DataOffsets: [2]int64{total, total + n}}
		total += n
	}

	data := make([]byte, total)
	for _, name := range names {
		e := header[name].(entry)
		encode(data[e.DataOffsets[0]:e.DataOffsets[1]], dt, tensors[name].Data)
	}

	meta := maps.Clone(opts.Metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[checksumKey] = ComputeChecksum(data)
	header[metadataKey] = meta

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	// Pad with spaces so the data section starts 8-byte aligned.
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := bw.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := bw.Write(data); err != nil {
		return fmt.Errorf("failed to write tensor data: %w", err)
	}
	return bw.Flush()
}

// WriteFile writes tensors to path.
func WriteFile(path string, tensors map[string]Tensor, opts WriterOptions) (err error) {
	//nolint:gosec // G304: path comes from the caller
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, tensors, opts)
}
