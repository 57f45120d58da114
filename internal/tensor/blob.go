// Package tensor provides the blobs layers exchange: an N-dimensional shape
// with a data array and a gradient array, each mirrored lazily between host
// memory and a device buffer.
package tensor

import (
	"fmt"

	"github.com/born-ml/convkernel/internal/backend"
)

// Blob holds data and diff arrays of the same shape.
type Blob struct {
	shape    Shape
	count    int
	capacity int
	data     *SyncedMem
	diff     *SyncedMem
}

// NewBlob returns a blob of the given shape.
func NewBlob(shape ...int) (*Blob, error) {
	b := &Blob{}
	if err := b.Reshape(shape...); err != nil {
		return nil, err
	}
	return b, nil
}

// FromSlice returns a blob holding a copy of data.
func FromSlice(data []float32, shape ...int) (*Blob, error) {
	b, err := NewBlob(shape...)
	if err != nil {
		return nil, err
	}
	if len(data) != b.count {
		return nil, fmt.Errorf("tensor: %d values for shape %v", len(data), b.shape)
	}
	dst, err := b.MutableCPUData()
	if err != nil {
		return nil, err
	}
	copy(dst, data)
	return b, nil
}

// Reshape changes the shape. Storage is reallocated only when the new count
// exceeds the capacity; the contents are unspecified afterwards.
func (b *Blob) Reshape(shape ...int) error {
	s := Shape(shape)
	if err := s.Validate(); err != nil {
		return err
	}
	b.shape = s.Clone()
	b.count = s.NumElements()
	if b.count > b.capacity || b.data == nil {
		b.releaseMem()
		b.capacity = b.count
		b.data = NewSyncedMem(b.capacity)
		b.diff = NewSyncedMem(b.capacity)
	}
	return nil
}

// ReshapeLike gives b the shape of other.
func (b *Blob) ReshapeLike(other *Blob) error {
	return b.Reshape(other.shape...)
}

// Shape returns a copy of the shape.
func (b *Blob) Shape() Shape { return b.shape.Clone() }

// NumAxes returns the number of dimensions.
func (b *Blob) NumAxes() int { return len(b.shape) }

// CanonicalAxis maps a possibly negative axis into [0, NumAxes).
func (b *Blob) CanonicalAxis(axis int) (int, error) { return b.shape.CanonicalAxis(axis) }

// ShapeAt returns the extent of axis, which may be negative.
func (b *Blob) ShapeAt(axis int) (int, error) {
	a, err := b.CanonicalAxis(axis)
	if err != nil {
		return 0, err
	}
	return b.shape[a], nil
}

// Count returns the number of elements.
func (b *Blob) Count() int { return b.count }

// CountRange returns the product of the dimensions in [start, end).
func (b *Blob) CountRange(start, end int) (int, error) {
	if start < 0 || end > len(b.shape) || start > end {
		return 0, fmt.Errorf("tensor: axis range [%d, %d) invalid for %d-D blob", start, end, len(b.shape))
	}
	return b.shape.CountRange(start, end), nil
}

// CountFrom returns the product of the dimensions from axis on.
func (b *Blob) CountFrom(axis int) (int, error) {
	return b.CountRange(axis, len(b.shape))
}

// Offset returns the flat index of the given leading coordinates.
func (b *Blob) Offset(idx ...int) (int, error) {
	if len(idx) > len(b.shape) {
		return 0, fmt.Errorf("tensor: %d indices for %d-D blob", len(idx), len(b.shape))
	}
	off := 0
	for a, dim := range b.shape {
		off *= dim
		if a < len(idx) {
			if idx[a] < 0 || idx[a] >= dim {
				return 0, fmt.Errorf("tensor: index %d out of range for axis %d of extent %d", idx[a], a, dim)
			}
			off += idx[a]
		}
	}
	return off, nil
}

// CPUData returns the data for reading on the host.
func (b *Blob) CPUData() ([]float32, error) {
	d, err := b.data.CPUData()
	return prefix(d, b.count), err
}

// MutableCPUData returns the data for writing on the host.
func (b *Blob) MutableCPUData() ([]float32, error) {
	d, err := b.data.MutableCPUData()
	return prefix(d, b.count), err
}

// CPUDiff returns the gradient for reading on the host.
func (b *Blob) CPUDiff() ([]float32, error) {
	d, err := b.diff.CPUData()
	return prefix(d, b.count), err
}

// MutableCPUDiff returns the gradient for writing on the host.
func (b *Blob) MutableCPUDiff() ([]float32, error) {
	d, err := b.diff.MutableCPUData()
	return prefix(d, b.count), err
}

// GPUData returns the data buffer on dev for reading.
func (b *Blob) GPUData(dev backend.Device) (backend.Buffer, error) { return b.data.GPUData(dev) }

// MutableGPUData returns the data buffer on dev for writing.
func (b *Blob) MutableGPUData(dev backend.Device) (backend.Buffer, error) {
	return b.data.MutableGPUData(dev)
}

// GPUDiff returns the gradient buffer on dev for reading.
func (b *Blob) GPUDiff(dev backend.Device) (backend.Buffer, error) { return b.diff.GPUData(dev) }

// MutableGPUDiff returns the gradient buffer on dev for writing.
func (b *Blob) MutableGPUDiff(dev backend.Device) (backend.Buffer, error) {
	return b.diff.MutableGPUData(dev)
}

// DataHead reports where the current data lives.
func (b *Blob) DataHead() Head { return b.data.Head() }

// ZeroDiff clears the gradient on the host.
func (b *Blob) ZeroDiff() error {
	d, err := b.MutableCPUDiff()
	if err != nil {
		return err
	}
	clear(d)
	return nil
}

// Release frees the device buffers, keeping host copies.
func (b *Blob) Release() error {
	if b.data == nil {
		return nil
	}
	err := b.data.Release()
	if derr := b.diff.Release(); err == nil {
		err = derr
	}
	return err
}

func (b *Blob) releaseMem() {
	if b.data != nil {
		_ = b.data.Release()
		_ = b.diff.Release()
	}
}

// prefix cuts a capacity sized array down to the blob count.
func prefix(s []float32, n int) []float32 {
	if s == nil {
		return nil
	}
	return s[:n]
}
