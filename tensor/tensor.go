// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides Blob, the float32 array layers exchange.
//
// A Blob holds data and gradient arrays that are mirrored lazily between
// host memory and one device buffer. Reading on one side after writing on
// the other copies once; DataHead reports where the current copy lives.
//
// Example:
//
//	b, err := tensor.FromSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
//	data, err := b.CPUData()
package tensor

import "github.com/born-ml/convkernel/internal/tensor"

// Blob is a shaped float32 array with a gradient.
type Blob = tensor.Blob

// Shape is a list of axis extents.
type Shape = tensor.Shape

// Head records where the current copy of a blob lives.
type Head = tensor.Head

// Memory states.
const (
	Uninitialized = tensor.Uninitialized
	AtCPU         = tensor.AtCPU
	AtGPU         = tensor.AtGPU
	Synced        = tensor.Synced
)

// NewBlob allocates a zeroed blob.
func NewBlob(shape ...int) (*Blob, error) {
	return tensor.NewBlob(shape...)
}

// FromSlice wraps a copy of data in a blob of the given shape.
func FromSlice(data []float32, shape ...int) (*Blob, error) {
	return tensor.FromSlice(data, shape...)
}
