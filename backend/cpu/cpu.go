// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the host reference convolution.
//
// The reference path lowers each sample to an im2col matrix and multiplies
// it per group with gonum's BLAS. Generated kernels are checked against it.
//
// Example:
//
//	c, err := cpu.NewConv(cpu.Geometry{
//	    Input:     []int{3, 32, 32},
//	    Kernel:    []int{3, 3},
//	    Stride:    []int{1, 1},
//	    Pad:       []int{1, 1},
//	    Dilation:  []int{1, 1},
//	    NumOutput: 16,
//	    Groups:    1,
//	})
//	err = c.Forward(bottom, weight, bias, top, batch)
package cpu

import (
	"github.com/born-ml/convkernel/internal/backend/cpu"
	"github.com/born-ml/convkernel/internal/geometry"
	"github.com/born-ml/convkernel/internal/parallel"
)

// Geometry is a fully specified convolution geometry.
type Geometry = geometry.Conv

// Conv runs one geometry on the host.
type Conv = cpu.Conv

// NewConv prepares the reference convolution for g, parallelized over the
// batch and channels.
func NewConv(g Geometry) (*Conv, error) {
	return cpu.NewConv(g, parallel.DefaultConfig())
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c for row-major matrices.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	cpu.Gemm(transA, transB, m, n, k, alpha, a, b, beta, c)
}
