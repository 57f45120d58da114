// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package backend provides the device contracts generated kernels run on
// and the Context that caches compiled kernels for one device.
//
// Devices live in subpackages:
//   - sim: executes kernels on the host with barrier and bounds checking
//   - webgpu: runs WGSL kernels through WebGPU
//
// Example:
//
//	bc := backend.NewContext(sim.New(sim.Options{}))
//	defer bc.Close()
//	k, err := bc.Kernel(ctx, fingerprint, build)
//	err = bc.Launch(ctx, k, args, global, local)
package backend

import (
	"log/slog"

	"github.com/born-ml/convkernel/internal/backend"
)

// Device compiles kernels and allocates buffers.
type Device = backend.Device

// Kernel is a compiled kernel.
type Kernel = backend.Kernel

// Buffer is device memory.
type Buffer = backend.Buffer

// Source is a rendered kernel ready for compilation.
type Source = backend.Source

// Builder produces a kernel on first use.
type Builder = backend.Builder

// Dialect is the source language of a device.
type Dialect = backend.Dialect

// Supported dialects.
const (
	OpenCL = backend.OpenCL
	WGSL   = backend.WGSL
)

// ParseDialect parses "opencl" or "wgsl".
func ParseDialect(s string) (Dialect, error) {
	return backend.ParseDialect(s)
}

// Context owns one device and its compiled kernels.
type Context = backend.Context

// Stats counts registry activity.
type Stats = backend.Stats

// Option configures a Context.
type Option = backend.Option

// NewContext returns a context owning dev.
func NewContext(dev Device, opts ...Option) *Context {
	return backend.NewContext(dev, opts...)
}

// WithLogger sets the context logger.
func WithLogger(l *slog.Logger) Option {
	return backend.WithLogger(l)
}

// Errors

// Common errors.
var (
	ErrUnavailable       = backend.ErrUnavailable
	ErrReleased          = backend.ErrReleased
	ErrWorkGroupSize     = backend.ErrWorkGroupSize
	ErrOutOfBounds       = backend.ErrOutOfBounds
	ErrBarrierDivergence = backend.ErrBarrierDivergence
	ErrBufferSize        = backend.ErrBufferSize
)

// CompileError reports a kernel the device refused to build.
type CompileError = backend.CompileError

// ArgumentError reports a buffer that could not be bound.
type ArgumentError = backend.ArgumentError

// EnqueueError reports a failed launch.
type EnqueueError = backend.EnqueueError
