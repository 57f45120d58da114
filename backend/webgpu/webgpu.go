// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides a device that runs generated kernels as WGSL
// compute shaders.
//
// The native wgpu library is loaded at runtime through go-webgpu; only
// Windows builds are supported for now. Elsewhere, or when the library is
// missing, New returns an error wrapping backend.ErrUnavailable.
//
// Example:
//
//	dev, err := webgpu.New(webgpu.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bc := backend.NewContext(dev)
//	defer bc.Close()
package webgpu

import (
	"github.com/born-ml/convkernel/backend"
	"github.com/born-ml/convkernel/internal/backend/webgpu"
)

// Device is a WebGPU device.
type Device = webgpu.Device

// Options configures a Device.
type Options = webgpu.Options

// Compile-time check that Device implements backend.Device.
var _ backend.Device = (*Device)(nil)

// New opens the high-performance adapter.
func New(opts Options) (*Device, error) {
	return webgpu.New(opts)
}

// IsAvailable reports whether a WebGPU device can be opened.
func IsAvailable() bool {
	dev, err := webgpu.New(Options{})
	if err != nil {
		return false
	}
	dev.Release()
	return true
}
