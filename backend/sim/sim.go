// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sim provides a device that executes generated kernels on the host.
//
// Each workgroup runs its work-items as goroutines meeting at real barriers
// and every buffer access is bounds checked, so kernel defects surface as
// errors. It needs no GPU and is the default device of the command line tool.
//
// Example:
//
//	dev := sim.New(sim.Options{TrackWrites: true})
//	bc := backend.NewContext(dev)
//	defer bc.Close()
package sim

import (
	"github.com/born-ml/convkernel/backend"
	"github.com/born-ml/convkernel/internal/backend/sim"
)

// Device is the simulator device.
type Device = sim.Device

// Options configures a Device.
type Options = sim.Options

// Buffer is simulator memory.
type Buffer = sim.Buffer

// BarrierEvent describes a workgroup passing a barrier.
type BarrierEvent = sim.BarrierEvent

// Compile-time check that Device implements backend.Device.
var _ backend.Device = (*Device)(nil)

// New returns a simulator device.
func New(opts Options) *Device {
	return sim.New(opts)
}
