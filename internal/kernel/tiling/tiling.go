// Package tiling describes the blocking parameters of the tiled GEMM kernels.
package tiling

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by Validate for inconsistent tilings.
var ErrInvalidConfig = errors.New("tiling: invalid configuration")

// DefaultMaxWorkGroup is the workgroup limit assumed when the device does not report one.
const DefaultMaxWorkGroup = 256

// Config holds the tiling constants of the forward convolution kernel.
// The M and N tile sizes are derived: TSM = WPTM*RTSM, TSN = WPTN*RTSN.
type Config struct {
	TSK       int `yaml:"tsk"`        // tile size in K
	TSKUnroll int `yaml:"tsk_unroll"` // unroll factor of the inner K loop
	WPTM      int `yaml:"wptm"`       // work per thread in M
	WPTN      int `yaml:"wptn"`       // work per thread in N
	VWM       int `yaml:"vwm"`        // vector width in M
	VWN       int `yaml:"vwn"`        // vector width in N
	RTSM      int `yaml:"rtsm"`       // reduced tile size in M
	RTSN      int `yaml:"rtsn"`       // reduced tile size in N
	PadA      int `yaml:"pad_a"`      // local memory padding of the A tile
	PadB      int `yaml:"pad_b"`      // local memory padding of the B tile
}

// Default returns the 64x64x8 tiling with 16x16 workgroups.
func Default() Config {
	return Config{
		TSK:       8,
		TSKUnroll: 1,
		WPTM:      4,
		WPTN:      4,
		VWM:       4,
		VWN:       4,
		RTSM:      16,
		RTSN:      16,
		PadA:      1,
		PadB:      1,
	}
}

// Small returns an 8x8x4 tiling with 4x4 workgroups. It keeps the simulator
// fast in tests while still exercising vectorization and multi-load tiles.
func Small() Config {
	return Config{
		TSK:       4,
		TSKUnroll: 2,
		WPTM:      2,
		WPTN:      2,
		VWM:       2,
		VWN:       2,
		RTSM:      4,
		RTSN:      4,
		PadA:      1,
		PadB:      1,
	}
}

// TSM returns the tile size in M.
func (c Config) TSM() int { return c.WPTM * c.RTSM }

// TSN returns the tile size in N.
func (c Config) TSN() int { return c.WPTN * c.RTSN }

// WorkGroupSize returns the number of threads per workgroup.
func (c Config) WorkGroupSize() int { return c.RTSM * c.RTSN }

// LPTA returns the loads per thread for one A tile.
func (c Config) LPTA() int { return (c.TSK * c.TSM()) / c.WorkGroupSize() }

// LPTB returns the loads per thread for one B tile.
func (c Config) LPTB() int { return (c.TSK * c.TSN()) / c.WorkGroupSize() }

// NumTiles returns the number of K tiles, rounded up to the next even count.
// Some OpenCL 2.0 drivers miscompile odd trip counts; the guards in the tile
// loads make the extra tile harmless.
func NumTiles(k, tsk int) int {
	return ((k-1)/(tsk*2) + 1) * 2
}

// NumTiles returns the number of K tiles for a GEMM with inner dimension k.
func (c Config) NumTiles(k int) int {
	return NumTiles(k, c.TSK)
}

// Validate checks the tiling identities. maxWorkGroup <= 0 selects DefaultMaxWorkGroup.
func (c Config) Validate(maxWorkGroup int) error {
	if maxWorkGroup <= 0 {
		maxWorkGroup = DefaultMaxWorkGroup
	}
	fields := []struct {
		name string
		v    int
	}{
		{"TSK", c.TSK}, {"TSK_UNROLL", c.TSKUnroll}, {"WPTM", c.WPTM}, {"WPTN", c.WPTN},
		{"VWM", c.VWM}, {"VWN", c.VWN}, {"RTSM", c.RTSM}, {"RTSN", c.RTSN},
	}
	for _, f := range fields {
		if f.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, f.name, f.v)
		}
	}
	if c.PadA < 0 || c.PadB < 0 {
		return fmt.Errorf("%w: local padding must be non-negative", ErrInvalidConfig)
	}
	if !validVectorWidth(c.VWM) || !validVectorWidth(c.VWN) {
		return fmt.Errorf("%w: vector widths must be 1, 2, 4, 8 or 16, got VWM=%d VWN=%d",
			ErrInvalidConfig, c.VWM, c.VWN)
	}
	if c.WPTM%c.VWM != 0 || c.WPTN%c.VWN != 0 {
		return fmt.Errorf("%w: work per thread (%d, %d) must be a multiple of vector width (%d, %d)",
			ErrInvalidConfig, c.WPTM, c.WPTN, c.VWM, c.VWN)
	}
	if c.TSK%c.TSKUnroll != 0 {
		return fmt.Errorf("%w: TSK=%d not divisible by TSK_UNROLL=%d", ErrInvalidConfig, c.TSK, c.TSKUnroll)
	}
	wg := c.WorkGroupSize()
	if wg > maxWorkGroup {
		return fmt.Errorf("%w: workgroup of %d threads exceeds device limit %d", ErrInvalidConfig, wg, maxWorkGroup)
	}
	if (c.TSK*c.TSM())%wg != 0 || (c.TSK*c.TSN())%wg != 0 {
		return fmt.Errorf("%w: tiles %dx%d and %dx%d do not split evenly over %d threads",
			ErrInvalidConfig, c.TSM(), c.TSK, c.TSK, c.TSN(), wg)
	}
	return nil
}

// Key returns a canonical textual form used in kernel fingerprints.
func (c Config) Key() string {
	return fmt.Sprintf("tsk=%d/%d,wpt=%dx%d,vw=%dx%d,rts=%dx%d,pad=%d/%d",
		c.TSK, c.TSKUnroll, c.WPTM, c.WPTN, c.VWM, c.VWN, c.RTSM, c.RTSN, c.PadA, c.PadB)
}

func validVectorWidth(w int) bool {
	switch w {
	case 1, 2, 4, 8, 16:
		return true
	}
	return false
}
