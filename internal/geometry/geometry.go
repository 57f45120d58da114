// Package geometry resolves the spatial geometry of N-dimensional convolutions.
package geometry

import (
	"fmt"
	"strings"
)

// Conv is a fully specified convolution geometry.
//
// Input holds the channel count followed by the spatial extents of one sample.
// Kernel, Stride, Pad and Dilation hold one value per spatial axis.
type Conv struct {
	Input     []int
	Kernel    []int
	Stride    []int
	Pad       []int
	Dilation  []int
	NumOutput int
	Groups    int
}

// SpatialAxes returns the number of spatial axes.
func (c Conv) SpatialAxes() int {
	return len(c.Kernel)
}

// Channels returns the number of input channels.
func (c Conv) Channels() int {
	if len(c.Input) == 0 {
		return 0
	}
	return c.Input[0]
}

// InputSpatial returns the spatial extents of the input.
func (c Conv) InputSpatial() []int {
	if len(c.Input) == 0 {
		return nil
	}
	return c.Input[1:]
}

// Validate checks the geometry and the group partitioning.
func (c Conv) Validate() error {
	if len(c.Input) != len(c.Kernel)+1 {
		return configErr("input", -1, ErrAxisMismatch,
			"input has %d spatial axes, kernel has %d", len(c.Input)-1, len(c.Kernel))
	}
	if c.Channels() <= 0 {
		return configErr("input", -1, ErrInvalidChannels, "got %d input channels", c.Channels())
	}
	if c.NumOutput <= 0 {
		return configErr("num_output", -1, ErrInvalidChannels, "got %d output channels", c.NumOutput)
	}
	if c.Groups <= 0 || c.Channels()%c.Groups != 0 || c.NumOutput%c.Groups != 0 {
		return configErr("group", -1, ErrGroupMismatch,
			"group=%d, input channels=%d, output channels=%d", c.Groups, c.Channels(), c.NumOutput)
	}
	_, err := Resolve(c.InputSpatial(), c.Kernel, c.Stride, c.Pad, c.Dilation)
	return err
}

// Output returns the spatial extents of the output.
func (c Conv) Output() ([]int, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return Resolve(c.InputSpatial(), c.Kernel, c.Stride, c.Pad, c.Dilation)
}

// KernelVolume returns the product of the kernel extents.
func (c Conv) KernelVolume() int {
	return Volume(c.Kernel)
}

// Key returns a canonical textual form of the geometry.
func (c Conv) Key() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "in=%s,k=%s,s=%s,p=%s,d=%s,out=%d,g=%d",
		joinInts(c.Input), joinInts(c.Kernel), joinInts(c.Stride),
		joinInts(c.Pad), joinInts(c.Dilation), c.NumOutput, c.Groups)
	return sb.String()
}

// Resolve computes the output extent of every spatial axis:
//
//	out = (in + 2*pad - (dilation*(kernel-1) + 1)) / stride + 1
func Resolve(input, kernel, stride, pad, dilation []int) ([]int, error) {
	n := len(kernel)
	lists := []struct {
		name string
		vals []int
	}{{"input", input}, {"stride", stride}, {"pad", pad}, {"dilation", dilation}}
	for _, l := range lists {
		if len(l.vals) != n {
			return nil, configErr(l.name, -1, ErrAxisMismatch, "got %d values for %d spatial axes", len(l.vals), n)
		}
	}

	out := make([]int, n)
	for i := 0; i < n; i++ {
		switch {
		case kernel[i] <= 0:
			return nil, configErr("kernel", i, ErrInvalidKernel, "got %d", kernel[i])
		case stride[i] <= 0:
			return nil, configErr("stride", i, ErrInvalidStride, "got %d", stride[i])
		case dilation[i] < 1:
			return nil, configErr("dilation", i, ErrInvalidDilation, "got %d", dilation[i])
		case pad[i] < 0:
			return nil, configErr("pad", i, ErrNegativePad, "got %d", pad[i])
		}
		extent := dilation[i]*(kernel[i]-1) + 1
		span := input[i] + 2*pad[i] - extent
		if span < 0 {
			return nil, configErr("output", i, ErrNonPositiveOutput,
				"input %d with pad %d is smaller than kernel extent %d", input[i], pad[i], extent)
		}
		out[i] = span/stride[i] + 1
	}
	return out, nil
}

// Broadcast expands a parameter list to one value per spatial axis.
// An empty list yields def on every axis, a single value is repeated.
func Broadcast(vals []int, axes, def int) ([]int, error) {
	out := make([]int, axes)
	switch len(vals) {
	case 0:
		for i := range out {
			out[i] = def
		}
	case 1:
		for i := range out {
			out[i] = vals[0]
		}
	case axes:
		copy(out, vals)
	default:
		return nil, configErr("parameter", -1, ErrAxisMismatch,
			"got %d values, want 1 or %d", len(vals), axes)
	}
	return out, nil
}

// Volume returns the product of dims (1 for an empty list).
func Volume(dims []int) int {
	v := 1
	for _, d := range dims {
		v *= d
	}
	return v
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprint(x)
	}
	return "[" + strings.Join(parts, "x") + "]"
}
