// Package backend defines the compute devices kernels run on.
//
// A Device compiles generated kernels and owns buffers. Devices are not
// global: callers hold a Context which wraps exactly one Device together with
// the registry of kernels compiled for it.
package backend

import (
	"context"
	"fmt"

	"github.com/born-ml/convkernel/internal/kernel/ir"
	"github.com/born-ml/convkernel/internal/kernel/opencl"
	"github.com/born-ml/convkernel/internal/kernel/wgsl"
)

// Dialect is the source language a device compiles.
type Dialect int

// Supported dialects.
const (
	OpenCL Dialect = iota
	WGSL
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case OpenCL:
		return "opencl"
	case WGSL:
		return "wgsl"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// ParseDialect parses a dialect name as returned by String.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "opencl", "cl":
		return OpenCL, nil
	case "wgsl":
		return WGSL, nil
	}
	return 0, fmt.Errorf("backend: unknown dialect %q", s)
}

// Source is a kernel ready for compilation.
type Source struct {
	Name   string     // entry point
	Text   string     // program text in the device dialect
	Kernel *ir.Kernel // structured form the text was rendered from
}

// Render renders k in dialect d.
func Render(d Dialect, k *ir.Kernel) (string, error) {
	switch d {
	case OpenCL:
		return opencl.Render(k)
	case WGSL:
		return wgsl.Render(k)
	}
	return "", fmt.Errorf("backend: unknown dialect %s", d)
}

// Device compiles kernels and allocates buffers.
type Device interface {
	Name() string
	Dialect() Dialect
	DType() ir.DType
	MaxWorkGroupSize() int
	NewBuffer(n int) (Buffer, error)
	Compile(ctx context.Context, src Source) (Kernel, error)
	Release()
}

// Kernel is a compiled kernel with positional buffer arguments.
type Kernel interface {
	Name() string
	SetArg(i int, b Buffer) error
	// Enqueue launches the kernel over the NDRange global split into
	// workgroups of size local. It returns when the results are visible to
	// Buffer.Read.
	Enqueue(ctx context.Context, global, local [3]int) error
	Release()
}

// Buffer is device memory holding n elements of the device DType.
// Values cross the host boundary as float32.
type Buffer interface {
	Len() int
	Write(src []float32) error
	Read(dst []float32) error
	Release()
}
