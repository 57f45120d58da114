// Package webgpu implements a backend.Device on WebGPU through the zero-CGO
// go-webgpu bindings. Kernels are rendered to WGSL and every buffer parameter
// becomes a storage binding in group 0, in parameter order.
//
// The native wgpu library is loaded at runtime. When it is missing, or the
// platform is not supported, New returns an error wrapping
// backend.ErrUnavailable.
package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// Options configures a Device.
type Options struct {
	DType ir.DType
	// MaxWorkGroupSize caps work-items per workgroup. Zero selects
	// DefaultMaxWorkGroupSize, the WebGPU baseline limit.
	MaxWorkGroupSize int
}

// DefaultMaxWorkGroupSize is maxComputeInvocationsPerWorkgroup of the
// WebGPU default limits.
const DefaultMaxWorkGroupSize = 256

// byteSize returns the storage size of n elements of d, padded to the four
// byte alignment storage bindings require.
func byteSize(d ir.DType, n int) uint64 {
	size := uint64(n * d.Size()) //nolint:gosec // G115: n is non-negative
	size = (size + 3) &^ 3
	if size == 0 {
		size = 4
	}
	return size
}

// encode packs src into little-endian elements of d.
func encode(d ir.DType, src []float32, dst []byte) error {
	if len(dst) < len(src)*d.Size() {
		return fmt.Errorf("webgpu: %d bytes cannot hold %d %s values", len(dst), len(src), d)
	}
	switch d {
	case ir.Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case ir.Float16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	default:
		return fmt.Errorf("webgpu: unsupported dtype %s", d)
	}
	return nil
}

// decode unpacks little-endian elements of d into dst.
func decode(d ir.DType, src []byte, dst []float32) error {
	if len(src) < len(dst)*d.Size() {
		return fmt.Errorf("webgpu: %d bytes hold fewer than %d %s values", len(src), len(dst), d)
	}
	switch d {
	case ir.Float32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case ir.Float16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	default:
		return fmt.Errorf("webgpu: unsupported dtype %s", d)
	}
	return nil
}

// workgroups converts an NDRange into a workgroup count, checking it the way
// an OpenCL runtime checks clEnqueueNDRangeKernel arguments.
func workgroups(global, local, required [3]int, limit int) ([3]uint32, error) {
	var n [3]uint32
	total := 1
	for i := range global {
		if global[i] <= 0 || local[i] <= 0 {
			return n, fmt.Errorf("non-positive size in dimension %d", i)
		}
		if global[i]%local[i] != 0 {
			return n, fmt.Errorf("global size %d is not a multiple of local size %d in dimension %d", global[i], local[i], i)
		}
		if local[i] != required[i] {
			return n, fmt.Errorf("local size %v differs from the compiled workgroup %v", local, required)
		}
		total *= local[i]
		n[i] = uint32(global[i] / local[i]) //nolint:gosec // G115: checked positive
	}
	if total > limit {
		return n, fmt.Errorf("workgroup of %d work-items exceeds the limit of %d", total, limit)
	}
	return n, nil
}
