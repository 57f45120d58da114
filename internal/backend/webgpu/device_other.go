//go:build !windows

package webgpu

import (
	"context"
	"fmt"
	"runtime"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// Device is unavailable on this platform; New always fails.
type Device struct{}

// New reports backend.ErrUnavailable.
func New(Options) (*Device, error) {
	return nil, fmt.Errorf("%w: webgpu is not supported on %s", backend.ErrUnavailable, runtime.GOOS)
}

func (*Device) Name() string                  { return "webgpu" }
func (*Device) Dialect() backend.Dialect      { return backend.WGSL }
func (*Device) DType() ir.DType               { return ir.Float32 }
func (*Device) MaxWorkGroupSize() int         { return DefaultMaxWorkGroupSize }
func (*Device) PoolStats() (hits, misses int) { return 0, 0 }
func (*Device) Release()                      {}

func (*Device) NewBuffer(int) (backend.Buffer, error) { return nil, backend.ErrUnavailable }

func (*Device) Compile(context.Context, backend.Source) (backend.Kernel, error) {
	return nil, backend.ErrUnavailable
}
