// Package sim implements a backend.Device that executes generated kernels on
// the host.
//
// Kernels are compiled from their structured form into Go closures. Each
// workgroup owns its local memory and runs its work-items as goroutines that
// meet at real barriers, so synchronization mistakes in a kernel surface as
// errors instead of silently wrong results. Every buffer access is bounds
// checked.
package sim

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/x448/float16"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// DefaultMaxWorkGroupSize is the work-item limit when Options leaves it unset.
const DefaultMaxWorkGroupSize = 1024

// Options configures a Device.
type Options struct {
	DType            ir.DType
	Workers          int // concurrent workgroups, GOMAXPROCS when zero
	MaxWorkGroupSize int
	// TrackWrites counts stores per buffer element, see Buffer.Writes.
	TrackWrites bool
	// OnBarrier is called each time a workgroup passes a barrier, while all
	// of its work-items are parked. It may be called from several
	// workgroups concurrently.
	OnBarrier func(BarrierEvent)
}

// Device is the simulator.
type Device struct {
	opts     Options
	round    func(float32) float32
	released atomic.Bool
}

// New returns a simulator device.
func New(opts Options) *Device {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.MaxWorkGroupSize <= 0 {
		opts.MaxWorkGroupSize = DefaultMaxWorkGroupSize
	}
	d := &Device{opts: opts, round: func(v float32) float32 { return v }}
	if opts.DType == ir.Float16 {
		d.round = func(v float32) float32 { return float16.Fromfloat32(v).Float32() }
	}
	return d
}

// Name returns "sim".
func (d *Device) Name() string { return "sim" }

// Dialect reports OpenCL, the text handed to Compile for inspection.
func (d *Device) Dialect() backend.Dialect { return backend.OpenCL }

// DType returns the element type of buffers and arithmetic.
func (d *Device) DType() ir.DType { return d.opts.DType }

// MaxWorkGroupSize returns the work-item limit per workgroup.
func (d *Device) MaxWorkGroupSize() int { return d.opts.MaxWorkGroupSize }

// NewBuffer allocates a zeroed buffer of n elements.
func (d *Device) NewBuffer(n int) (backend.Buffer, error) {
	if d.released.Load() {
		return nil, backend.ErrReleased
	}
	if n < 0 {
		return nil, fmt.Errorf("sim: negative buffer length %d", n)
	}
	b := &Buffer{data: make([]float32, n), round: d.round}
	if d.opts.TrackWrites {
		b.writes = make([]int32, n)
	}
	return b, nil
}

// Compile compiles the structured kernel carried by src.
func (d *Device) Compile(_ context.Context, src backend.Source) (backend.Kernel, error) {
	if d.released.Load() {
		return nil, backend.ErrReleased
	}
	if src.Kernel == nil {
		return nil, &backend.CompileError{Kernel: src.Name, Err: errors.New("sim: source carries no kernel")}
	}
	if src.Kernel.DType != d.opts.DType {
		return nil, &backend.CompileError{Kernel: src.Name,
			Err: fmt.Errorf("sim: kernel is %s, device is %s", src.Kernel.DType, d.opts.DType)}
	}
	prog, err := compile(src.Kernel, d.round)
	if err != nil {
		return nil, &backend.CompileError{Kernel: src.Name, Err: err}
	}
	return &Kernel{dev: d, prog: prog, args: make([]*Buffer, len(prog.params))}, nil
}

// Release marks the device released; later allocations and compilations fail.
func (d *Device) Release() { d.released.Store(true) }

// Buffer is host memory standing in for device memory. Stored values are
// rounded to the device DType.
type Buffer struct {
	mu       sync.Mutex
	data     []float32
	writes   []int32
	round    func(float32) float32
	released atomic.Bool
}

// Len returns the element count.
func (b *Buffer) Len() int { return len(b.data) }

// Write copies src into the buffer. len(src) must equal Len.
func (b *Buffer) Write(src []float32) error {
	if b.released.Load() {
		return backend.ErrReleased
	}
	if len(src) != len(b.data) {
		return fmt.Errorf("%w: write %d elements into %d", backend.ErrBufferSize, len(src), len(b.data))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range src {
		b.data[i] = b.round(v)
	}
	return nil
}

// Read copies the buffer into dst. len(dst) must equal Len.
func (b *Buffer) Read(dst []float32) error {
	if b.released.Load() {
		return backend.ErrReleased
	}
	if len(dst) != len(b.data) {
		return fmt.Errorf("%w: read %d elements into %d", backend.ErrBufferSize, len(b.data), len(dst))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(dst, b.data)
	return nil
}

// Release frees the buffer.
func (b *Buffer) Release() {
	b.released.Store(true)
}

// Writes returns how many kernel stores hit each element since the last
// ResetWrites, or nil when the device does not track writes.
func (b *Buffer) Writes() []int {
	if b.writes == nil {
		return nil
	}
	out := make([]int, len(b.writes))
	for i := range b.writes {
		out[i] = int(atomic.LoadInt32(&b.writes[i]))
	}
	return out
}

// ResetWrites zeroes the write counters.
func (b *Buffer) ResetWrites() {
	for i := range b.writes {
		atomic.StoreInt32(&b.writes[i], 0)
	}
}

// at returns element i and its write counter.
func (b *Buffer) at(i int, name string) (*float32, *int32) {
	if i < 0 || i >= len(b.data) {
		outOfBounds("%s[%d] outside buffer of %d elements", name, i, len(b.data))
	}
	if b.writes == nil {
		return &b.data[i], nil
	}
	return &b.data[i], &b.writes[i]
}
