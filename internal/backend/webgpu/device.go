//go:build windows

package webgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// Device is a WebGPU adapter and its logical device.
type Device struct {
	opts     Options
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     wgpu.AdapterInfo
	pool     *bufferPool

	// submit serializes queue submissions with buffer mapping.
	submit   sync.Mutex
	released atomic.Bool
}

// New opens the high-performance adapter.
func New(opts Options) (d *Device, err error) {
	// go-webgpu panics when the wgpu_native library cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("%w: native library not available: %v", backend.ErrUnavailable, r)
		}
	}()

	if opts.DType != ir.Float32 {
		return nil, fmt.Errorf("%w: webgpu devices run %s kernels only", backend.ErrUnavailable, ir.Float32)
	}
	if opts.MaxWorkGroupSize <= 0 {
		opts.MaxWorkGroupSize = DefaultMaxWorkGroupSize
	}

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: request adapter: %w", backend.ErrUnavailable, err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %w", backend.ErrUnavailable, err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: device has no queue", backend.ErrUnavailable)
	}

	return &Device{
		opts:     opts,
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		info:     adapter.GetInfo(),
		pool:     newBufferPool(device),
	}, nil
}

// Name returns "webgpu" followed by the adapter description.
func (d *Device) Name() string {
	if d.info.Device == "" {
		return "webgpu"
	}
	return "webgpu (" + d.info.Device + ")"
}

// Dialect returns backend.WGSL.
func (d *Device) Dialect() backend.Dialect { return backend.WGSL }

// DType returns the buffer element type.
func (d *Device) DType() ir.DType { return d.opts.DType }

// MaxWorkGroupSize returns the work-item limit per workgroup.
func (d *Device) MaxWorkGroupSize() int { return d.opts.MaxWorkGroupSize }

// PoolStats reports storage buffer reuse.
func (d *Device) PoolStats() (hits, misses int) { return d.pool.stats() }

// NewBuffer allocates a zeroed storage buffer of n elements.
func (d *Device) NewBuffer(n int) (backend.Buffer, error) {
	if d.released.Load() {
		return nil, backend.ErrReleased
	}
	if n < 0 {
		return nil, fmt.Errorf("webgpu: negative buffer length %d", n)
	}
	buf, class := d.pool.acquire(byteSize(d.opts.DType, n))
	b := &Buffer{dev: d, buf: buf, class: class, n: n}
	// Pooled buffers carry stale contents.
	if err := b.Write(make([]float32, n)); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

// Compile builds a compute pipeline whose entry point is src.Name.
func (d *Device) Compile(_ context.Context, src backend.Source) (k backend.Kernel, err error) {
	if d.released.Load() {
		return nil, backend.ErrReleased
	}
	if src.Kernel == nil {
		return nil, &backend.CompileError{Kernel: src.Name, Err: errors.New("webgpu: source carries no kernel")}
	}
	if src.Kernel.DType != d.opts.DType {
		return nil, &backend.CompileError{Kernel: src.Name,
			Err: fmt.Errorf("webgpu: kernel is %s, device is %s", src.Kernel.DType, d.opts.DType)}
	}
	defer func() {
		if r := recover(); r != nil {
			k = nil
			err = &backend.CompileError{Kernel: src.Name, Log: src.Text, Err: fmt.Errorf("webgpu: %v", r)}
		}
	}()

	shader := d.device.CreateShaderModuleWGSL(src.Text)
	if shader == nil {
		return nil, &backend.CompileError{Kernel: src.Name, Log: src.Text, Err: errors.New("webgpu: shader module rejected")}
	}
	pipeline := d.device.CreateComputePipelineSimple(nil, shader, src.Name)
	if pipeline == nil {
		shader.Release()
		return nil, &backend.CompileError{Kernel: src.Name, Log: src.Text, Err: errors.New("webgpu: pipeline creation failed")}
	}
	return &Kernel{
		dev:       d,
		name:      src.Name,
		shader:    shader,
		pipeline:  pipeline,
		layout:    pipeline.GetBindGroupLayout(0),
		workGroup: src.Kernel.WorkGroup,
		args:      make([]*Buffer, len(src.Kernel.Params)),
	}, nil
}

// Release frees the pooled buffers, the device, the adapter and the instance.
// Buffers still held by callers are destroyed on their own Release.
func (d *Device) Release() {
	if d.released.Swap(true) {
		return
	}
	d.pool.clear()
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

// run submits a command buffer produced by record.
func (d *Device) run(record func(*wgpu.CommandEncoder)) {
	encoder := d.device.CreateCommandEncoder(nil)
	record(encoder)
	cmd := encoder.Finish(nil)
	d.queue.Submit(cmd)
}

// Buffer is a storage buffer. Host transfers go through staging buffers.
type Buffer struct {
	dev      *Device
	buf      *wgpu.Buffer
	class    uint64
	n        int
	released atomic.Bool
}

// Len returns the element count.
func (b *Buffer) Len() int { return b.n }

// Write uploads src, which must hold exactly Len values.
func (b *Buffer) Write(src []float32) error {
	if b.released.Load() {
		return backend.ErrReleased
	}
	if len(src) != b.n {
		return fmt.Errorf("%w: write of %d into %d", backend.ErrBufferSize, len(src), b.n)
	}
	d := b.dev
	size := byteSize(d.opts.DType, b.n)

	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            stagingWrite,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()
	//nolint:gosec // unsafe.Slice over the mapped range
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	if err := encode(d.opts.DType, src, mapped); err != nil {
		staging.Unmap()
		return err
	}
	staging.Unmap()

	d.submit.Lock()
	defer d.submit.Unlock()
	d.run(func(enc *wgpu.CommandEncoder) {
		enc.CopyBufferToBuffer(staging, 0, b.buf, 0, size)
	})
	return nil
}

// Read downloads the contents into dst, which must hold exactly Len values.
// It waits for every kernel submitted before it.
func (b *Buffer) Read(dst []float32) error {
	if b.released.Load() {
		return backend.ErrReleased
	}
	if len(dst) != b.n {
		return fmt.Errorf("%w: read of %d from %d", backend.ErrBufferSize, len(dst), b.n)
	}
	d := b.dev
	size := byteSize(d.opts.DType, b.n)

	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: stagingRead, Size: size})
	defer staging.Release()

	d.submit.Lock()
	defer d.submit.Unlock()
	d.run(func(enc *wgpu.CommandEncoder) {
		enc.CopyBufferToBuffer(b.buf, 0, staging, 0, size)
	})
	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("webgpu: map staging buffer: %w", err)
	}
	defer staging.Unmap()
	//nolint:gosec // unsafe.Slice over the mapped range
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	return decode(d.opts.DType, mapped, dst)
}

// Release returns the storage buffer to the device pool.
func (b *Buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	b.dev.pool.release(b.buf, b.class)
}

// Kernel is a compute pipeline with bound arguments.
type Kernel struct {
	dev       *Device
	name      string
	shader    *wgpu.ShaderModule
	pipeline  *wgpu.ComputePipeline
	layout    *wgpu.BindGroupLayout
	workGroup [3]int

	mu       sync.Mutex
	args     []*Buffer
	released bool
}

// Name returns the entry point.
func (k *Kernel) Name() string { return k.name }

// SetArg binds b as storage binding i.
func (k *Kernel) SetArg(i int, b backend.Buffer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return &backend.ArgumentError{Kernel: k.name, Index: i, Err: backend.ErrReleased}
	}
	if i < 0 || i >= len(k.args) {
		return &backend.ArgumentError{Kernel: k.name, Index: i,
			Err: fmt.Errorf("kernel takes %d arguments", len(k.args))}
	}
	buf, ok := b.(*Buffer)
	if !ok || buf.dev != k.dev {
		return &backend.ArgumentError{Kernel: k.name, Index: i, Err: fmt.Errorf("buffer %T belongs to another device", b)}
	}
	if buf.released.Load() {
		return &backend.ArgumentError{Kernel: k.name, Index: i, Err: backend.ErrReleased}
	}
	k.args[i] = buf
	return nil
}

// Enqueue dispatches global/local workgroups and submits them.
func (k *Kernel) Enqueue(ctx context.Context, global, local [3]int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	fail := func(err error) error {
		return &backend.EnqueueError{Kernel: k.name, Global: global, Local: local, Err: err}
	}
	if k.released {
		return fail(backend.ErrReleased)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	for i, a := range k.args {
		if a == nil {
			return &backend.ArgumentError{Kernel: k.name, Index: i, Err: errors.New("argument not set")}
		}
	}
	groups, err := workgroups(global, local, k.workGroup, k.dev.opts.MaxWorkGroupSize)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", backend.ErrWorkGroupSize, err))
	}

	entries := make([]wgpu.BindGroupEntry, len(k.args))
	for i, a := range k.args {
		//nolint:gosec // G115: argument count is small
		entries[i] = wgpu.BufferBindingEntry(uint32(i), a.buf, 0, byteSize(k.dev.opts.DType, a.n))
	}
	bindGroup := k.dev.device.CreateBindGroupSimple(k.layout, entries)
	defer bindGroup.Release()

	k.dev.submit.Lock()
	defer k.dev.submit.Unlock()
	k.dev.run(func(enc *wgpu.CommandEncoder) {
		pass := enc.BeginComputePass(nil)
		pass.SetPipeline(k.pipeline)
		pass.SetBindGroup(0, bindGroup, nil)
		pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
		pass.End()
	})
	return nil
}

// Release frees the pipeline and shader module.
func (k *Kernel) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return
	}
	k.released = true
	k.pipeline.Release()
	k.shader.Release()
	clear(k.args)
}
