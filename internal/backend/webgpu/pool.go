//go:build windows

package webgpu

import (
	"math/bits"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

const (
	minPooledSize = 256 // bytes; smaller requests share the smallest class
	maxPerClass   = 16
)

var (
	storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	stagingRead  = wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	stagingWrite = wgpu.BufferUsageMapWrite | wgpu.BufferUsageCopySrc
)

// bufferPool recycles storage buffers by power-of-two size class. Blob
// reshapes and layer re-setup free and allocate buffers of recurring sizes.
type bufferPool struct {
	device *wgpu.Device

	mu      sync.Mutex
	classes map[uint64][]*wgpu.Buffer

	hits, misses int
}

func newBufferPool(device *wgpu.Device) *bufferPool {
	return &bufferPool{device: device, classes: make(map[uint64][]*wgpu.Buffer)}
}

// sizeClass rounds size up to the next power of two.
func sizeClass(size uint64) uint64 {
	if size <= minPooledSize {
		return minPooledSize
	}
	return 1 << bits.Len64(size-1)
}

// acquire returns a storage buffer of at least size bytes.
func (p *bufferPool) acquire(size uint64) (*wgpu.Buffer, uint64) {
	class := sizeClass(size)

	p.mu.Lock()
	free := p.classes[class]
	if n := len(free); n > 0 {
		buf := free[n-1]
		p.classes[class] = free[:n-1]
		p.hits++
		p.mu.Unlock()
		return buf, class
	}
	p.misses++
	p.mu.Unlock()

	return p.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: storageUsage, Size: class}), class
}

// release hands buf back, destroying it when its class is full.
func (p *bufferPool) release(buf *wgpu.Buffer, class uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.classes == nil || len(p.classes[class]) >= maxPerClass {
		buf.Release()
		return
	}
	p.classes[class] = append(p.classes[class], buf)
}

// clear releases every pooled buffer. Later releases destroy their buffer.
func (p *bufferPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, free := range p.classes {
		for _, buf := range free {
			buf.Release()
		}
	}
	p.classes = nil
}

func (p *bufferPool) stats() (hits, misses int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}
