package tensor

import (
	"errors"
	"sync"

	"github.com/born-ml/convkernel/internal/backend"
)

// Head records where the current copy of a SyncedMem lives.
type Head int

// Memory states.
const (
	Uninitialized Head = iota
	AtCPU
	AtGPU
	Synced
)

// String returns the state name.
func (h Head) String() string {
	switch h {
	case Uninitialized:
		return "uninitialized"
	case AtCPU:
		return "cpu"
	case AtGPU:
		return "gpu"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// SyncedMem is a float32 array mirrored between host memory and one device
// buffer. Copies happen lazily, when the side that is behind is accessed.
type SyncedMem struct {
	mu   sync.Mutex
	n    int
	cpu  []float32
	gpu  backend.Buffer
	dev  backend.Device
	head Head
}

// NewSyncedMem returns an uninitialized array of n elements.
func NewSyncedMem(n int) *SyncedMem {
	return &SyncedMem{n: n}
}

// Len returns the element count.
func (m *SyncedMem) Len() int { return m.n }

// Head returns the synchronization state.
func (m *SyncedMem) Head() Head {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head
}

func (m *SyncedMem) toCPU() error {
	switch m.head {
	case Uninitialized:
		m.cpu = make([]float32, m.n)
		m.head = AtCPU
	case AtGPU:
		if m.cpu == nil {
			m.cpu = make([]float32, m.n)
		}
		if err := m.gpu.Read(m.cpu); err != nil {
			return err
		}
		m.head = Synced
	}
	return nil
}

func (m *SyncedMem) toGPU(dev backend.Device) error {
	if m.gpu != nil && m.dev != dev {
		if err := m.toCPU(); err != nil {
			return err
		}
		m.gpu.Release()
		m.gpu, m.dev = nil, nil
		m.head = AtCPU
	}
	if m.gpu == nil {
		buf, err := dev.NewBuffer(m.n)
		if err != nil {
			return err
		}
		m.gpu, m.dev = buf, dev
	}
	switch m.head {
	case Uninitialized:
		if err := m.gpu.Write(make([]float32, m.n)); err != nil {
			return err
		}
		m.head = AtGPU
	case AtCPU:
		if err := m.gpu.Write(m.cpu); err != nil {
			return err
		}
		m.head = Synced
	}
	return nil
}

// CPUData returns the host copy for reading.
func (m *SyncedMem) CPUData() ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.toCPU(); err != nil {
		return nil, err
	}
	return m.cpu, nil
}

// MutableCPUData returns the host copy and marks the device copy stale.
func (m *SyncedMem) MutableCPUData() ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.toCPU(); err != nil {
		return nil, err
	}
	m.head = AtCPU
	return m.cpu, nil
}

// GPUData returns the buffer on dev for reading.
func (m *SyncedMem) GPUData(dev backend.Device) (backend.Buffer, error) {
	if dev == nil {
		return nil, errors.New("tensor: nil device")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.toGPU(dev); err != nil {
		return nil, err
	}
	return m.gpu, nil
}

// MutableGPUData returns the buffer on dev and marks the host copy stale.
func (m *SyncedMem) MutableGPUData(dev backend.Device) (backend.Buffer, error) {
	if dev == nil {
		return nil, errors.New("tensor: nil device")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.toGPU(dev); err != nil {
		return nil, err
	}
	m.head = AtGPU
	return m.gpu, nil
}

// Release frees the device buffer. The host copy is refreshed first.
func (m *SyncedMem) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gpu == nil {
		return nil
	}
	err := m.toCPU()
	m.gpu.Release()
	m.gpu, m.dev = nil, nil
	m.head = AtCPU
	if m.cpu == nil {
		m.head = Uninitialized
	}
	return err
}
