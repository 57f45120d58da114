package backend

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrUnavailable       = errors.New("backend: device not available")
	ErrReleased          = errors.New("backend: object already released")
	ErrWorkGroupSize     = errors.New("backend: invalid work sizes")
	ErrOutOfBounds       = errors.New("backend: buffer access out of bounds")
	ErrBarrierDivergence = errors.New("backend: work-items diverged at a barrier")
	ErrBufferSize        = errors.New("backend: buffer size mismatch")
)

// CompileError reports a kernel the device refused to build. Compile errors
// are fatal for the layer that requested the kernel.
type CompileError struct {
	Kernel string // kernel entry point
	Log    string // device build log, if any
	Err    error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Log != "" {
		return fmt.Sprintf("compile %s: %v\n%s", e.Kernel, e.Err, e.Log)
	}
	return fmt.Sprintf("compile %s: %v", e.Kernel, e.Err)
}

// Unwrap returns the underlying error.
func (e *CompileError) Unwrap() error { return e.Err }

// ArgumentError reports a buffer that could not be bound to a kernel argument.
type ArgumentError struct {
	Kernel string
	Index  int
	Err    error
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("set argument %d of %s: %v", e.Index, e.Kernel, e.Err)
}

// Unwrap returns the underlying error.
func (e *ArgumentError) Unwrap() error { return e.Err }

// EnqueueError reports a failed kernel launch.
type EnqueueError struct {
	Kernel string
	Global [3]int
	Local  [3]int
	Err    error
}

// Error implements the error interface.
func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue %s global=%v local=%v: %v", e.Kernel, e.Global, e.Local, e.Err)
}

// Unwrap returns the underlying error.
func (e *EnqueueError) Unwrap() error { return e.Err }
