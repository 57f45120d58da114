package tensor

import "fmt"

// Shape represents the dimensions of a blob.
type Shape []int

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that no dimension is negative. Zero extents are allowed
// so blobs can be shaped before their data exists.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// stride[i] is the product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// CanonicalAxis maps a possibly negative axis index into [0, len(s)).
func (s Shape) CanonicalAxis(axis int) (int, error) {
	n := len(s)
	if axis < -n || axis >= n {
		return 0, fmt.Errorf("axis %d out of range for %d-D shape %v", axis, n, s)
	}
	if axis < 0 {
		return axis + n, nil
	}
	return axis, nil
}

// CountRange returns the product of the dimensions in [start, end).
func (s Shape) CountRange(start, end int) int {
	n := 1
	for _, dim := range s[start:end] {
		n *= dim
	}
	return n
}

// String renders the shape as "2 3 4 (24)".
func (s Shape) String() string {
	out := ""
	for _, d := range s {
		out += fmt.Sprintf("%d ", d)
	}
	return fmt.Sprintf("%s(%d)", out, s.NumElements())
}
