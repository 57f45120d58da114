package geometry

import (
	"errors"
	"fmt"
)

// Configuration errors. All of them are fatal: a convolution with a malformed
// geometry never reaches kernel generation.
var (
	ErrAxisMismatch      = errors.New("spatial axis count mismatch")
	ErrNonPositiveOutput = errors.New("output extent must be positive")
	ErrInvalidStride     = errors.New("stride must be positive")
	ErrInvalidDilation   = errors.New("dilation must be at least 1")
	ErrInvalidKernel     = errors.New("kernel extent must be positive")
	ErrNegativePad       = errors.New("padding must be non-negative")
	ErrInvalidChannels   = errors.New("channel count must be positive")
	ErrGroupMismatch     = errors.New("group count must divide channel counts")
)

// ConfigError describes which part of a convolution configuration is invalid.
type ConfigError struct {
	Field   string // e.g. "stride", "group"
	Axis    int    // spatial axis, -1 when not axis specific
	Details string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Axis >= 0 {
		return fmt.Sprintf("geometry: %s[%d]: %v: %s", e.Field, e.Axis, e.Err, e.Details)
	}
	return fmt.Sprintf("geometry: %s: %v: %s", e.Field, e.Err, e.Details)
}

// Unwrap returns the sentinel error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErr(field string, axis int, err error, format string, args ...any) error {
	return &ConfigError{Field: field, Axis: axis, Details: fmt.Sprintf(format, args...), Err: err}
}
