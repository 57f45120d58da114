// Package nn implements the layers that drive generated kernels.
//
// A layer is set up once against its input blobs, reshaped whenever the
// input shape changes, and then run forward and backward:
//   - Layer: lifecycle shared by all layers
//   - Convolution: N-dimensional grouped convolution with generated kernels
//   - Tile: replication of a blob along one axis
//   - Net: a chain of layers built from a YAML description
//
// Layers run on the device of an attached backend.Context, or on the host
// reference path when none is attached.
package nn

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/tensor"
)

// Layer is the lifecycle every layer implements.
//
// bottom holds the inputs and top the outputs. Setup is called once and
// includes a Reshape; Reshape is called again whenever a bottom shape
// changes. Backward reads top diffs and writes bottom diffs for the bottoms
// whose propagateDown entry is set, accumulating parameter gradients.
type Layer interface {
	Name() string
	Type() string
	Setup(bottom, top []*tensor.Blob) error
	Reshape(bottom, top []*tensor.Blob) error
	Forward(ctx context.Context, bottom, top []*tensor.Blob) error
	Backward(ctx context.Context, top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error

	// Blobs returns the learnable parameters.
	Blobs() []*tensor.Blob
}

// Option configures a layer.
type Option func(*options)

type options struct {
	bc   *backend.Context
	log  *slog.Logger
	rand *rand.Rand
}

// WithContext runs the layer on the device of bc.
func WithContext(bc *backend.Context) Option {
	return func(o *options) { o.bc = bc }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithSeed seeds the weight filler.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func newOptions(opts []Option) options {
	o := options{log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.rand == nil {
		//nolint:gosec // weight initialization is not security sensitive
		o.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return o
}

// New builds the layer described by p.
func New(p LayerParameter, opts ...Option) (Layer, error) {
	switch p.Type {
	case TypeConvolution:
		return NewConvolution(p, opts...)
	case TypeTile:
		return NewTile(p, opts...)
	}
	return nil, fmt.Errorf("nn: layer %q has unknown type %q", p.Name, p.Type)
}

func checkPairs(name string, bottom, top []*tensor.Blob) error {
	if len(bottom) == 0 || len(bottom) != len(top) {
		return fmt.Errorf("nn: %s takes matching bottom and top blobs, got %d and %d", name, len(bottom), len(top))
	}
	return nil
}
