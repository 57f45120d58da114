package nn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/born-ml/convkernel/internal/tensor"
)

// Net chains layers: the top of each layer is the bottom of the next.
//
// Example:
//
//	p, _ := nn.LoadNet("net.yaml")
//	net, _ := nn.NewNet(p, nn.WithContext(bc))
//	in, _ := net.Input().MutableCPUData()
//	// fill in
//	_ = net.Forward(ctx)
//	out, _ := net.Output().CPUData()
type Net struct {
	name   string
	layers []Layer
	blobs  []*tensor.Blob // blobs[i] feeds layers[i]
	log    *slog.Logger
}

// NewNet builds and sets up the layers of p.
func NewNet(p *NetParameter, opts ...Option) (*Net, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	// Layers draw from one stream so a seeded net differs per layer.
	opts = append(opts[:len(opts):len(opts)], func(lo *options) { lo.rand = o.rand })
	in, err := tensor.NewBlob(p.Input...)
	if err != nil {
		return nil, fmt.Errorf("nn: net input: %w", err)
	}
	n := &Net{name: p.Name, blobs: []*tensor.Blob{in}, log: o.log.With("net", p.Name)}
	for _, lp := range p.Layers {
		l, err := New(lp, opts...)
		if err != nil {
			return nil, err
		}
		top := &tensor.Blob{}
		if err := l.Setup(n.blobs[len(n.blobs)-1:], []*tensor.Blob{top}); err != nil {
			return nil, err
		}
		n.layers = append(n.layers, l)
		n.blobs = append(n.blobs, top)
		n.log.Debug("layer set up", "layer", lp.Name, "type", lp.Type, "top", top.Shape())
	}
	return n, nil
}

// Name returns the net name.
func (n *Net) Name() string { return n.name }

// Layers returns the layers in execution order.
func (n *Net) Layers() []Layer { return n.layers }

// Layer returns the layer called name.
func (n *Net) Layer(name string) (Layer, bool) {
	for _, l := range n.layers {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// Input returns the blob fed to the first layer.
func (n *Net) Input() *tensor.Blob { return n.blobs[0] }

// Output returns the top of the last layer.
func (n *Net) Output() *tensor.Blob { return n.blobs[len(n.blobs)-1] }

// Reshape propagates a changed input shape through every layer.
func (n *Net) Reshape() error {
	for i, l := range n.layers {
		if err := l.Reshape(n.blobs[i:i+1], n.blobs[i+1:i+2]); err != nil {
			return err
		}
	}
	return nil
}

// Forward runs every layer in order.
func (n *Net) Forward(ctx context.Context) error {
	for i, l := range n.layers {
		start := time.Now()
		if err := l.Forward(ctx, n.blobs[i:i+1], n.blobs[i+1:i+2]); err != nil {
			return err
		}
		n.log.Debug("layer forward", "layer", l.Name(), "elapsed", time.Since(start))
	}
	return nil
}

// Backward runs every layer in reverse from the output diff. The input diff
// is computed only when inputDiff is set.
func (n *Net) Backward(ctx context.Context, inputDiff bool) error {
	for i := len(n.layers) - 1; i >= 0; i-- {
		down := []bool{i > 0 || inputDiff}
		if err := n.layers[i].Backward(ctx, n.blobs[i+1:i+2], down, n.blobs[i:i+1]); err != nil {
			return err
		}
	}
	return nil
}
