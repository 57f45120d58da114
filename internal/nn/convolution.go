package nn

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/backend/cpu"
	"github.com/born-ml/convkernel/internal/geometry"
	"github.com/born-ml/convkernel/internal/kernel/conv"
	"github.com/born-ml/convkernel/internal/kernel/ir"
	"github.com/born-ml/convkernel/internal/kernel/tiling"
	"github.com/born-ml/convkernel/internal/parallel"
	"github.com/born-ml/convkernel/internal/tensor"
)

// Convolution is an N-dimensional grouped convolution.
//
// The input has shape [outer..., channels, spatial...] where the channel
// axis is set by the parameter. All leading axes are flattened into the
// batch. The weight has shape [num_output, channels/group, kernel...] and
// the optional bias [num_output].
//
// With a backend.Context attached, Forward runs a kernel generated for the
// exact geometry and tiling; otherwise it runs the host reference path.
// Backward always runs on the host.
type Convolution struct {
	name  string
	param ConvolutionParameter
	bc    *backend.Context
	log   *slog.Logger
	rand  *rand.Rand // weight filler

	axis   int
	geom   geometry.Conv
	tiling tiling.Config
	bias   bool
	num    int // samples per bottom: product of the axes before the channel axis

	weight *tensor.Blob
	biasB  *tensor.Blob

	params      conv.Params
	fingerprint string
	defs        *ir.Defs
	ref         *cpu.Conv
}

// NewConvolution returns an unset-up convolution layer.
func NewConvolution(p LayerParameter, opts ...Option) (*Convolution, error) {
	if p.Type != TypeConvolution {
		return nil, fmt.Errorf("nn: layer %q has type %q, not %s", p.Name, p.Type, TypeConvolution)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	c := &Convolution{
		name:  p.Name,
		param: *p.Convolution,
		bc:    o.bc,
		log:   o.log.With("layer", p.Name),
		rand:  o.rand,
		bias:  p.Convolution.BiasTerm == nil || *p.Convolution.BiasTerm,
	}
	c.tiling = tiling.Default()
	if p.Convolution.Tiling != nil {
		c.tiling = *p.Convolution.Tiling
	}
	return c, nil
}

// Name returns the layer name.
func (c *Convolution) Name() string { return c.name }

// Type returns TypeConvolution.
func (c *Convolution) Type() string { return TypeConvolution }

// Blobs returns the weight and, with a bias term, the bias.
func (c *Convolution) Blobs() []*tensor.Blob {
	if c.weight == nil {
		return nil
	}
	if c.bias {
		return []*tensor.Blob{c.weight, c.biasB}
	}
	return []*tensor.Blob{c.weight}
}

// Setup resolves the static geometry from bottom[0], fills the weights and
// reshapes the tops.
func (c *Convolution) Setup(bottom, top []*tensor.Blob) error {
	if err := checkPairs(c.name, bottom, top); err != nil {
		return err
	}
	axis, err := bottom[0].CanonicalAxis(axisOr(c.param.Axis, 1))
	if err != nil {
		return fmt.Errorf("nn: %s: %w", c.name, err)
	}
	shape := bottom[0].Shape()
	axes := len(shape) - axis - 1
	if axes < 1 {
		return fmt.Errorf("nn: %s: input %v has no spatial axes after channel axis %d", c.name, shape, axis)
	}

	g := geometry.Conv{
		Input:     shape[axis:].Clone(),
		NumOutput: c.param.NumOutput,
		Groups:    max(c.param.Group, 1),
	}
	lists := []struct {
		dst  *[]int
		vals []int
		def  int
	}{
		{&g.Kernel, c.param.KernelSize, 0},
		{&g.Stride, c.param.Stride, 1},
		{&g.Pad, c.param.Pad, 0},
		{&g.Dilation, c.param.Dilation, 1},
	}
	for _, l := range lists {
		if *l.dst, err = geometry.Broadcast(l.vals, axes, l.def); err != nil {
			return fmt.Errorf("nn: %s: %w", c.name, err)
		}
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("nn: %s: %w", c.name, err)
	}
	if err := c.tiling.Validate(c.workGroupLimit()); err != nil {
		return fmt.Errorf("nn: %s: %w", c.name, err)
	}
	c.axis, c.geom = axis, g

	kvol := g.KernelVolume()
	wshape := append([]int{g.NumOutput, g.Channels() / g.Groups}, g.Kernel...)
	if c.weight, err = tensor.NewBlob(wshape...); err != nil {
		return err
	}
	w, err := c.weight.MutableCPUData()
	if err != nil {
		return err
	}
	Xavier(w, g.Channels()/g.Groups*kvol, g.NumOutput*kvol, c.rand)
	if c.bias {
		if c.biasB, err = tensor.NewBlob(g.NumOutput); err != nil {
			return err
		}
	}
	return c.Reshape(bottom, top)
}

// Reshape adapts to the current bottom shape. The kernel definitions and the
// host reference are rebuilt only when the kernel fingerprint changes.
func (c *Convolution) Reshape(bottom, top []*tensor.Blob) error {
	if err := checkPairs(c.name, bottom, top); err != nil {
		return err
	}
	if c.weight == nil {
		return fmt.Errorf("nn: %s: reshape before setup", c.name)
	}
	shape := bottom[0].Shape()
	for _, b := range bottom[1:] {
		if !b.Shape().Equal(shape) {
			return fmt.Errorf("nn: %s: bottoms must share a shape, got %v and %v", c.name, shape, b.Shape())
		}
	}
	if len(shape) != c.axis+1+c.geom.SpatialAxes() {
		return fmt.Errorf("nn: %s: input %v changed its number of axes", c.name, shape)
	}
	if shape[c.axis] != c.geom.Channels() {
		return fmt.Errorf("nn: %s: input has %d channels, weights expect %d", c.name, shape[c.axis], c.geom.Channels())
	}

	g := c.geom
	g.Input = shape[c.axis:].Clone()
	out, err := g.Output()
	if err != nil {
		return fmt.Errorf("nn: %s: %w", c.name, err)
	}
	p := conv.Params{
		Name:            conv.KernelName(c.name),
		Geometry:        g,
		Tiling:          c.tiling,
		Bias:            c.bias,
		DType:           ir.Float32,
		ForceRangeCheck: c.param.ForceRangeCheck,
		MaxWorkGroup:    c.workGroupLimit(),
	}
	if c.bc != nil {
		p.DType = c.bc.Device().DType()
	}
	fp := p.Fingerprint()
	defs, ref := c.defs, c.ref
	if fp != c.fingerprint {
		if defs, err = conv.Definitions(p); err != nil {
			return fmt.Errorf("nn: %s: %w", c.name, err)
		}
		if ref, err = cpu.NewConv(g, parallel.DefaultConfig()); err != nil {
			return fmt.Errorf("nn: %s: %w", c.name, err)
		}
	}

	tshape := append(append(shape[:c.axis].Clone(), g.NumOutput), out...)
	for _, t := range top {
		if err := t.Reshape(tshape...); err != nil {
			return err
		}
	}
	changed := fp != c.fingerprint
	c.geom, c.num = g, shape.CountRange(0, c.axis)
	c.params, c.fingerprint, c.defs, c.ref = p, fp, defs, ref
	if changed {
		c.log.Debug("convolution reshaped", "geometry", g.Key(), "top", tshape, "kernel", p.Name)
	}
	return nil
}

// workGroupLimit is the work-item limit tilings are validated against.
func (c *Convolution) workGroupLimit() int {
	if c.bc != nil {
		return c.bc.Device().MaxWorkGroupSize()
	}
	return tiling.DefaultMaxWorkGroup
}

// Params returns the kernel parameters of the current shape.
func (c *Convolution) Params() conv.Params { return c.params }

// Fingerprint identifies the kernel of the current shape.
func (c *Convolution) Fingerprint() string { return c.fingerprint }

// Definitions returns the named constants of the current kernel.
func (c *Convolution) Definitions() *ir.Defs { return c.defs }

// KernelSource renders the forward kernel in dialect d. A non-empty name
// replaces the entry point.
func (c *Convolution) KernelSource(name string, d backend.Dialect) (string, error) {
	if c.fingerprint == "" {
		return "", fmt.Errorf("nn: %s: kernel requested before setup", c.name)
	}
	p := c.params
	if name != "" {
		p.Name = name
	}
	k, err := conv.Generate(p)
	if err != nil {
		return "", fmt.Errorf("nn: %s: %w", c.name, err)
	}
	return backend.Render(d, k)
}

// Forward computes every top from its bottom.
func (c *Convolution) Forward(ctx context.Context, bottom, top []*tensor.Blob) error {
	if c.bc != nil {
		return c.ForwardGPU(ctx, bottom, top)
	}
	return c.ForwardCPU(bottom, top)
}

// ForwardGPU runs the generated kernel once per bottom. Buffers are bound
// as input, weight, output and, with a bias term, bias.
func (c *Convolution) ForwardGPU(ctx context.Context, bottom, top []*tensor.Blob) error {
	if c.bc == nil {
		return fmt.Errorf("nn: %s: no device attached", c.name)
	}
	if err := checkPairs(c.name, bottom, top); err != nil {
		return err
	}
	p := c.params
	k, err := c.bc.Kernel(ctx, c.fingerprint, func() (*ir.Kernel, error) { return conv.Generate(p) })
	if err != nil {
		return fmt.Errorf("nn: %s: %w", c.name, err)
	}
	global, local, err := conv.Dispatch(p, c.num)
	if err != nil {
		return fmt.Errorf("nn: %s: %w", c.name, err)
	}

	dev := c.bc.Device()
	weight, err := c.weight.GPUData(dev)
	if err != nil {
		return err
	}
	var bias backend.Buffer
	if c.bias {
		if bias, err = c.biasB.GPUData(dev); err != nil {
			return err
		}
	}
	for i := range bottom {
		in, err := bottom[i].GPUData(dev)
		if err != nil {
			return err
		}
		out, err := top[i].MutableGPUData(dev)
		if err != nil {
			return err
		}
		args := []backend.Buffer{in, weight, out}
		if bias != nil {
			args = append(args, bias)
		}
		if err := c.bc.Launch(ctx, k, args, global, local); err != nil {
			return fmt.Errorf("nn: %s: %w", c.name, err)
		}
	}
	return nil
}

// ForwardCPU runs the host reference path.
func (c *Convolution) ForwardCPU(bottom, top []*tensor.Blob) error {
	if err := checkPairs(c.name, bottom, top); err != nil {
		return err
	}
	weight, bias, err := c.hostParams()
	if err != nil {
		return err
	}
	for i := range bottom {
		in, err := bottom[i].CPUData()
		if err != nil {
			return err
		}
		out, err := top[i].MutableCPUData()
		if err != nil {
			return err
		}
		if err := c.ref.Forward(in, weight, bias, out, c.num); err != nil {
			return fmt.Errorf("nn: %s: %w", c.name, err)
		}
	}
	return nil
}

// Backward accumulates the weight and bias gradients and, where
// propagateDown is set, overwrites the bottom diffs.
func (c *Convolution) Backward(ctx context.Context, top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if err := checkPairs(c.name, bottom, top); err != nil {
		return err
	}
	weight, _, err := c.hostParams()
	if err != nil {
		return err
	}
	weightDiff, err := c.weight.MutableCPUDiff()
	if err != nil {
		return err
	}
	var biasDiff []float32
	if c.bias {
		if biasDiff, err = c.biasB.MutableCPUDiff(); err != nil {
			return err
		}
	}
	for i := range top {
		if err := ctx.Err(); err != nil {
			return err
		}
		topDiff, err := top[i].CPUDiff()
		if err != nil {
			return err
		}
		in, err := bottom[i].CPUData()
		if err != nil {
			return err
		}
		var bottomDiff []float32
		if i < len(propagateDown) && propagateDown[i] {
			if bottomDiff, err = bottom[i].MutableCPUDiff(); err != nil {
				return err
			}
		}
		if err := c.ref.Backward(topDiff, in, weight, weightDiff, biasDiff, bottomDiff, c.num); err != nil {
			return fmt.Errorf("nn: %s: %w", c.name, err)
		}
	}
	return nil
}

func (c *Convolution) hostParams() (weight, bias []float32, err error) {
	if c.ref == nil {
		return nil, nil, fmt.Errorf("nn: %s: run before setup", c.name)
	}
	if weight, err = c.weight.CPUData(); err != nil {
		return nil, nil, err
	}
	if c.bias {
		if bias, err = c.biasB.CPUData(); err != nil {
			return nil, nil, err
		}
	}
	return weight, bias, nil
}
