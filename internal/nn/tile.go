package nn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/kernel/ir"
	"github.com/born-ml/convkernel/internal/kernel/tile"
	"github.com/born-ml/convkernel/internal/tensor"
)

const tileKernel = "tile_forward"

// Tile repeats its input Tiles times along an axis: a [2, 3] input tiled
// twice along axis 1 becomes [2, 6] with each row holding its values twice.
type Tile struct {
	name  string
	param TileParameter
	bc    *backend.Context
	log   *slog.Logger

	axis   int
	params tile.Params
}

// NewTile returns an unset-up tile layer.
func NewTile(p LayerParameter, opts ...Option) (*Tile, error) {
	if p.Type != TypeTile {
		return nil, fmt.Errorf("nn: layer %q has type %q, not %s", p.Name, p.Type, TypeTile)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	return &Tile{name: p.Name, param: *p.Tile, bc: o.bc, log: o.log.With("layer", p.Name)}, nil
}

// Name returns the layer name.
func (l *Tile) Name() string { return l.name }

// Type returns TypeTile.
func (l *Tile) Type() string { return TypeTile }

// Blobs returns nil; tiling has no parameters.
func (l *Tile) Blobs() []*tensor.Blob { return nil }

// Setup resolves the axis and reshapes the tops.
func (l *Tile) Setup(bottom, top []*tensor.Blob) error {
	if err := checkPairs(l.name, bottom, top); err != nil {
		return err
	}
	axis, err := bottom[0].CanonicalAxis(axisOr(l.param.Axis, 1))
	if err != nil {
		return fmt.Errorf("nn: %s: %w", l.name, err)
	}
	l.axis = axis
	return l.Reshape(bottom, top)
}

// Reshape multiplies the tiled axis of each top by the tile count.
func (l *Tile) Reshape(bottom, top []*tensor.Blob) error {
	if err := checkPairs(l.name, bottom, top); err != nil {
		return err
	}
	shape := bottom[0].Shape()
	if l.axis >= len(shape) {
		return fmt.Errorf("nn: %s: axis %d out of range for %v", l.name, l.axis, shape)
	}
	for _, b := range bottom[1:] {
		if !b.Shape().Equal(shape) {
			return fmt.Errorf("nn: %s: bottoms must share a shape, got %v and %v", l.name, shape, b.Shape())
		}
	}
	p := tile.Params{
		Outer:   shape.CountRange(0, l.axis),
		Inner:   shape.CountRange(l.axis, len(shape)),
		Tiles:   l.param.Tiles,
		AxisDim: shape[l.axis],
		DType:   ir.Float32,
	}
	if l.bc != nil {
		p.DType = l.bc.Device().DType()
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("nn: %s: %w", l.name, err)
	}
	l.params = p

	tshape := shape.Clone()
	tshape[l.axis] *= l.param.Tiles
	for _, t := range top {
		if err := t.Reshape(tshape...); err != nil {
			return err
		}
	}
	l.log.Debug("tile reshaped", "top", tshape, "tiles", p.Tiles)
	return nil
}

// Forward tiles every bottom into its top.
func (l *Tile) Forward(ctx context.Context, bottom, top []*tensor.Blob) error {
	if err := checkPairs(l.name, bottom, top); err != nil {
		return err
	}
	if l.bc != nil {
		return l.forwardGPU(ctx, bottom, top)
	}
	p := l.params
	for i := range bottom {
		src, err := bottom[i].CPUData()
		if err != nil {
			return err
		}
		dst, err := top[i].MutableCPUData()
		if err != nil {
			return err
		}
		for o := 0; o < p.Outer; o++ {
			block := src[o*p.Inner : (o+1)*p.Inner]
			for t := 0; t < p.Tiles; t++ {
				copy(dst[(o*p.Tiles+t)*p.Inner:], block)
			}
		}
	}
	return nil
}

// KernelSource renders the tile kernel in dialect d. A non-empty name
// replaces the entry point.
func (l *Tile) KernelSource(name string, d backend.Dialect) (string, error) {
	if l.params.Tiles == 0 {
		return "", fmt.Errorf("nn: %s: kernel requested before setup", l.name)
	}
	if name == "" {
		name = tileKernel
	}
	k, err := tile.Generate(name, l.params)
	if err != nil {
		return "", fmt.Errorf("nn: %s: %w", l.name, err)
	}
	return backend.Render(d, k)
}

func (l *Tile) forwardGPU(ctx context.Context, bottom, top []*tensor.Blob) error {
	p := l.params
	k, err := l.bc.Kernel(ctx, p.Fingerprint(tileKernel), func() (*ir.Kernel, error) {
		return tile.Generate(tileKernel, p)
	})
	if err != nil {
		return fmt.Errorf("nn: %s: %w", l.name, err)
	}
	global, local := tile.Dispatch(p)
	dev := l.bc.Device()
	for i := range bottom {
		in, err := bottom[i].GPUData(dev)
		if err != nil {
			return err
		}
		out, err := top[i].MutableGPUData(dev)
		if err != nil {
			return err
		}
		if err := l.bc.Launch(ctx, k, []backend.Buffer{in, out}, global, local); err != nil {
			return fmt.Errorf("nn: %s: %w", l.name, err)
		}
	}
	return nil
}

// Backward sums the top diff over the tiles into the bottom diff, which is
// overwritten.
func (l *Tile) Backward(_ context.Context, top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if err := checkPairs(l.name, bottom, top); err != nil {
		return err
	}
	p := l.params
	for i := range top {
		if i >= len(propagateDown) || !propagateDown[i] {
			continue
		}
		src, err := top[i].CPUDiff()
		if err != nil {
			return err
		}
		dst, err := bottom[i].MutableCPUDiff()
		if err != nil {
			return err
		}
		clear(dst)
		for o := 0; o < p.Outer; o++ {
			block := dst[o*p.Inner : (o+1)*p.Inner]
			for t := 0; t < p.Tiles; t++ {
				off := (o*p.Tiles + t) * p.Inner
				for d, v := range src[off : off+p.Inner] {
					block[d] += v
				}
			}
		}
	}
	return nil
}
