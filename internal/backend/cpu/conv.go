// Package cpu implements the host reference path of the convolution: im2col
// followed by a GEMM per group, the same decomposition the generated kernels
// fuse into one pass.
package cpu

import (
	"fmt"

	"github.com/born-ml/convkernel/internal/geometry"
	"github.com/born-ml/convkernel/internal/kernel/conv"
	"github.com/born-ml/convkernel/internal/parallel"
)

// Conv runs one convolution geometry on the host.
//
// Buffers are flat and sample-major:
//   - bottom: [batch][channels][spatial...]
//   - weight: [numOutput][channels/groups][kernel...]
//   - bias:   [numOutput]
//   - top:    [batch][numOutput][output...]
type Conv struct {
	geom geometry.Conv
	out  []int
	gemm conv.GEMM
	cfg  parallel.Config
}

// NewConv validates g and prepares the reference convolution.
func NewConv(g geometry.Conv, cfg parallel.Config) (*Conv, error) {
	gm, err := conv.Shape(g)
	if err != nil {
		return nil, err
	}
	out, _ := g.Output()
	return &Conv{geom: g, out: out, gemm: gm, cfg: cfg}, nil
}

// Output returns the spatial output extents.
func (c *Conv) Output() []int { return c.out }

// InputCount returns the element count of one input sample.
func (c *Conv) InputCount() int { return geometry.Volume(c.geom.Input) }

// OutputCount returns the element count of one output sample.
func (c *Conv) OutputCount() int { return c.geom.NumOutput * c.gemm.N }

// WeightCount returns the element count of the weights.
func (c *Conv) WeightCount() int { return c.gemm.MG * c.gemm.K }

func (c *Conv) colCount() int { return c.gemm.KG * c.gemm.N }

func (c *Conv) check(name string, buf []float32, want int) error {
	if len(buf) < want {
		return fmt.Errorf("cpu: %s holds %d elements, need %d", name, len(buf), want)
	}
	return nil
}

// Forward computes top from bottom. bias may be nil.
func (c *Conv) Forward(bottom, weight, bias, top []float32, batch int) error {
	in, out := c.InputCount(), c.OutputCount()
	for _, b := range []struct {
		name string
		buf  []float32
		n    int
	}{{"bottom", bottom, batch * in}, {"weight", weight, c.WeightCount()}, {"top", top, batch * out}} {
		if err := c.check(b.name, b.buf, b.n); err != nil {
			return err
		}
	}
	if bias != nil {
		if err := c.check("bias", bias, c.geom.NumOutput); err != nil {
			return err
		}
	}

	ones := filled(c.gemm.N, 1)
	parallel.For(batch, func(n int) {
		col := make([]float32, c.colCount())
		Im2Col(c.geom, c.out, bottom[n*in:(n+1)*in], col, c.cfg.Sequential())
		dst := top[n*out : (n+1)*out]
		c.forwardGEMM(weight, col, dst)
		if bias != nil {
			Gemm(false, false, c.geom.NumOutput, c.gemm.N, 1, 1, bias, ones, 1, dst)
		}
	}, c.batchConfig())
	return nil
}

func (c *Conv) forwardGEMM(weight, col, top []float32) {
	m, n, k := c.gemm.M, c.gemm.N, c.gemm.K
	for g := 0; g < c.geom.Groups; g++ {
		Gemm(false, false, m, n, k, 1, weight[g*m*k:], col[g*k*n:], 0, top[g*m*n:])
	}
}

// Backward computes gradients from topDiff. weightDiff and biasDiff are
// accumulated into; bottomDiff is overwritten. Any of the three may be nil
// to skip it.
func (c *Conv) Backward(topDiff, bottom, weight, weightDiff, biasDiff, bottomDiff []float32, batch int) error {
	in, out := c.InputCount(), c.OutputCount()
	if err := c.check("top diff", topDiff, batch*out); err != nil {
		return err
	}
	m, n, k := c.gemm.M, c.gemm.N, c.gemm.K

	if biasDiff != nil {
		if err := c.check("bias diff", biasDiff, c.geom.NumOutput); err != nil {
			return err
		}
		ones := filled(n, 1)
		for s := 0; s < batch; s++ {
			Gemv(false, c.geom.NumOutput, n, 1, topDiff[s*out:], ones, 1, biasDiff)
		}
	}

	if weightDiff != nil {
		if err := c.check("weight diff", weightDiff, c.WeightCount()); err != nil {
			return err
		}
		if err := c.check("bottom", bottom, batch*in); err != nil {
			return err
		}
		col := make([]float32, c.colCount())
		for s := 0; s < batch; s++ {
			Im2Col(c.geom, c.out, bottom[s*in:(s+1)*in], col, c.cfg)
			top := topDiff[s*out:]
			for g := 0; g < c.geom.Groups; g++ {
				Gemm(false, true, m, k, n, 1, top[g*m*n:], col[g*k*n:], 1, weightDiff[g*m*k:])
			}
		}
	}

	if bottomDiff != nil {
		if err := c.check("bottom diff", bottomDiff, batch*in); err != nil {
			return err
		}
		if err := c.check("weight", weight, c.WeightCount()); err != nil {
			return err
		}
		parallel.For(batch, func(s int) {
			col := make([]float32, c.colCount())
			top := topDiff[s*out:]
			for g := 0; g < c.geom.Groups; g++ {
				Gemm(true, false, k, n, m, 1, weight[g*m*k:], top[g*m*n:], 0, col[g*k*n:])
			}
			Col2Im(c.geom, c.out, col, bottomDiff[s*in:(s+1)*in], c.cfg.Sequential())
		}, c.batchConfig())
	}
	return nil
}

// batchConfig parallelizes over samples however small the batch is.
func (c *Conv) batchConfig() parallel.Config {
	cfg := c.cfg
	cfg.MinChunkSize = 1
	return cfg
}

func filled(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}
