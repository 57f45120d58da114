package cpu

import (
	"github.com/born-ml/convkernel/internal/geometry"
	"github.com/born-ml/convkernel/internal/parallel"
)

// Im2Col unrolls one sample into a column matrix.
//
// im holds the sample as [channels][spatial...]. col receives
// [channels*kernelVolume][outputVolume]: row c*kvol + k holds, for every
// output position, the input value under kernel offset k of channel c, or
// zero where the offset falls into the padding. Kernel offsets are ordered
// row-major over the kernel axes, matching the weight layout.
func Im2Col(g geometry.Conv, out []int, im, col []float32, cfg parallel.Config) {
	w := newWindow(g, out)
	parallel.For(g.Channels(), func(c int) {
		src := im[c*w.inVol : (c+1)*w.inVol]
		kpos := make([]int, w.axes)
		for k := 0; k < w.kvol; k++ {
			unravel(k, g.Kernel, kpos)
			row := col[(c*w.kvol+k)*w.outVol:][:w.outVol]
			w.each(kpos, func(o, i int) {
				if i < 0 {
					row[o] = 0
					return
				}
				row[o] = src[i]
			})
		}
	}, cfg)
}

// Col2Im is the adjoint of Im2Col: it zeroes im and sums every column entry
// back into the input position it was read from.
func Col2Im(g geometry.Conv, out []int, col, im []float32, cfg parallel.Config) {
	w := newWindow(g, out)
	parallel.For(g.Channels(), func(c int) {
		dst := im[c*w.inVol : (c+1)*w.inVol]
		clear(dst)
		kpos := make([]int, w.axes)
		for k := 0; k < w.kvol; k++ {
			unravel(k, g.Kernel, kpos)
			row := col[(c*w.kvol+k)*w.outVol:][:w.outVol]
			w.each(kpos, func(o, i int) {
				if i >= 0 {
					dst[i] += row[o]
				}
			})
		}
	}, cfg)
}

// window walks the output positions of one kernel offset.
type window struct {
	g      geometry.Conv
	in     []int
	out    []int
	axes   int
	kvol   int
	inVol  int
	outVol int
}

func newWindow(g geometry.Conv, out []int) window {
	return window{
		g:      g,
		in:     g.InputSpatial(),
		out:    out,
		axes:   g.SpatialAxes(),
		kvol:   g.KernelVolume(),
		inVol:  geometry.Volume(g.InputSpatial()),
		outVol: geometry.Volume(out),
	}
}

// each calls f with every output index and the input index it reads at
// kernel offset kpos, -1 for padding.
func (w window) each(kpos []int, f func(o, i int)) {
	opos := make([]int, w.axes)
	for o := 0; o < w.outVol; o++ {
		unravel(o, w.out, opos)
		i := 0
		for a := 0; a < w.axes; a++ {
			p := opos[a]*w.g.Stride[a] - w.g.Pad[a] + kpos[a]*w.g.Dilation[a]
			if p < 0 || p >= w.in[a] {
				i = -1
				break
			}
			i = i*w.in[a] + p
		}
		f(o, i)
	}
}

// unravel writes the row-major coordinates of flat index i into pos.
func unravel(i int, dims, pos []int) {
	for a := len(dims) - 1; a >= 0; a-- {
		pos[a] = i % dims[a]
		i /= dims[a]
	}
}
