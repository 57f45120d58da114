// Package conv generates tiled implicit-GEMM forward convolution kernels.
//
// A convolution over an input of fin channels producing fout channels in g
// groups is computed per sample and group as the matrix product
//
//	C[M x N] = A[M x K] * B[K x N]
//
// with M = fout/g, N the number of output pixels and K = (fin/g) times the
// kernel volume. A is the weight block of the group, B is the im2col view of
// the input which the kernel computes on the fly while loading tiles, so no
// column buffer is materialized.
package conv

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/born-ml/convkernel/internal/geometry"
	"github.com/born-ml/convkernel/internal/kernel/ir"
	"github.com/born-ml/convkernel/internal/kernel/tiling"
)

// Params fully determines a generated forward kernel.
type Params struct {
	Name     string // kernel entry point, see KernelName
	Geometry geometry.Conv
	Tiling   tiling.Config
	Bias     bool
	DType    ir.DType

	// ForceRangeCheck keeps the padding range checks in the input loads even
	// when every pad is zero. The output is identical either way.
	ForceRangeCheck bool

	// MaxWorkGroup is the work-item limit of the target device; zero selects
	// tiling.DefaultMaxWorkGroup. It bounds validation only and is not part
	// of the fingerprint.
	MaxWorkGroup int
}

// GEMM holds the matrix dimensions of one group.
type GEMM struct {
	M, N, K int
	MG, KG  int // ungrouped M and K
}

// Shape returns the per-group GEMM dimensions of g.
func Shape(g geometry.Conv) (GEMM, error) {
	out, err := g.Output()
	if err != nil {
		return GEMM{}, err
	}
	kvol := g.KernelVolume()
	return GEMM{
		M:  g.NumOutput / g.Groups,
		N:  geometry.Volume(out),
		K:  g.Channels() / g.Groups * kvol,
		MG: g.NumOutput,
		KG: g.Channels() * kvol,
	}, nil
}

// Validate checks the geometry, the tiling and the kernel name.
func (p Params) Validate() error {
	if !validIdent(p.Name) {
		return fmt.Errorf("conv: invalid kernel name %q", p.Name)
	}
	if err := p.Geometry.Validate(); err != nil {
		return err
	}
	if err := p.Tiling.Validate(p.MaxWorkGroup); err != nil {
		return err
	}
	if p.DType != ir.Float32 && p.DType != ir.Float16 {
		return fmt.Errorf("conv: unsupported element type %s", p.DType)
	}
	return nil
}

// Fingerprint identifies the generated source. Two Params with the same
// fingerprint produce identical kernels.
func (p Params) Fingerprint() string {
	return fmt.Sprintf("conv:%s|%s|%s|bias=%t|%s|check=%t",
		p.Name, p.Geometry.Key(), p.Tiling.Key(), p.Bias, p.DType, p.rangeCheck())
}

// rangeCheck reports whether the input loads need padding range checks.
func (p Params) rangeCheck() bool {
	if p.ForceRangeCheck {
		return true
	}
	for _, pad := range p.Geometry.Pad {
		if pad > 0 {
			return true
		}
	}
	return false
}

// KernelName derives the forward kernel entry point from a layer name.
// Characters that are not valid in identifiers become underscores.
func KernelName(layer string) string {
	var sb strings.Builder
	for i, r := range layer {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || r == '_'):
			sb.WriteRune(r)
		case r < unicode.MaxASCII && unicode.IsDigit(r):
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		sb.WriteString("conv")
	}
	// Leading double underscores are reserved in both OpenCL C and WGSL.
	name := sb.String()
	for strings.HasPrefix(name, "__") {
		name = "k" + name[1:]
	}
	return name + "_forward"
}

func validIdent(s string) bool {
	if s == "" || strings.HasPrefix(s, "__") {
		return false
	}
	for i, r := range s {
		if r >= unicode.MaxASCII {
			return false
		}
		if !(unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r))) {
			return false
		}
	}
	return true
}
