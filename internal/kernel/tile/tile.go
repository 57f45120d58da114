// Package tile generates the kernel that replicates a tensor along one axis.
package tile

import (
	"fmt"

	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// WorkGroupSize is the number of work-items per workgroup.
const WorkGroupSize = 256

// Params describes one tiling: every block of Inner consecutive elements
// (the tiled axis and everything after it) is repeated Tiles times, for
// each of Outer leading positions.
type Params struct {
	Outer   int // product of the dimensions before the axis
	Inner   int // product of the axis and the dimensions after it
	Tiles   int
	AxisDim int // extent of the tiled axis in the input
	DType   ir.DType
}

// Count returns the number of output elements.
func (p Params) Count() int {
	return p.Outer * p.Tiles * p.Inner
}

// Validate checks that all extents are positive.
func (p Params) Validate() error {
	if p.Outer <= 0 || p.Inner <= 0 || p.Tiles <= 0 || p.AxisDim <= 0 {
		return fmt.Errorf("tile: extents must be positive: outer=%d inner=%d tiles=%d axis=%d",
			p.Outer, p.Inner, p.Tiles, p.AxisDim)
	}
	return nil
}

// Fingerprint identifies the generated kernel.
func (p Params) Fingerprint(name string) string {
	return fmt.Sprintf("tile:%s|outer=%d,inner=%d,tiles=%d,axis=%d|%s", name, p.Outer, p.Inner, p.Tiles, p.AxisDim, p.DType)
}

// Generate builds a one dimensional kernel computing
//
//	top[index] = bottom[(n*axis + b)*tile_size + d]
//
// for every index below the output count.
func Generate(name string, p Params) (*ir.Kernel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	d := ir.NewDefs()
	d.Add("tile_size", p.Inner)
	d.Add("num_tiles", p.Tiles)
	d.Add("bottom_tile_axis", p.AxisDim)
	d.Add("nthreads", p.Count())
	d.Add("bottom_count", p.Outer*p.Inner)
	d.Freeze()

	index := ir.Ref("index")
	perTile := ir.Quo(ir.Quo(index, ir.Ref("tile_size")), ir.Ref("num_tiles"))
	body := []ir.Stmt{
		ir.Decl{Name: "index", Type: ir.IntType, Init: ir.Builtin{Kind: ir.GlobalID, Dim: 0}, Const: true},
		ir.View{Name: "src", Buffer: "bottom", Offset: ir.Int(0), Len: ir.Ref("bottom_count")},
		ir.View{Name: "dst", Buffer: "top", Offset: ir.Int(0), Len: ir.Ref("nthreads")},
		ir.If{Cond: ir.Lt(index, ir.Ref("nthreads")), Then: []ir.Stmt{
			ir.Decl{Name: "d", Type: ir.IntType, Init: ir.Rem(index, ir.Ref("tile_size")), Const: true},
			ir.Decl{Name: "b", Type: ir.IntType, Init: ir.Rem(perTile, ir.Ref("bottom_tile_axis")), Const: true},
			ir.Decl{Name: "n", Type: ir.IntType, Init: ir.Quo(perTile, ir.Ref("bottom_tile_axis")), Const: true},
			ir.Decl{Name: "bottom_index", Type: ir.IntType, Const: true, Init: ir.Add(
				ir.Mul(ir.Paren{X: ir.Add(ir.Mul(ir.Ref("n"), ir.Ref("bottom_tile_axis")), ir.Ref("b"))}, ir.Ref("tile_size")),
				ir.Ref("d"))},
			ir.Assign{LHS: ir.At(ir.Ref("dst"), index), RHS: ir.At(ir.Ref("src"), ir.Ref("bottom_index"))},
		}},
	}
	return &ir.Kernel{
		Name:      name,
		DType:     p.DType,
		Defs:      d,
		Params:    []ir.Param{{Name: "bottom"}, {Name: "top", Writable: true}},
		WorkGroup: [3]int{WorkGroupSize, 1, 1},
		Body:      body,
	}, nil
}

// Dispatch returns the NDRange covering every output element.
func Dispatch(p Params) (global, local [3]int) {
	n := p.Count()
	return [3]int{(n + WorkGroupSize - 1) / WorkGroupSize * WorkGroupSize, 1, 1}, [3]int{WorkGroupSize, 1, 1}
}
