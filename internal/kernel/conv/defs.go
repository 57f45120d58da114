package conv

import (
	"strconv"

	"github.com/born-ml/convkernel/internal/geometry"
	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// Definitions emits the named constants the forward kernel is compiled
// against. The order is fixed; later values may refer to earlier names.
func Definitions(p Params) (*ir.Defs, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	g := p.Geometry
	out, err := g.Output()
	if err != nil {
		return nil, err
	}
	gemm, err := Shape(g)
	if err != nil {
		return nil, err
	}
	in := g.InputSpatial()
	fin, fout := g.Channels(), g.NumOutput

	d := ir.NewDefs()
	// Per-sample offsets of the input and output images.
	d.Add("v_B_off", fin*geometry.Volume(in))
	d.Add("v_C_off", fout*geometry.Volume(out))

	for i := range out {
		d.Add(axisName("v_imsi", i), in[i])
		d.Add(axisName("v_imso", i), out[i])
	}
	d.Add("v_imsi", geometry.Volume(in))
	d.Add("v_imso", geometry.Volume(out))

	axes := []struct {
		prefix string
		vals   []int
	}{{"v_k", g.Kernel}, {"v_p", g.Pad}, {"v_s", g.Stride}, {"v_d", g.Dilation}}
	for _, a := range axes {
		for i, v := range a.vals {
			d.Add(axisName(a.prefix, i), v)
		}
	}

	d.Add("v_fin", fin)
	d.Add("v_fout", fout)
	d.Add("v_g", g.Groups)

	d.Add("MG", gemm.MG)
	d.Add("M", gemm.M)
	d.Add("N", gemm.N)
	d.Add("KG", gemm.KG)
	d.Add("K", gemm.K)

	t := p.Tiling
	d.Add("v_pad_A", t.PadA)
	d.Add("v_pad_B", t.PadB)
	d.Add("TSM", t.TSM())
	d.Add("TSN", t.TSN())
	d.Add("TSK", t.TSK)
	d.Add("TSK_UNROLL", t.TSKUnroll)
	d.Add("WPTM", t.WPTM)
	d.Add("VWM", t.VWM)
	d.Add("WPTN", t.WPTN)
	d.Add("VWN", t.VWN)
	d.Add("RTSM", t.RTSM)
	d.Add("RTSN", t.RTSN)

	threads := ir.Paren{X: ir.Mul(ir.Ref("RTSM"), ir.Ref("RTSN"))}
	d.AddExpr("LPTA", ir.Paren{X: ir.Quo(ir.Paren{X: ir.Mul(ir.Ref("TSK"), ir.Ref("TSM"))}, threads)})
	d.AddExpr("LPTB", ir.Paren{X: ir.Quo(ir.Paren{X: ir.Mul(ir.Ref("TSK"), ir.Ref("TSN"))}, threads)})

	// Rounded up to an even tile count; odd trip counts trip up some OpenCL
	// 2.0 drivers and the load guards make the spare tile a no-op.
	d.AddExpr("v_num_tiles", ir.Paren{X: ir.Mul(
		ir.Paren{X: ir.Add(
			ir.Quo(ir.Paren{X: ir.Sub(ir.Ref("K"), ir.Int(1))}, ir.Paren{X: ir.Mul(ir.Ref("TSK"), ir.Int(2))}),
			ir.Int(1))},
		ir.Int(2))})

	d.Freeze()
	return d, nil
}

func axisName(prefix string, i int) string {
	return prefix + "_" + strconv.Itoa(i)
}
