package conv

import "github.com/born-ml/convkernel/internal/kernel/ir"

// Generate builds the forward kernel for p. The returned kernel carries its
// definition table; it is rendered by the dialect printers or executed by the
// simulator.
func Generate(p Params) (*ir.Kernel, error) {
	defs, err := Definitions(p)
	if err != nil {
		return nil, err
	}
	g := &generator{p: p, axes: p.Geometry.SpatialAxes(), grouped: p.Geometry.Groups > 1}

	params := []ir.Param{
		{Name: "im_in"},
		{Name: "wg"},
		{Name: "im_out", Writable: true},
	}
	if p.Bias {
		params = append(params, ir.Param{Name: "bias"})
	}

	t := p.Tiling
	k := &ir.Kernel{
		Name:      p.Name,
		DType:     p.DType,
		Defs:      defs,
		Params:    params,
		WorkGroup: [3]int{t.RTSN, t.RTSM, 1},
		VecHint:   min(t.VWM, t.VWN),
	}
	k.Body = g.body()
	return k, nil
}

type generator struct {
	p       Params
	axes    int
	grouped bool
}

func (g *generator) body() []ir.Stmt {
	t := g.p.Tiling
	body := []ir.Stmt{
		ir.Comment("Thread identifiers"),
		constInt("tidn", ir.Builtin{Kind: ir.LocalID, Dim: 0}),
		constInt("tidm", ir.Builtin{Kind: ir.LocalID, Dim: 1}),
		constInt("offN", ir.Mul(ir.Ref("TSN"), ir.Builtin{Kind: ir.GroupID, Dim: 0})),
		constInt("offM", ir.Mul(ir.Ref("TSM"), ir.Builtin{Kind: ir.GroupID, Dim: 1})),

		ir.Comment("Local tile memory"),
		ir.Array{Name: "Asub", Space: ir.Local, Elem: ir.FloatType, Volatile: true,
			Dims: []ir.Expr{ir.Ref("TSM"), ir.Add(ir.Ref("TSK"), ir.Ref("v_pad_A"))}},
		ir.Array{Name: "Bsub", Space: ir.Local, Elem: ir.FloatType, Volatile: true,
			Dims: []ir.Expr{ir.Ref("TSK"), ir.Add(ir.Ref("TSN"), ir.Ref("v_pad_B"))}},
	}
	body = append(body, g.pointers()...)

	loop := ir.For{Var: "t", From: ir.Int(0), To: ir.Ref("v_num_tiles"), Unroll: 1, Body: []ir.Stmt{
		ir.Block{Body: g.loadA()},
		ir.Block{Body: g.loadB()},
		ir.Barrier{},
		ir.Block{Body: g.gemmCore()},
		ir.Barrier{},
	}}

	regs := []ir.Stmt{
		ir.Array{Name: "Creg", Space: ir.Private, Elem: ir.Vec(t.VWN),
			Dims: []ir.Expr{ir.Ref("WPTM"), ir.Quo(ir.Ref("WPTN"), ir.Ref("VWN"))}},
	}
	regs = append(regs, g.accInit()...)
	regs = append(regs, ir.Block{Body: []ir.Stmt{loop}})
	regs = append(regs, g.store()...)
	return append(body, ir.Block{Body: regs})
}

// pointers splits the third global dimension into batch and group and
// declares the per-group windows into each buffer.
func (g *generator) pointers() []ir.Stmt {
	z := ir.Builtin{Kind: ir.GlobalID, Dim: 2}
	if !g.grouped {
		s := []ir.Stmt{
			constInt("batch", z),
			ir.View{Name: "Aptr", Buffer: "wg", Offset: ir.Int(0), Len: ir.Mul(ir.Ref("M"), ir.Ref("K"))},
			ir.View{Name: "Bptr", Buffer: "im_in", Offset: ir.Mul(ir.Ref("v_B_off"), ir.Ref("batch")), Len: ir.Ref("v_B_off")},
			ir.View{Name: "Cptr", Buffer: "im_out", Offset: ir.Mul(ir.Ref("v_C_off"), ir.Ref("batch")), Len: ir.Ref("v_C_off")},
		}
		if g.p.Bias {
			s = append(s, ir.View{Name: "Dptr", Buffer: "bias", Offset: ir.Int(0), Len: ir.Ref("v_fout")})
		}
		return s
	}

	groupB := ir.Paren{X: ir.Quo(ir.Ref("v_B_off"), ir.Ref("v_g"))}
	groupD := ir.Paren{X: ir.Quo(ir.Ref("v_fout"), ir.Ref("v_g"))}
	mk := ir.Paren{X: ir.Mul(ir.Ref("M"), ir.Ref("K"))}
	mn := ir.Paren{X: ir.Mul(ir.Ref("M"), ir.Ref("N"))}
	s := []ir.Stmt{
		constInt("group", ir.Rem(z, ir.Ref("v_g"))),
		constInt("batch", ir.Quo(z, ir.Ref("v_g"))),
		ir.View{Name: "Aptr", Buffer: "wg", Offset: ir.Mul(ir.Ref("group"), mk), Len: mk},
		ir.View{Name: "Bptr", Buffer: "im_in",
			Offset: ir.Add(ir.Mul(ir.Ref("v_B_off"), ir.Ref("batch")), ir.Mul(ir.Ref("group"), groupB)), Len: groupB},
		ir.View{Name: "Cptr", Buffer: "im_out",
			Offset: ir.Add(ir.Mul(ir.Ref("v_C_off"), ir.Ref("batch")), ir.Mul(ir.Ref("group"), mn)), Len: mn},
	}
	if g.p.Bias {
		s = append(s, ir.View{Name: "Dptr", Buffer: "bias", Offset: ir.Mul(ir.Ref("group"), groupD), Len: groupD})
	}
	return s
}

func (g *generator) accInit() []ir.Stmt {
	vwn := g.p.Tiling.VWN
	var lanes []ir.Stmt
	for n := 0; n < vwn; n++ {
		lanes = append(lanes, ir.Assign{LHS: lane(ir.At(ir.Ref("Creg"), ir.Ref("wm"), ir.Ref("wn")), n, vwn), RHS: ir.Float(0)})
	}
	return []ir.Stmt{
		ir.For{Var: "wm", From: ir.Int(0), To: ir.Ref("WPTM"), Unroll: ir.UnrollFull, Body: []ir.Stmt{
			ir.For{Var: "wn", From: ir.Int(0), To: ir.Quo(ir.Ref("WPTN"), ir.Ref("VWN")), Unroll: ir.UnrollFull, Body: lanes},
		}},
	}
}

// threadLoad declares the flat position of load l of the calling thread.
func threadLoad(l string) []ir.Stmt {
	return []ir.Stmt{
		constInt("tid", ir.Add(ir.Mul(ir.Ref("tidm"), ir.Ref("RTSN")), ir.Ref("tidn"))),
		constInt("id", ir.Add(ir.Mul(ir.Mul(ir.Ref(l), ir.Ref("RTSN")), ir.Ref("RTSM")), ir.Ref("tid"))),
	}
}

func (g *generator) loadA() []ir.Stmt {
	row, col := ir.Ref("row"), ir.Ref("col")
	gRow := ir.Paren{X: ir.Add(ir.Ref("offM"), row)}
	body := threadLoad("la")
	body = append(body,
		constInt("row", ir.Quo(ir.Ref("id"), ir.Ref("TSK"))),
		constInt("col", ir.Rem(ir.Ref("id"), ir.Ref("TSK"))),
		constInt("tiledIndex", ir.Add(ir.Mul(ir.Ref("TSK"), ir.Ref("t")), col)),
		ir.If{
			Cond: ir.Land(ir.Lt(gRow, ir.Ref("M")), ir.Lt(ir.Ref("tiledIndex"), ir.Ref("K"))),
			Then: []ir.Stmt{ir.Assign{LHS: ir.At(ir.Ref("Asub"), row, col),
				RHS: ir.At(ir.Ref("Aptr"), ir.Add(ir.Mul(gRow, ir.Ref("K")), ir.Ref("tiledIndex")))}},
			Else: []ir.Stmt{ir.Assign{LHS: ir.At(ir.Ref("Asub"), row, col), RHS: ir.Float(0)}},
		},
	)
	return []ir.Stmt{ir.For{Var: "la", From: ir.Int(0), To: ir.Ref("LPTA"), Unroll: 4, Body: body}}
}

// loadB loads one tile of the virtual im2col matrix. The K index is split
// into input channel and kernel offsets, the N index into output
// coordinates, innermost axis first.
func (g *generator) loadB() []ir.Stmt {
	row, col := ir.Ref("row"), ir.Ref("col")
	ti, ii := ir.Ref("tiledIndex"), ir.Ref("imageIndex")
	check := g.p.rangeCheck()

	var load []ir.Stmt
	for i := 0; i < g.axes; i++ {
		load = append(load, varInt(axisName("d_iter", i), nil), varInt(axisName("d_temp", i), nil))
	}
	load = append(load, varInt("imageIndex", ir.Add(ir.Ref("offN"), col)))
	for i := g.axes - 1; i >= 0; i-- {
		load = append(load,
			ir.Assign{LHS: ir.Ref(axisName("d_iter", i)),
				RHS: ir.Mul(ir.Paren{X: ir.Rem(ti, ir.Ref(axisName("v_k", i)))}, ir.Ref(axisName("v_d", i)))},
			ir.Assign{LHS: ti, RHS: ir.Quo(ti, ir.Ref(axisName("v_k", i)))},
			ir.Assign{LHS: ir.Ref(axisName("d_temp", i)),
				RHS: ir.Sub(ir.Mul(ir.Paren{X: ir.Rem(ii, ir.Ref(axisName("v_imso", i)))}, ir.Ref(axisName("v_s", i))), ir.Ref(axisName("v_p", i)))},
			ir.Assign{LHS: ii, RHS: ir.Quo(ii, ir.Ref(axisName("v_imso", i)))},
		)
	}

	if check {
		load = append(load, ir.Decl{Name: "in_range", Type: ir.BoolType, Init: ir.Bool(true)})
	}
	load = append(load, varInt("d_iter_im", nil))
	for i := 0; i < g.axes; i++ {
		im := ir.Ref("d_iter_im")
		load = append(load,
			ir.Assign{LHS: im, RHS: ir.Add(ir.Ref(axisName("d_temp", i)), ir.Ref(axisName("d_iter", i)))},
			ir.Assign{LHS: ti, RHS: ir.Add(ir.Mul(ti, ir.Ref(axisName("v_imsi", i))), im)},
		)
		if check {
			load = append(load, ir.Assign{LHS: ir.Ref("in_range"), Op: ir.AndSet,
				RHS: ir.Land(ir.Ge(im, ir.Int(0)), ir.Lt(im, ir.Ref(axisName("v_imsi", i))))})
		}
	}

	fetch := ir.Assign{LHS: ir.At(ir.Ref("Bsub"), row, col), RHS: ir.At(ir.Ref("Bptr"), ti)}
	zero := ir.Assign{LHS: ir.At(ir.Ref("Bsub"), row, col), RHS: ir.Float(0)}
	if check {
		load = append(load, ir.If{Cond: ir.Ref("in_range"), Then: []ir.Stmt{fetch}, Else: []ir.Stmt{zero}})
	} else {
		load = append(load, fetch)
	}

	body := threadLoad("lb")
	body = append(body,
		constInt("col", ir.Rem(ir.Ref("id"), ir.Ref("TSN"))),
		constInt("row", ir.Quo(ir.Ref("id"), ir.Ref("TSN"))),
		varInt("tiledIndex", ir.Add(ir.Mul(ir.Ref("TSK"), ir.Ref("t")), row)),
		ir.If{
			Cond: ir.Land(ir.Lt(ir.Paren{X: ir.Add(ir.Ref("offN"), col)}, ir.Ref("N")), ir.Lt(ti, ir.Ref("K"))),
			Then: load,
			Else: []ir.Stmt{zero},
		},
	)
	return []ir.Stmt{ir.For{Var: "lb", From: ir.Int(0), To: ir.Ref("LPTB"), Unroll: 4, Body: body}}
}

// gemmCore multiplies the local tiles into the accumulation registers.
// Register (wm, wn) lane n holds output row tidm + wm*RTSM and column
// tidn + (wn*VWN + n)*RTSN of the workgroup tile.
func (g *generator) gemmCore() []ir.Stmt {
	t := g.p.Tiling
	vwm, vwn := t.VWM, t.VWN

	var loadB []ir.Stmt
	for i := 0; i < vwn; i++ {
		loadB = append(loadB, ir.Assign{
			LHS: lane(ir.At(ir.Ref("Breg"), ir.Ref("wn")), i, vwn),
			RHS: ir.At(ir.Ref("Bsub"), ir.Ref("k"), ir.AddInt(ir.Ref("col"), i*t.RTSN)),
		})
	}
	var loadA []ir.Stmt
	for i := 0; i < vwm; i++ {
		loadA = append(loadA, ir.Assign{
			LHS: lane(ir.Ref("Areg"), i, vwm),
			RHS: ir.At(ir.Ref("Asub"), ir.AddInt(ir.Ref("row"), i*t.RTSM), ir.Ref("k")),
		})
	}
	var fma []ir.Stmt
	for m := 0; m < vwm; m++ {
		for n := 0; n < vwn; n++ {
			fma = append(fma, ir.Assign{
				LHS: lane(ir.At(ir.Ref("Creg"), ir.AddInt(ir.Mul(ir.Ref("wm"), ir.Ref("VWM")), m), ir.Ref("wn")), n, vwn),
				Op:  ir.AddSet,
				RHS: ir.Mul(lane(ir.Ref("Areg"), m, vwm), lane(ir.At(ir.Ref("Breg"), ir.Ref("wn")), n, vwn)),
			})
		}
	}

	inner := []ir.Stmt{
		constInt("k", ir.Add(ir.Ref("kt"), ir.Ref("ku"))),
		ir.For{Var: "wn", From: ir.Int(0), To: ir.Quo(ir.Ref("WPTN"), ir.Ref("VWN")), Unroll: ir.UnrollFull, Body: append([]ir.Stmt{
			constInt("col", ir.Add(ir.Ref("tidn"), ir.Mul(ir.Mul(ir.Ref("wn"), ir.Ref("VWN")), ir.Ref("RTSN")))),
		}, loadB...)},
		ir.For{Var: "wm", From: ir.Int(0), To: ir.Quo(ir.Ref("WPTM"), ir.Ref("VWM")), Unroll: ir.UnrollFull, Body: append(append([]ir.Stmt{
			constInt("row", ir.Add(ir.Ref("tidm"), ir.Mul(ir.Mul(ir.Ref("wm"), ir.Ref("VWM")), ir.Ref("RTSM")))),
		}, loadA...),
			ir.For{Var: "wn", From: ir.Int(0), To: ir.Quo(ir.Ref("WPTN"), ir.Ref("VWN")), Unroll: ir.UnrollFull, Body: fma},
		)},
	}

	return []ir.Stmt{
		ir.Decl{Name: "Areg", Type: ir.Vec(vwm)},
		ir.Array{Name: "Breg", Space: ir.Private, Elem: ir.Vec(vwn), Dims: []ir.Expr{ir.Quo(ir.Ref("WPTN"), ir.Ref("VWN"))}},
		ir.For{Var: "kt", From: ir.Int(0), To: ir.Ref("TSK"), Step: ir.Ref("TSK_UNROLL"), Unroll: 1, Body: []ir.Stmt{
			ir.For{Var: "ku", From: ir.Int(0), To: ir.Ref("TSK_UNROLL"), Unroll: ir.UnrollFull, Body: inner},
		}},
	}
}

// store writes the accumulators of the calling thread back to C. Rows and
// columns outside M x N belong to no output and are skipped.
func (g *generator) store() []ir.Stmt {
	vwn := g.p.Tiling.VWN
	var lanes []ir.Stmt
	for n := 0; n < vwn; n++ {
		val := lane(ir.At(ir.Ref("Creg"), ir.Ref("wm"), ir.Ref("wn")), n, vwn)
		if g.p.Bias {
			val = ir.Add(val, ir.At(ir.Ref("Dptr"), ir.Ref("globalRow")))
		}
		lanes = append(lanes, ir.Block{Body: []ir.Stmt{
			constInt("globalCol", ir.Add(ir.Add(ir.Ref("offN"), ir.Ref("tidn")),
				ir.Mul(ir.Paren{X: ir.AddInt(ir.Mul(ir.Ref("wn"), ir.Ref("VWN")), n)}, ir.Ref("RTSN")))),
			ir.If{
				Cond: ir.Land(ir.Lt(ir.Ref("globalRow"), ir.Ref("M")), ir.Lt(ir.Ref("globalCol"), ir.Ref("N"))),
				Then: []ir.Stmt{ir.Assign{
					LHS: ir.At(ir.Ref("Cptr"), ir.Add(ir.Mul(ir.Ref("globalRow"), ir.Ref("N")), ir.Ref("globalCol"))),
					RHS: val,
				}},
			},
		}})
	}
	return []ir.Stmt{
		ir.Comment("Store the final results in C"),
		ir.For{Var: "wm", From: ir.Int(0), To: ir.Ref("WPTM"), Unroll: ir.UnrollFull, Body: []ir.Stmt{
			constInt("globalRow", ir.Add(ir.Add(ir.Ref("offM"), ir.Ref("tidm")), ir.Mul(ir.Ref("wm"), ir.Ref("RTSM")))),
			ir.For{Var: "wn", From: ir.Int(0), To: ir.Quo(ir.Ref("WPTN"), ir.Ref("VWN")), Unroll: ir.UnrollFull, Body: lanes},
		}},
	}
}

func constInt(name string, init ir.Expr) ir.Stmt {
	return ir.Decl{Name: name, Type: ir.IntType, Init: init, Const: true}
}

func varInt(name string, init ir.Expr) ir.Stmt {
	return ir.Decl{Name: name, Type: ir.IntType, Init: init}
}

// lane selects component n of a w-wide vector; scalars have no components.
func lane(x ir.Expr, n, w int) ir.Expr {
	if w == 1 {
		return x
	}
	return ir.Lane{X: x, N: n}
}
