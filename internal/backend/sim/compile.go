package sim

import (
	"errors"
	"fmt"

	"github.com/born-ml/convkernel/internal/backend"
	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// fault aborts the faulting work-item. It is raised with panic inside the
// compiled closures and recovered at the work-item boundary.
type fault struct{ err error }

func outOfBounds(format string, args ...any) {
	panic(fault{fmt.Errorf("%w: "+format, append([]any{backend.ErrOutOfBounds}, args...)...)})
}

type (
	intFn   func(*thread) int
	boolFn  func(*thread) bool
	floatFn func(*thread) float32
	stmtFn  func(*thread)
)

type valueKind int

const (
	kindInt valueKind = iota
	kindBool
	kindFloat
)

type symKind int

const (
	symDef symKind = iota
	symInt
	symBool
	symFloat
	symArray
	symView
	symParam
)

type symbol struct {
	kind  symKind
	val   int // symDef
	slot  int
	konst bool

	space ir.Space // symArray
	dims  []int
	width int

	param   int // symView, symParam
	lenSlot int // symView
}

type scope struct {
	parent *scope
	syms   map[string]*symbol
}

type localDecl struct {
	name string
	size int
}

// program is a kernel compiled to closures.
type program struct {
	name      string
	body      []stmtFn
	nInts     int
	nBools    int
	privates  []int // element count per private slot
	locals    []localDecl
	workGroup [3]int
	params    []ir.Param
}

type compiler struct {
	defs     map[string]int
	params   map[string]int
	writable []bool
	scope    *scope
	prog     *program
	round    func(float32) float32
}

// compile translates k. Unknown names, type mismatches and assignments to
// constants are reported as errors.
func compile(k *ir.Kernel, round func(float32) float32) (*program, error) {
	c := &compiler{
		defs:   map[string]int{},
		params: map[string]int{},
		round:  round,
		prog: &program{
			name:      k.Name,
			workGroup: k.WorkGroup,
			params:    k.Params,
		},
	}
	if k.Defs != nil {
		vals, err := k.Defs.Resolve()
		if err != nil {
			return nil, err
		}
		c.defs = vals
	}
	for i, p := range k.Params {
		if _, dup := c.params[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %s", p.Name)
		}
		c.params[p.Name] = i
		c.writable = append(c.writable, p.Writable)
	}
	body, err := c.block(k.Body)
	if err != nil {
		return nil, err
	}
	c.prog.body = body
	return c.prog, nil
}

func (c *compiler) lookup(name string) (*symbol, error) {
	for s := c.scope; s != nil; s = s.parent {
		if sym, ok := s.syms[name]; ok {
			return sym, nil
		}
	}
	if i, ok := c.params[name]; ok {
		return &symbol{kind: symParam, param: i}, nil
	}
	if v, ok := c.defs[name]; ok {
		return &symbol{kind: symDef, val: v}, nil
	}
	return nil, fmt.Errorf("undefined: %s", name)
}

func (c *compiler) declare(name string, sym *symbol) error {
	if _, ok := c.scope.syms[name]; ok {
		return fmt.Errorf("%s redeclared in this block", name)
	}
	c.scope.syms[name] = sym
	return nil
}

func (c *compiler) push() { c.scope = &scope{parent: c.scope, syms: map[string]*symbol{}} }
func (c *compiler) pop()  { c.scope = c.scope.parent }

// constInt folds e using definitions only.
func (c *compiler) constInt(e ir.Expr) (int, error) {
	return ir.EvalInt(e, func(name string) (int, bool) {
		sym, err := c.lookup(name)
		if err != nil || sym.kind != symDef {
			return 0, false
		}
		return sym.val, true
	})
}

func (c *compiler) kindOf(e ir.Expr) (valueKind, error) {
	switch e := e.(type) {
	case ir.Int, ir.Builtin:
		return kindInt, nil
	case ir.Bool:
		return kindBool, nil
	case ir.Float, ir.Index, ir.Lane:
		return kindFloat, nil
	case ir.Paren:
		return c.kindOf(e.X)
	case ir.Ref:
		sym, err := c.lookup(string(e))
		if err != nil {
			return 0, err
		}
		switch sym.kind {
		case symDef, symInt:
			return kindInt, nil
		case symBool:
			return kindBool, nil
		case symFloat:
			return kindFloat, nil
		}
		return 0, fmt.Errorf("%s is not a value", e)
	case ir.Binary:
		if e.Op.Comparison() || e.Op.Logical() {
			return kindBool, nil
		}
		return c.kindOf(e.X)
	}
	return 0, fmt.Errorf("unsupported expression %T", e)
}

func (c *compiler) intExpr(e ir.Expr) (intFn, error) {
	if v, err := c.constInt(e); err == nil {
		return func(*thread) int { return v }, nil
	}
	switch e := e.(type) {
	case ir.Paren:
		return c.intExpr(e.X)
	case ir.Builtin:
		d := e.Dim
		if d < 0 || d > 2 {
			return nil, fmt.Errorf("work-item dimension %d out of range", d)
		}
		switch e.Kind {
		case ir.LocalID:
			return func(t *thread) int { return t.lid[d] }, nil
		case ir.GroupID:
			return func(t *thread) int { return t.wid[d] }, nil
		case ir.GlobalID:
			return func(t *thread) int { return t.gid[d] }, nil
		}
		return nil, fmt.Errorf("unknown work-item query %d", e.Kind)
	case ir.Ref:
		sym, err := c.lookup(string(e))
		if err != nil {
			return nil, err
		}
		if sym.kind != symInt {
			return nil, fmt.Errorf("%s is not an integer", e)
		}
		slot := sym.slot
		return func(t *thread) int { return t.ints[slot] }, nil
	case ir.Binary:
		x, err := c.intExpr(e.X)
		if err != nil {
			return nil, err
		}
		y, err := c.intExpr(e.Y)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case ir.OpAdd:
			return func(t *thread) int { return x(t) + y(t) }, nil
		case ir.OpSub:
			return func(t *thread) int { return x(t) - y(t) }, nil
		case ir.OpMul:
			return func(t *thread) int { return x(t) * y(t) }, nil
		case ir.OpQuo:
			return func(t *thread) int {
				d := y(t)
				if d == 0 {
					panic(fault{errors.New("integer division by zero")})
				}
				return x(t) / d
			}, nil
		case ir.OpRem:
			return func(t *thread) int {
				d := y(t)
				if d == 0 {
					panic(fault{errors.New("integer division by zero")})
				}
				return x(t) % d
			}, nil
		}
		return nil, fmt.Errorf("operator %s does not yield an integer", e.Op)
	}
	return nil, fmt.Errorf("expression %s is not an integer", ir.FormatExpr(e, nil))
}

func (c *compiler) boolExpr(e ir.Expr) (boolFn, error) {
	switch e := e.(type) {
	case ir.Bool:
		v := bool(e)
		return func(*thread) bool { return v }, nil
	case ir.Paren:
		return c.boolExpr(e.X)
	case ir.Ref:
		sym, err := c.lookup(string(e))
		if err != nil {
			return nil, err
		}
		if sym.kind != symBool {
			return nil, fmt.Errorf("%s is not a boolean", e)
		}
		slot := sym.slot
		return func(t *thread) bool { return t.bools[slot] }, nil
	case ir.Binary:
		if e.Op.Logical() {
			x, err := c.boolExpr(e.X)
			if err != nil {
				return nil, err
			}
			y, err := c.boolExpr(e.Y)
			if err != nil {
				return nil, err
			}
			if e.Op == ir.OpLand {
				return func(t *thread) bool { return x(t) && y(t) }, nil
			}
			return func(t *thread) bool { return x(t) || y(t) }, nil
		}
		if e.Op.Comparison() {
			return c.comparison(e)
		}
	}
	return nil, fmt.Errorf("expression %T is not a boolean", e)
}

func (c *compiler) comparison(e ir.Binary) (boolFn, error) {
	kx, err := c.kindOf(e.X)
	if err != nil {
		return nil, err
	}
	ky, err := c.kindOf(e.Y)
	if err != nil {
		return nil, err
	}
	if kx != ky || kx == kindBool {
		return nil, fmt.Errorf("invalid comparison %s", ir.FormatExpr(e, nil))
	}
	if kx == kindFloat {
		x, err := c.floatExpr(e.X)
		if err != nil {
			return nil, err
		}
		y, err := c.floatExpr(e.Y)
		if err != nil {
			return nil, err
		}
		return compare(e.Op, x, y), nil
	}
	x, err := c.intExpr(e.X)
	if err != nil {
		return nil, err
	}
	y, err := c.intExpr(e.Y)
	if err != nil {
		return nil, err
	}
	return compare(e.Op, x, y), nil
}

func compare[T int | float32](op ir.BinOp, x, y func(*thread) T) boolFn {
	switch op {
	case ir.OpLt:
		return func(t *thread) bool { return x(t) < y(t) }
	case ir.OpLe:
		return func(t *thread) bool { return x(t) <= y(t) }
	case ir.OpGt:
		return func(t *thread) bool { return x(t) > y(t) }
	case ir.OpGe:
		return func(t *thread) bool { return x(t) >= y(t) }
	case ir.OpEq:
		return func(t *thread) bool { return x(t) == y(t) }
	default:
		return func(t *thread) bool { return x(t) != y(t) }
	}
}

func (c *compiler) floatExpr(e ir.Expr) (floatFn, error) {
	switch e := e.(type) {
	case ir.Float:
		v := c.round(float32(e))
		return func(*thread) float32 { return v }, nil
	case ir.Paren:
		return c.floatExpr(e.X)
	case ir.Ref, ir.Index, ir.Lane:
		loc, err := c.location(e)
		if err != nil {
			return nil, err
		}
		ref := loc.ref
		return func(t *thread) float32 {
			p, _ := ref(t)
			return *p
		}, nil
	case ir.Binary:
		x, err := c.floatExpr(e.X)
		if err != nil {
			return nil, err
		}
		y, err := c.floatExpr(e.Y)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case ir.OpAdd:
			return func(t *thread) float32 { return x(t) + y(t) }, nil
		case ir.OpSub:
			return func(t *thread) float32 { return x(t) - y(t) }, nil
		case ir.OpMul:
			return func(t *thread) float32 { return x(t) * y(t) }, nil
		case ir.OpQuo:
			return func(t *thread) float32 { return x(t) / y(t) }, nil
		}
		return nil, fmt.Errorf("operator %s is not defined on floats", e.Op)
	}
	return nil, fmt.Errorf("expression %T is not a float", e)
}

// location is an addressable float element.
type location struct {
	// ref returns the element and its write counter, nil when untracked.
	ref      func(*thread) (*float32, *int32)
	writable bool
}

func (c *compiler) location(e ir.Expr) (location, error) {
	lane := -1
	if l, ok := e.(ir.Lane); ok {
		lane, e = l.N, l.X
	}
	var idx []ir.Expr
	for {
		ix, ok := e.(ir.Index)
		if !ok {
			break
		}
		idx = append([]ir.Expr{ix.I}, idx...)
		e = ix.X
	}
	base, ok := e.(ir.Ref)
	if !ok {
		return location{}, fmt.Errorf("cannot address %T", e)
	}
	sym, err := c.lookup(string(base))
	if err != nil {
		return location{}, err
	}

	switch sym.kind {
	case symFloat:
		if len(idx) > 0 {
			return location{}, fmt.Errorf("cannot index scalar %s", base)
		}
		l, err := laneOf(lane, sym.width, string(base))
		if err != nil {
			return location{}, err
		}
		slot := sym.slot
		return location{writable: !sym.konst, ref: func(t *thread) (*float32, *int32) {
			return &t.privates[slot][l], nil
		}}, nil

	case symArray:
		if len(idx) != len(sym.dims) {
			return location{}, fmt.Errorf("%s has %d dimensions, indexed with %d", base, len(sym.dims), len(idx))
		}
		l, err := laneOf(lane, sym.width, string(base))
		if err != nil {
			return location{}, err
		}
		fns := make([]intFn, len(idx))
		for i, x := range idx {
			if fns[i], err = c.intExpr(x); err != nil {
				return location{}, err
			}
		}
		dims, width, slot, name := sym.dims, sym.width, sym.slot, string(base)
		offset := func(t *thread) int {
			off := 0
			for i, f := range fns {
				v := f(t)
				if v < 0 || v >= dims[i] {
					outOfBounds("%s index %d is %d, extent %d", name, i, v, dims[i])
				}
				off = off*dims[i] + v
			}
			return off*width + l
		}
		if sym.space == ir.Local {
			return location{writable: true, ref: func(t *thread) (*float32, *int32) {
				return &t.grp.locals[slot][offset(t)], nil
			}}, nil
		}
		return location{writable: true, ref: func(t *thread) (*float32, *int32) {
			return &t.privates[slot][offset(t)], nil
		}}, nil

	case symView, symParam:
		if len(idx) != 1 || lane >= 0 {
			return location{}, fmt.Errorf("buffer %s takes exactly one index", base)
		}
		f, err := c.intExpr(idx[0])
		if err != nil {
			return location{}, err
		}
		param, name := sym.param, string(base)
		if sym.kind == symParam {
			return location{writable: c.writable[param], ref: func(t *thread) (*float32, *int32) {
				return t.grp.bufs[param].at(f(t), name)
			}}, nil
		}
		offSlot, lenSlot := sym.slot, sym.lenSlot
		return location{writable: c.writable[param], ref: func(t *thread) (*float32, *int32) {
			i := f(t)
			if i < 0 || i >= t.ints[lenSlot] {
				outOfBounds("%s[%d] outside view of %d elements", name, i, t.ints[lenSlot])
			}
			return t.grp.bufs[param].at(t.ints[offSlot]+i, name)
		}}, nil
	}
	return location{}, fmt.Errorf("%s is not addressable", base)
}

func laneOf(lane, width int, name string) (int, error) {
	if lane < 0 {
		if width != 1 {
			return 0, fmt.Errorf("vector %s used without a lane", name)
		}
		return 0, nil
	}
	if lane >= width {
		return 0, fmt.Errorf("lane %d of %s out of range for width %d", lane, name, width)
	}
	return lane, nil
}

func (c *compiler) block(stmts []ir.Stmt) ([]stmtFn, error) {
	c.push()
	defer c.pop()
	var out []stmtFn
	for _, s := range stmts {
		fn, err := c.stmt(s)
		if err != nil {
			return nil, err
		}
		if fn != nil {
			out = append(out, fn)
		}
	}
	return out, nil
}

func exec(t *thread, body []stmtFn) {
	for _, s := range body {
		s(t)
	}
}

func (c *compiler) stmt(s ir.Stmt) (stmtFn, error) {
	switch s := s.(type) {
	case ir.Comment:
		return nil, nil
	case ir.Decl:
		return c.decl(s)
	case ir.Array:
		return c.array(s)
	case ir.View:
		return c.view(s)
	case ir.Assign:
		return c.assign(s)
	case ir.For:
		return c.loop(s)
	case ir.If:
		cond, err := c.boolExpr(s.Cond)
		if err != nil {
			return nil, err
		}
		then, err := c.block(s.Then)
		if err != nil {
			return nil, err
		}
		els, err := c.block(s.Else)
		if err != nil {
			return nil, err
		}
		return func(t *thread) {
			if cond(t) {
				exec(t, then)
			} else {
				exec(t, els)
			}
		}, nil
	case ir.Block:
		body, err := c.block(s.Body)
		if err != nil {
			return nil, err
		}
		return func(t *thread) { exec(t, body) }, nil
	case ir.Barrier:
		return func(t *thread) { t.sync() }, nil
	}
	return nil, fmt.Errorf("unsupported statement %T", s)
}

func (c *compiler) decl(s ir.Decl) (stmtFn, error) {
	switch s.Type.Kind {
	case ir.KindInt:
		init := intFn(func(*thread) int { return 0 })
		if s.Init != nil {
			var err error
			if init, err = c.intExpr(s.Init); err != nil {
				return nil, fmt.Errorf("%s: %w", s.Name, err)
			}
		}
		slot := c.prog.nInts
		c.prog.nInts++
		if err := c.declare(s.Name, &symbol{kind: symInt, slot: slot, konst: s.Const}); err != nil {
			return nil, err
		}
		return func(t *thread) { t.ints[slot] = init(t) }, nil

	case ir.KindBool:
		init := boolFn(func(*thread) bool { return false })
		if s.Init != nil {
			var err error
			if init, err = c.boolExpr(s.Init); err != nil {
				return nil, fmt.Errorf("%s: %w", s.Name, err)
			}
		}
		slot := c.prog.nBools
		c.prog.nBools++
		if err := c.declare(s.Name, &symbol{kind: symBool, slot: slot, konst: s.Const}); err != nil {
			return nil, err
		}
		return func(t *thread) { t.bools[slot] = init(t) }, nil

	case ir.KindFloat:
		w := s.Type.Width
		if w < 1 {
			return nil, fmt.Errorf("%s: vector width %d", s.Name, w)
		}
		var init floatFn
		if s.Init != nil {
			var err error
			if init, err = c.floatExpr(s.Init); err != nil {
				return nil, fmt.Errorf("%s: %w", s.Name, err)
			}
		}
		slot := len(c.prog.privates)
		c.prog.privates = append(c.prog.privates, w)
		if err := c.declare(s.Name, &symbol{kind: symFloat, slot: slot, width: w, konst: s.Const}); err != nil {
			return nil, err
		}
		return func(t *thread) {
			v := float32(0)
			if init != nil {
				v = init(t)
			}
			p := t.privates[slot]
			for i := range p {
				p[i] = v
			}
		}, nil
	}
	return nil, fmt.Errorf("%s: unknown type kind %d", s.Name, s.Type.Kind)
}

func (c *compiler) array(s ir.Array) (stmtFn, error) {
	if s.Elem.Kind != ir.KindFloat || s.Elem.Width < 1 {
		return nil, fmt.Errorf("%s: arrays hold Dtype scalars or vectors", s.Name)
	}
	dims := make([]int, len(s.Dims))
	size := s.Elem.Width
	for i, d := range s.Dims {
		v, err := c.constInt(d)
		if err != nil {
			return nil, fmt.Errorf("%s: dimension %d: %w", s.Name, i, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("%s: dimension %d is %d", s.Name, i, v)
		}
		dims[i] = v
		size *= v
	}
	sym := &symbol{kind: symArray, space: s.Space, dims: dims, width: s.Elem.Width}
	if s.Space == ir.Local {
		sym.slot = len(c.prog.locals)
		c.prog.locals = append(c.prog.locals, localDecl{name: s.Name, size: size})
		return nil, c.declare(s.Name, sym)
	}
	sym.slot = len(c.prog.privates)
	c.prog.privates = append(c.prog.privates, size)
	if err := c.declare(s.Name, sym); err != nil {
		return nil, err
	}
	slot := sym.slot
	return func(t *thread) { clear(t.privates[slot]) }, nil
}

func (c *compiler) view(s ir.View) (stmtFn, error) {
	param, ok := c.params[s.Buffer]
	if !ok {
		return nil, fmt.Errorf("%s: view of unknown buffer %s", s.Name, s.Buffer)
	}
	off, err := c.intExpr(s.Offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	ln, err := c.intExpr(s.Len)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	offSlot, lenSlot := c.prog.nInts, c.prog.nInts+1
	c.prog.nInts += 2
	if err := c.declare(s.Name, &symbol{kind: symView, param: param, slot: offSlot, lenSlot: lenSlot}); err != nil {
		return nil, err
	}
	name, buf := s.Name, s.Buffer
	return func(t *thread) {
		o, l := off(t), ln(t)
		if n := len(t.grp.bufs[param].data); o < 0 || l < 0 || o+l > n {
			outOfBounds("view %s [%d, %d) exceeds %s of %d elements", name, o, o+l, buf, n)
		}
		t.ints[offSlot], t.ints[lenSlot] = o, l
	}, nil
}

func (c *compiler) assign(s ir.Assign) (stmtFn, error) {
	if ref, ok := s.LHS.(ir.Ref); ok {
		sym, err := c.lookup(string(ref))
		if err != nil {
			return nil, err
		}
		if sym.konst {
			return nil, fmt.Errorf("cannot assign to constant %s", ref)
		}
		switch sym.kind {
		case symInt:
			rhs, err := c.intExpr(s.RHS)
			if err != nil {
				return nil, err
			}
			slot := sym.slot
			switch s.Op {
			case ir.Set:
				return func(t *thread) { t.ints[slot] = rhs(t) }, nil
			case ir.AddSet:
				return func(t *thread) { t.ints[slot] += rhs(t) }, nil
			}
			return nil, fmt.Errorf("operator %s on integer %s", s.Op, ref)
		case symBool:
			rhs, err := c.boolExpr(s.RHS)
			if err != nil {
				return nil, err
			}
			slot := sym.slot
			switch s.Op {
			case ir.Set:
				return func(t *thread) { t.bools[slot] = rhs(t) }, nil
			case ir.AndSet:
				return func(t *thread) { t.bools[slot] = t.bools[slot] && rhs(t) }, nil
			}
			return nil, fmt.Errorf("operator %s on boolean %s", s.Op, ref)
		case symDef, symParam, symView, symArray:
			return nil, fmt.Errorf("cannot assign to %s", ref)
		}
	}

	loc, err := c.location(s.LHS)
	if err != nil {
		return nil, err
	}
	if !loc.writable {
		return nil, fmt.Errorf("cannot assign to read-only %s", ir.FormatExpr(s.LHS, nil))
	}
	rhs, err := c.floatExpr(s.RHS)
	if err != nil {
		return nil, err
	}
	ref, round := loc.ref, c.round
	switch s.Op {
	case ir.Set:
		return func(t *thread) {
			v := rhs(t)
			p, w := ref(t)
			*p = round(v)
			if w != nil {
				countWrite(w)
			}
		}, nil
	case ir.AddSet:
		return func(t *thread) {
			v := rhs(t)
			p, w := ref(t)
			*p = round(*p + v)
			if w != nil {
				countWrite(w)
			}
		}, nil
	}
	return nil, fmt.Errorf("operator %s on float", s.Op)
}

func (c *compiler) loop(s ir.For) (stmtFn, error) {
	from, err := c.intExpr(s.From)
	if err != nil {
		return nil, err
	}
	to, err := c.intExpr(s.To)
	if err != nil {
		return nil, err
	}
	step := intFn(func(*thread) int { return 1 })
	if s.Step != nil {
		if step, err = c.intExpr(s.Step); err != nil {
			return nil, err
		}
	}

	c.push()
	defer c.pop()
	slot := c.prog.nInts
	c.prog.nInts++
	if err := c.declare(s.Var, &symbol{kind: symInt, slot: slot, konst: true}); err != nil {
		return nil, err
	}
	body, err := c.block(s.Body)
	if err != nil {
		return nil, err
	}
	name := s.Var
	return func(t *thread) {
		for t.ints[slot] = from(t); t.ints[slot] < to(t); {
			exec(t, body)
			st := step(t)
			if st <= 0 {
				panic(fault{fmt.Errorf("loop %s: non-positive step %d", name, st)})
			}
			t.ints[slot] += st
		}
	}, nil
}
