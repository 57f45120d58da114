// Package opencl renders kernels as OpenCL C.
package opencl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// ErrUnsupported is returned for kernels that can not be expressed in OpenCL C.
var ErrUnsupported = errors.New("opencl: unsupported construct")

// Header returns the type preamble shared by all kernels of one program.
func Header(dt ir.DType) string {
	scalar := "float"
	var sb strings.Builder
	if dt == ir.Float16 {
		scalar = "half"
		sb.WriteString("#pragma OPENCL EXTENSION cl_khr_fp16 : enable\n")
	}
	fmt.Fprintf(&sb, "#define Dtype %s\n", scalar)
	fmt.Fprintf(&sb, "#define Dtype1 %s\n", scalar)
	for _, w := range []int{2, 4, 8, 16} {
		fmt.Fprintf(&sb, "#define Dtype%d %s%d\n", w, scalar, w)
	}
	return sb.String()
}

// Defines renders a definition table as guarded preprocessor definitions.
func Defines(d *ir.Defs) string {
	var sb strings.Builder
	for _, e := range d.Entries() {
		fmt.Fprintf(&sb, "#ifdef %s\n#undef %s\n#endif\n#define %s %s\n", e.Name, e.Name, e.Name, e.Text())
	}
	return sb.String()
}

// Render returns the complete program text for k: type header, definitions
// and kernel.
func Render(k *ir.Kernel) (string, error) {
	p := &printer{}
	p.sb.WriteString(Header(k.DType))
	if k.Defs != nil {
		p.sb.WriteString(Defines(k.Defs))
	}
	if err := p.kernel(k); err != nil {
		return "", err
	}
	return p.sb.String(), nil
}

type printer struct {
	sb     strings.Builder
	indent int
	params map[string]ir.Param
}

func (p *printer) line(format string, args ...any) {
	p.sb.WriteString(strings.Repeat("  ", p.indent))
	fmt.Fprintf(&p.sb, format, args...)
	p.sb.WriteByte('\n')
}

func (p *printer) kernel(k *ir.Kernel) error {
	p.params = make(map[string]ir.Param, len(k.Params))
	args := make([]string, len(k.Params))
	for i, prm := range k.Params {
		p.params[prm.Name] = prm
		qual := "const "
		if prm.Writable {
			qual = ""
		}
		args[i] = fmt.Sprintf("__global %sDtype* __restrict %s", qual, prm.Name)
	}

	p.line("__kernel")
	p.line("__attribute__((reqd_work_group_size(%d, %d, %d)))", k.WorkGroup[0], k.WorkGroup[1], k.WorkGroup[2])
	if k.VecHint > 0 {
		p.line("__attribute__((vec_type_hint(Dtype%d)))", k.VecHint)
	}
	p.line("void %s(%s) {", k.Name, strings.Join(args, ", "))
	p.indent++
	if err := p.stmts(k.Body); err != nil {
		return err
	}
	p.indent--
	p.line("}")
	return nil
}

func (p *printer) stmts(stmts []ir.Stmt) error {
	for _, s := range stmts {
		if err := p.stmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) stmt(s ir.Stmt) error {
	switch s := s.(type) {
	case ir.Comment:
		p.line("// %s", string(s))
	case ir.Decl:
		typ, err := typeName(s.Type)
		if err != nil {
			return err
		}
		if s.Const {
			typ = "const " + typ
		}
		if s.Init == nil {
			p.line("%s %s;", typ, s.Name)
		} else {
			p.line("%s %s = %s;", typ, s.Name, p.expr(s.Init))
		}
	case ir.Array:
		typ, err := typeName(s.Elem)
		if err != nil {
			return err
		}
		prefix := ""
		if s.Volatile {
			prefix = "volatile "
		}
		if s.Space == ir.Local {
			prefix += "__local "
		}
		var dims strings.Builder
		for _, d := range s.Dims {
			dims.WriteString("[" + p.expr(d) + "]")
		}
		p.line("%s%s %s%s;", prefix, typ, s.Name, dims.String())
	case ir.View:
		prm, ok := p.params[s.Buffer]
		if !ok {
			return fmt.Errorf("%w: view %s of unknown buffer %s", ErrUnsupported, s.Name, s.Buffer)
		}
		qual := "const "
		if prm.Writable {
			qual = ""
		}
		if off, ok := s.Offset.(ir.Int); ok && off == 0 {
			p.line("__global %sDtype* %s = %s;", qual, s.Name, s.Buffer)
		} else {
			p.line("__global %sDtype* %s = %s + %s;", qual, s.Name, s.Buffer, p.expr(s.Offset))
		}
	case ir.Assign:
		p.line("%s %s %s;", p.expr(s.LHS), s.Op, p.expr(s.RHS))
	case ir.For:
		switch {
		case s.Unroll == ir.UnrollFull:
			p.line("#pragma unroll")
		case s.Unroll > 0:
			p.line("#pragma unroll %d", s.Unroll)
		}
		step := "++" + s.Var
		if s.Step != nil {
			step = s.Var + " += " + p.expr(s.Step)
		}
		p.line("for (int %s = %s; %s < %s; %s) {", s.Var, p.expr(s.From), s.Var, p.expr(s.To), step)
		if err := p.block(s.Body); err != nil {
			return err
		}
		p.line("}")
	case ir.If:
		p.line("if (%s) {", p.expr(s.Cond))
		if err := p.block(s.Then); err != nil {
			return err
		}
		if len(s.Else) > 0 {
			p.line("} else {")
			if err := p.block(s.Else); err != nil {
				return err
			}
		}
		p.line("}")
	case ir.Block:
		p.line("{")
		if err := p.block(s.Body); err != nil {
			return err
		}
		p.line("}")
	case ir.Barrier:
		p.line("barrier(CLK_LOCAL_MEM_FENCE);")
	default:
		return fmt.Errorf("%w: statement %T", ErrUnsupported, s)
	}
	return nil
}

func (p *printer) block(body []ir.Stmt) error {
	p.indent++
	defer func() { p.indent-- }()
	return p.stmts(body)
}

var builtinFuncs = [...]string{
	ir.LocalID:  "get_local_id",
	ir.GroupID:  "get_group_id",
	ir.GlobalID: "get_global_id",
}

func (p *printer) expr(e ir.Expr) string {
	return ir.FormatExpr(e, func(e ir.Expr, format func(ir.Expr) string) (string, bool) {
		switch e := e.(type) {
		case ir.Builtin:
			return builtinFuncs[e.Kind] + "(" + strconv.Itoa(e.Dim) + ")", true
		case ir.Lane:
			return format(e.X) + ".s" + strconv.FormatInt(int64(e.N), 16), true
		}
		return "", false
	})
}

func typeName(t ir.Type) (string, error) {
	switch t.Kind {
	case ir.KindInt:
		return "int", nil
	case ir.KindBool:
		return "bool", nil
	case ir.KindFloat:
		switch t.Width {
		case 1:
			return "Dtype", nil
		case 2, 4, 8, 16:
			return "Dtype" + strconv.Itoa(t.Width), nil
		}
		return "", fmt.Errorf("%w: vector width %d", ErrUnsupported, t.Width)
	}
	return "", fmt.Errorf("%w: type kind %d", ErrUnsupported, t.Kind)
}
