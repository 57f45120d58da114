// Package wgsl renders kernels as WGSL compute shaders.
//
// Definitions become module-scope constants, buffer parameters become storage
// bindings of group 0 in argument order, and workgroup-local arrays are
// hoisted to module scope. Views are lowered to integer offsets into their
// binding.
package wgsl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/convkernel/internal/kernel/ir"
)

// ErrUnsupported is returned for kernels WGSL can not express, such as
// vectors wider than four lanes.
var ErrUnsupported = errors.New("wgsl: unsupported construct")

var lanes = [...]string{"x", "y", "z", "w"}

var builtins = [...]string{
	ir.LocalID:  "lid",
	ir.GroupID:  "wid",
	ir.GlobalID: "gid",
}

// Render returns the shader module for k. The entry point is named k.Name.
func Render(k *ir.Kernel) (string, error) {
	p := &printer{views: make(map[string]string), writable: make(map[string]bool)}
	if err := p.module(k); err != nil {
		return "", err
	}
	return p.sb.String(), nil
}

type printer struct {
	sb       strings.Builder
	indent   int
	views    map[string]string // view name -> binding
	writable map[string]bool
	widths   map[int]bool
}

func (p *printer) line(format string, args ...any) {
	p.sb.WriteString(strings.Repeat("  ", p.indent))
	fmt.Fprintf(&p.sb, format, args...)
	p.sb.WriteByte('\n')
}

func (p *printer) module(k *ir.Kernel) error {
	p.widths = make(map[int]bool)
	var locals []ir.Array
	var err error
	ir.Walk(k.Body, func(s ir.Stmt) bool {
		switch s := s.(type) {
		case ir.Array:
			if s.Space == ir.Local {
				locals = append(locals, s)
			}
			err = errors.Join(err, p.useType(s.Elem))
		case ir.Decl:
			err = errors.Join(err, p.useType(s.Type))
		}
		return true
	})
	if err != nil {
		return err
	}

	scalar := "f32"
	if k.DType == ir.Float16 {
		scalar = "f16"
		p.line("enable f16;")
		p.line("")
	}
	p.line("alias Dtype = %s;", scalar)
	for _, w := range []int{2, 3, 4} {
		if p.widths[w] {
			p.line("alias Dtype%d = vec%d<Dtype>;", w, w)
		}
	}
	p.line("")

	if k.Defs != nil {
		for _, d := range k.Defs.Entries() {
			p.line("const %s: i32 = %s;", d.Name, d.Text())
		}
		p.line("")
	}

	for i, prm := range k.Params {
		access := "read"
		if prm.Writable {
			access = "read_write"
		}
		p.writable[prm.Name] = prm.Writable
		p.line("@group(0) @binding(%d) var<storage, %s> %s: array<Dtype>;", i, access, prm.Name)
	}
	p.line("")

	for _, a := range locals {
		typ, err := p.arrayType(a)
		if err != nil {
			return err
		}
		p.line("var<workgroup> %s: %s;", a.Name, typ)
	}
	if len(locals) > 0 {
		p.line("")
	}

	p.line("@compute @workgroup_size(%d, %d, %d)", k.WorkGroup[0], k.WorkGroup[1], k.WorkGroup[2])
	p.line("fn %s(@builtin(local_invocation_id) lid: vec3<u32>, @builtin(workgroup_id) wid: vec3<u32>, @builtin(global_invocation_id) gid: vec3<u32>) {", k.Name)
	p.indent++
	if err := p.stmts(k.Body); err != nil {
		return err
	}
	p.indent--
	p.line("}")
	return nil
}

func (p *printer) useType(t ir.Type) error {
	if t.Kind != ir.KindFloat || t.Width == 1 {
		return nil
	}
	if t.Width < 1 || t.Width > len(lanes) {
		return fmt.Errorf("%w: vector width %d", ErrUnsupported, t.Width)
	}
	p.widths[t.Width] = true
	return nil
}

func typeName(t ir.Type) string {
	switch t.Kind {
	case ir.KindInt:
		return "i32"
	case ir.KindBool:
		return "bool"
	}
	if t.Width == 1 {
		return "Dtype"
	}
	return fmt.Sprintf("Dtype%d", t.Width)
}

func (p *printer) arrayType(a ir.Array) (string, error) {
	if len(a.Dims) == 0 {
		return "", fmt.Errorf("%w: array %s without dimensions", ErrUnsupported, a.Name)
	}
	typ := typeName(a.Elem)
	for i := len(a.Dims) - 1; i >= 0; i-- {
		typ = fmt.Sprintf("array<%s, %s>", typ, p.expr(a.Dims[i]))
	}
	return typ, nil
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
		switch {
		case s.Const && s.Init != nil:
			p.line("let %s: %s = %s;", s.Name, typeName(s.Type), p.expr(s.Init))
		case s.Init != nil:
			p.line("var %s: %s = %s;", s.Name, typeName(s.Type), p.expr(s.Init))
		default:
			p.line("var %s: %s;", s.Name, typeName(s.Type))
		}
	case ir.Array:
		if s.Space == ir.Local {
			return nil
		}
		typ, err := p.arrayType(s)
		if err != nil {
			return err
		}
		p.line("var %s: %s;", s.Name, typ)
	case ir.View:
		if _, ok := p.writable[s.Buffer]; !ok {
			return fmt.Errorf("%w: view %s of unknown buffer %s", ErrUnsupported, s.Name, s.Buffer)
		}
		p.views[s.Name] = s.Buffer
		p.line("let %s: i32 = %s;", s.Name, p.expr(s.Offset))
	case ir.Assign:
		switch s.Op {
		case ir.AndSet:
			rhs := ir.Binary{Op: ir.OpLand, X: s.LHS, Y: s.RHS}
			p.line("%s = %s;", p.expr(s.LHS), p.expr(rhs))
		default:
			p.line("%s %s %s;", p.expr(s.LHS), s.Op, p.expr(s.RHS))
		}
	case ir.For:
		step := s.Var + "++"
		if s.Step != nil {
			step = s.Var + " += " + p.expr(s.Step)
		}
		p.line("for (var %s: i32 = %s; %s < %s; %s) {", s.Var, p.expr(s.From), s.Var, p.expr(s.To), step)
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
		p.line("workgroupBarrier();")
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

func (p *printer) expr(e ir.Expr) string {
	var hook ir.Formatter
	hook = func(e ir.Expr, format func(ir.Expr) string) (string, bool) {
		switch e := e.(type) {
		case ir.Builtin:
			return fmt.Sprintf("i32(%s.%s)", builtins[e.Kind], lanes[e.Dim]), true
		case ir.Lane:
			return format(e.X) + "." + lanes[e.N], true
		case ir.Index:
			if ref, ok := e.X.(ir.Ref); ok {
				if buf, ok := p.views[string(ref)]; ok {
					return buf + "[" + ir.FormatExpr(ir.Add(ref, e.I), hook) + "]", true
				}
			}
		}
		return "", false
	}
	return ir.FormatExpr(e, hook)
}
