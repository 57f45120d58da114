package ir

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Expr is a kernel expression.
type Expr interface {
	expr()
}

// Int is an integer literal.
type Int int

// Float is a Dtype literal.
type Float float64

// Bool is a boolean literal.
type Bool bool

// Ref names a definition, variable, array, view or parameter.
type Ref string

// BinOp is a binary operator.
type BinOp int

// Binary operators. Integer division truncates toward zero and the remainder
// takes the sign of the dividend in every dialect.
const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpQuo
	OpRem
	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe
	OpLand
	OpLor
)

var binOpTokens = [...]string{"+", "-", "*", "/", "%", "<", "<=", ">", ">=", "==", "!=", "&&", "||"}

// String returns the operator token.
func (op BinOp) String() string {
	return binOpTokens[op]
}

// Precedence returns the binding strength of op; higher binds tighter.
func (op BinOp) Precedence() int {
	switch op {
	case OpMul, OpQuo, OpRem:
		return 5
	case OpAdd, OpSub:
		return 4
	case OpLt, OpLe, OpGt, OpGe:
		return 3
	case OpEq, OpNe:
		return 2
	case OpLand:
		return 1
	default:
		return 0
	}
}

// Logical reports whether op is && or ||.
func (op BinOp) Logical() bool {
	return op == OpLand || op == OpLor
}

// Comparison reports whether op yields a boolean from integers.
func (op BinOp) Comparison() bool {
	return op >= OpLt && op <= OpNe
}

// Binary applies Op to X and Y.
type Binary struct {
	Op   BinOp
	X, Y Expr
}

// Index selects element I of array, view or parameter X.
type Index struct {
	X Expr
	I Expr
}

// Lane selects vector component N of X. On scalars it is X itself.
type Lane struct {
	X Expr
	N int
}

// BuiltinKind identifies a work-item query.
type BuiltinKind int

// Work-item queries.
const (
	LocalID BuiltinKind = iota
	GroupID
	GlobalID
)

// Builtin queries the work-item position in dimension Dim.
type Builtin struct {
	Kind BuiltinKind
	Dim  int
}

// Paren forces parentheses around X in the emitted source.
type Paren struct {
	X Expr
}

func (Int) expr()     {}
func (Float) expr()   {}
func (Bool) expr()    {}
func (Ref) expr()     {}
func (Binary) expr()  {}
func (Index) expr()   {}
func (Lane) expr()    {}
func (Builtin) expr() {}
func (Paren) expr()   {}

// Add returns x + y.
func Add(x, y Expr) Expr { return Binary{OpAdd, x, y} }

// Sub returns x - y.
func Sub(x, y Expr) Expr { return Binary{OpSub, x, y} }

// Mul returns x * y.
func Mul(x, y Expr) Expr { return Binary{OpMul, x, y} }

// Quo returns x / y.
func Quo(x, y Expr) Expr { return Binary{OpQuo, x, y} }

// Rem returns x % y.
func Rem(x, y Expr) Expr { return Binary{OpRem, x, y} }

// Lt returns x < y.
func Lt(x, y Expr) Expr { return Binary{OpLt, x, y} }

// Ge returns x >= y.
func Ge(x, y Expr) Expr { return Binary{OpGe, x, y} }

// Land returns the conjunction of xs.
func Land(xs ...Expr) Expr {
	e := xs[0]
	for _, x := range xs[1:] {
		e = Binary{OpLand, e, x}
	}
	return e
}

// At returns x[i][j]... for each index in is.
func At(x Expr, is ...Expr) Expr {
	for _, i := range is {
		x = Index{x, i}
	}
	return x
}

// AddInt returns x + n, or x when n is zero.
func AddInt(x Expr, n int) Expr {
	if n == 0 {
		return x
	}
	return Add(x, Int(n))
}

// Formatter customizes FormatExpr for a dialect. Returning ok=false falls
// back to the common C-like rendering.
type Formatter func(e Expr, format func(Expr) string) (s string, ok bool)

// FormatExpr renders e with minimal parentheses. The common syntax is shared by
// OpenCL C and WGSL; dialect specific nodes go through f.
func FormatExpr(e Expr, f Formatter) string {
	return formatExpr(e, f, " ")
}

// FormatCompact renders e without blanks around operators, the form used for
// definition values.
func FormatCompact(e Expr) string {
	return formatExpr(e, nil, "")
}

func formatExpr(e Expr, f Formatter, sp string) string {
	var format func(Expr) string
	format = func(e Expr) string {
		if f != nil {
			if s, ok := f(e, format); ok {
				return s
			}
		}
		switch e := e.(type) {
		case Int:
			return strconv.Itoa(int(e))
		case Float:
			return formatFloat(float64(e))
		case Bool:
			return strconv.FormatBool(bool(e))
		case Ref:
			return string(e)
		case Paren:
			return "(" + format(e.X) + ")"
		case Index:
			return format(e.X) + "[" + format(e.I) + "]"
		case Binary:
			return operand(e.Op, e.X, false, format) + sp + e.Op.String() + sp + operand(e.Op, e.Y, true, format)
		default:
			panic(fmt.Sprintf("ir: cannot format %T", e))
		}
	}
	return format(e)
}

func operand(parent BinOp, x Expr, right bool, format func(Expr) string) string {
	s := format(x)
	b, ok := x.(Binary)
	if !ok {
		return s
	}
	p, c := parent.Precedence(), b.Op.Precedence()
	switch {
	case c < p,
		right && c == p && !parent.Logical(),
		parent.Logical() && b.Op.Logical() && b.Op != parent,
		parent.Comparison() && b.Op.Comparison():
		return "(" + s + ")"
	}
	return s
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// ErrNotConstant is returned when an expression can not be folded.
var ErrNotConstant = errors.New("ir: expression is not an integer constant")

// EvalInt folds an integer expression. Names are resolved through env.
func EvalInt(e Expr, env func(name string) (int, bool)) (int, error) {
	switch e := e.(type) {
	case Int:
		return int(e), nil
	case Paren:
		return EvalInt(e.X, env)
	case Ref:
		if env != nil {
			if v, ok := env(string(e)); ok {
				return v, nil
			}
		}
		return 0, fmt.Errorf("%w: unknown name %q", ErrNotConstant, string(e))
	case Binary:
		x, err := EvalInt(e.X, env)
		if err != nil {
			return 0, err
		}
		y, err := EvalInt(e.Y, env)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case OpAdd:
			return x + y, nil
		case OpSub:
			return x - y, nil
		case OpMul:
			return x * y, nil
		case OpQuo, OpRem:
			if y == 0 {
				return 0, fmt.Errorf("%w: division by zero in %s", ErrNotConstant, FormatExpr(e, nil))
			}
			if e.Op == OpQuo {
				return x / y, nil
			}
			return x % y, nil
		}
		return 0, fmt.Errorf("%w: operator %s", ErrNotConstant, e.Op)
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotConstant, e)
	}
}
