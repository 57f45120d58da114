// Package ir is a small structured representation of compute kernels.
//
// Kernels are built as trees of statements and expressions instead of being
// concatenated as text. The same tree is rendered to OpenCL C or WGSL by the
// dialect packages and executed directly by the simulator backend, so the
// emitted source and the simulated semantics can not drift apart.
package ir

import "fmt"

// DType is the element type of kernel buffers and local tiles.
type DType int

// Supported element types.
const (
	Float32 DType = iota
	Float16
)

// String returns the type name.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	if d == Float16 {
		return 2
	}
	return 4
}

// TypeKind classifies value types.
type TypeKind int

// Value type kinds.
const (
	KindInt TypeKind = iota
	KindBool
	KindFloat // Dtype scalar or vector, see Type.Width
)

// Type is the type of a declared variable or array element.
type Type struct {
	Kind  TypeKind
	Width int // vector width for KindFloat, 1 means scalar
}

// Common types.
var (
	IntType   = Type{Kind: KindInt, Width: 1}
	BoolType  = Type{Kind: KindBool, Width: 1}
	FloatType = Type{Kind: KindFloat, Width: 1}
)

// Vec returns a Dtype vector type of width w.
func Vec(w int) Type {
	return Type{Kind: KindFloat, Width: w}
}

// Space is the address space of an array declaration.
type Space int

// Address spaces.
const (
	Private Space = iota // per work-item registers
	Local                // shared by a workgroup
)

// Param is a global buffer argument. Parameters are bound positionally.
type Param struct {
	Name     string
	Writable bool
}

// Kernel is a complete compute kernel.
type Kernel struct {
	Name      string
	DType     DType
	Defs      *Defs
	Params    []Param
	WorkGroup [3]int // required workgroup size
	VecHint   int    // preferred vector width, 0 for none
	Body      []Stmt
}

// Param returns the index of the named parameter, or -1.
func (k *Kernel) Param(name string) int {
	for i, p := range k.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Stmt is a kernel statement.
type Stmt interface {
	stmt()
}

// Decl declares a scalar or vector variable. A nil Init zero-initializes it.
type Decl struct {
	Name  string
	Type  Type
	Init  Expr
	Const bool
}

// Array declares a private or workgroup-local array of Elem.
type Array struct {
	Name     string
	Space    Space
	Elem     Type
	Dims     []Expr
	Volatile bool
}

// View declares a window of Len elements starting at Offset into a buffer parameter.
// Indexing a view is bounds checked by the simulator against Len.
type View struct {
	Name   string
	Buffer string
	Offset Expr
	Len    Expr
}

// AssignOp is the operator of an assignment.
type AssignOp int

// Assignment operators.
const (
	Set    AssignOp = iota // =
	AddSet                 // +=
	AndSet                 // &= on booleans
)

// String returns the operator token.
func (op AssignOp) String() string {
	switch op {
	case AddSet:
		return "+="
	case AndSet:
		return "&="
	default:
		return "="
	}
}

// Assign stores RHS into LHS.
type Assign struct {
	LHS Expr
	Op  AssignOp
	RHS Expr
}

// Unroll hints for loops.
const (
	NoUnroll   = 0
	UnrollFull = -1
)

// For is a counted loop: for (Var = From; Var < To; Var += Step).
// A nil Step increments by one.
type For struct {
	Var    string
	From   Expr
	To     Expr
	Step   Expr
	Unroll int
	Body   []Stmt
}

// If is a conditional.
type If struct {
	Cond Expr
	Then []Stmt
	Else []Stmt
}

// Block opens a nested scope.
type Block struct {
	Body []Stmt
}

// Barrier synchronizes all work-items of a workgroup and fences local memory.
type Barrier struct{}

// Comment is emitted verbatim as a line comment.
type Comment string

func (Decl) stmt()    {}
func (Array) stmt()   {}
func (View) stmt()    {}
func (Assign) stmt()  {}
func (For) stmt()     {}
func (If) stmt()      {}
func (Block) stmt()   {}
func (Barrier) stmt() {}
func (Comment) stmt() {}
