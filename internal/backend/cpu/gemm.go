package cpu

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes c = alpha*op(a)*op(b) + beta*c for row-major matrices,
// where op(a) is m×k, op(b) is k×n and c is m×n.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ta, ar, ac := blas.NoTrans, m, k
	if transA {
		ta, ar, ac = blas.Trans, k, m
	}
	tb, br, bc := blas.NoTrans, k, n
	if transB {
		tb, br, bc = blas.Trans, n, k
	}
	blas32.Gemm(ta, tb, alpha,
		blas32.General{Rows: ar, Cols: ac, Stride: ac, Data: a[:ar*ac]},
		blas32.General{Rows: br, Cols: bc, Stride: bc, Data: b[:br*bc]},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c[:m*n]})
}

// Gemv computes y = alpha*op(a)*x + beta*y for a row-major m×n matrix a.
func Gemv(trans bool, m, n int, alpha float32, a, x []float32, beta float32, y []float32) {
	t, xl, yl := blas.NoTrans, n, m
	if trans {
		t, xl, yl = blas.Trans, m, n
	}
	blas32.Gemv(t, alpha,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: a[:m*n]},
		blas32.Vector{N: xl, Inc: 1, Data: x[:xl]},
		beta,
		blas32.Vector{N: yl, Inc: 1, Data: y[:yl]})
}
