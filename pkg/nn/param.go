// Package nn implements the small set of differentiable layers the chart
// autoencoder needs. Layers run one sample at a time: Forward caches what
// Backward needs, and Backward accumulates into parameter gradients so a
// minibatch is a loop of Forward/Backward pairs followed by one optimizer step.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// Param is a named trainable tensor with its gradient accumulator.
type Param struct {
	Name string
	Data []float64
	Grad []float64
}

// NewParam allocates a zero parameter of n elements.
func NewParam(name string, n int) *Param {
	return &Param{Name: name, Data: make([]float64, n), Grad: make([]float64, n)}
}

// uniform fills p with U(-bound, bound).
func (p *Param) uniform(rng *rand.Rand, bound float64) {
	for i := range p.Data {
		p.Data[i] = (rng.Float64()*2 - 1) * bound
	}
}

func (p *Param) fill(v float64) {
	for i := range p.Data {
		p.Data[i] = v
	}
}

// ZeroGrads clears every gradient accumulator.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// ScaleGrads multiplies every gradient by s.
func ScaleGrads(params []*Param, s float64) {
	for _, p := range params {
		floats.Scale(s, p.Grad)
	}
}

// GradNorm returns the global L2 norm over all gradients.
func GradNorm(params []*Param) float64 {
	sum := 0.0
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients so their global norm is at most maxNorm and
// returns the norm before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if norm > maxNorm && norm > 0 {
		ScaleGrads(params, maxNorm/(norm+1e-6))
	}
	return norm
}

// gemm computes c = alpha*op(a)*op(b) + beta*c on row-major matrices, where
// op(a) is m×k and op(b) is k×n.
func gemm(transA, transB bool, m, n, k int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) {
	ta, tb := blas.NoTrans, blas.NoTrans
	ar, ac := m, k
	if transA {
		ta, ar, ac = blas.Trans, k, m
	}
	br, bc := k, n
	if transB {
		tb, br, bc = blas.Trans, n, k
	}
	blas64.Gemm(ta, tb, alpha,
		blas64.General{Rows: ar, Cols: ac, Stride: lda, Data: a},
		blas64.General{Rows: br, Cols: bc, Stride: ldb, Data: b},
		beta,
		blas64.General{Rows: m, Cols: n, Stride: ldc, Data: c})
}
