package nn

import (
	"math"
	"math/rand"
)

// Linear computes Y = X·Wᵀ + b for a [rows, In] input.
type Linear struct {
	In, Out      int
	Weight, Bias *Param // Weight is [Out, In]

	x    []float64
	rows int
}

// NewLinear creates a fully connected layer.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In: in, Out: out,
		Weight: NewParam(name+".weight", out*in),
		Bias:   NewParam(name+".bias", out),
	}
	bound := 1 / math.Sqrt(float64(in))
	l.Weight.uniform(rng, bound)
	l.Bias.uniform(rng, bound)
	return l
}

// Forward maps each of the len(x)/In input rows.
func (l *Linear) Forward(x []float64) []float64 {
	l.x = x
	l.rows = len(x) / l.In
	out := make([]float64, l.rows*l.Out)
	for r := 0; r < l.rows; r++ {
		copy(out[r*l.Out:(r+1)*l.Out], l.Bias.Data)
	}
	gemm(false, true, l.rows, l.Out, l.In, 1, x, l.In, l.Weight.Data, l.In, 1, out, l.Out)
	return out
}

// Backward accumulates parameter gradients and returns dL/dx.
func (l *Linear) Backward(dout []float64) []float64 {
	for r := 0; r < l.rows; r++ {
		for o := 0; o < l.Out; o++ {
			l.Bias.Grad[o] += dout[r*l.Out+o]
		}
	}
	gemm(true, false, l.Out, l.In, l.rows, 1, dout, l.Out, l.x, l.In, 1, l.Weight.Grad, l.In)

	dx := make([]float64, l.rows*l.In)
	gemm(false, false, l.rows, l.In, l.Out, 1, dout, l.Out, l.Weight.Data, l.In, 0, dx, l.In)
	return dx
}

// Params implements Module.
func (l *Linear) Params() []*Param { return []*Param{l.Weight, l.Bias} }
