package nn

import "math"

// LeakyReLU passes positives through and scales negatives by Slope.
type LeakyReLU struct {
	Slope float64
	x     []float64
}

// NewLeakyReLU creates the activation.
func NewLeakyReLU(slope float64) *LeakyReLU {
	return &LeakyReLU{Slope: slope}
}

func (a *LeakyReLU) Forward(x []float64) []float64 {
	a.x = x
	out := make([]float64, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = a.Slope * v
		}
	}
	return out
}

func (a *LeakyReLU) Backward(dout []float64) []float64 {
	dx := make([]float64, len(dout))
	for i, g := range dout {
		if a.x[i] > 0 {
			dx[i] = g
		} else {
			dx[i] = a.Slope * g
		}
	}
	return dx
}

// Sigmoid squashes to (0, 1).
type Sigmoid struct {
	y []float64
}

func (s *Sigmoid) Forward(x []float64) []float64 {
	s.y = make([]float64, len(x))
	for i, v := range x {
		s.y[i] = 1 / (1 + math.Exp(-v))
	}
	return s.y
}

func (s *Sigmoid) Backward(dout []float64) []float64 {
	dx := make([]float64, len(dout))
	for i, g := range dout {
		dx[i] = g * s.y[i] * (1 - s.y[i])
	}
	return dx
}
