package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Module is anything that owns trainable parameters.
type Module interface {
	Params() []*Param
}

// Collect concatenates the parameters of modules in order.
func Collect(modules ...Module) []*Param {
	var out []*Param
	for _, m := range modules {
		out = append(out, m.Params()...)
	}
	return out
}

// GlobalAvgPool averages each channel of a [C, plane] activation.
func GlobalAvgPool(x []float64, channels int) []float64 {
	plane := len(x) / channels
	out := make([]float64, channels)
	for c := 0; c < channels; c++ {
		out[c] = floats.Sum(x[c*plane:(c+1)*plane]) / float64(plane)
	}
	return out
}

// GlobalAvgPoolBackward spreads dout evenly over each channel's plane.
func GlobalAvgPoolBackward(dout []float64, plane int) []float64 {
	dx := make([]float64, len(dout)*plane)
	for c, g := range dout {
		v := g / float64(plane)
		for i := c * plane; i < (c+1)*plane; i++ {
			dx[i] = v
		}
	}
	return dx
}

const l2Eps = 1e-12

// L2Normalize returns x/‖x‖ and the norm.
func L2Normalize(x []float64) ([]float64, float64) {
	norm := math.Max(floats.Norm(x, 2), l2Eps)
	out := make([]float64, len(x))
	floats.ScaleTo(out, 1/norm, x)
	return out, norm
}

// L2NormalizeBackward returns dL/dx given y = x/‖x‖: (dy - y·(y·dy)) / ‖x‖.
func L2NormalizeBackward(dy, y []float64, norm float64) []float64 {
	dot := floats.Dot(y, dy)
	dx := make([]float64, len(dy))
	for i := range dy {
		dx[i] = (dy[i] - y[i]*dot) / norm
	}
	return dx
}

// MSE returns mean((pred-target)^2) and its gradient w.r.t. pred.
func MSE(pred, target []float64) (float64, []float64) {
	n := float64(len(pred))
	grad := make([]float64, len(pred))
	loss := 0.0
	for i := range pred {
		d := pred[i] - target[i]
		loss += d * d
		grad[i] = 2 * d / n
	}
	return loss / n, grad
}

// Transpose turns a row-major [rows, cols] matrix into [cols, rows].
func Transpose(x []float64, rows, cols int) []float64 {
	out := make([]float64, len(x))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = x[r*cols+c]
		}
	}
	return out
}
