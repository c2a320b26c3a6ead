package nn

import "math"

const normEps = 1e-5

// GroupNorm normalizes a [C, HW] activation over channel groups and applies a
// per-channel affine transform.
type GroupNorm struct {
	Channels, Groups int
	Gamma, Beta      *Param

	xhat   []float64
	invstd []float64
	plane  int
}

// NewGroupNorm creates a group norm; channels must be divisible by groups.
func NewGroupNorm(name string, channels, groups int) *GroupNorm {
	g := &GroupNorm{
		Channels: channels,
		Groups:   groups,
		Gamma:    NewParam(name+".weight", channels),
		Beta:     NewParam(name+".bias", channels),
	}
	g.Gamma.fill(1)
	return g
}

// Forward normalizes x, a [Channels, plane] activation.
func (g *GroupNorm) Forward(x []float64, plane int) []float64 {
	g.plane = plane
	per := g.Channels / g.Groups * plane
	g.xhat = make([]float64, len(x))
	g.invstd = make([]float64, g.Groups)
	out := make([]float64, len(x))

	for gi := 0; gi < g.Groups; gi++ {
		seg := x[gi*per : (gi+1)*per]
		mean, variance := moments(seg)
		inv := 1 / math.Sqrt(variance+normEps)
		g.invstd[gi] = inv
		for i, v := range seg {
			idx := gi*per + i
			c := idx / plane
			xh := (v - mean) * inv
			g.xhat[idx] = xh
			out[idx] = g.Gamma.Data[c]*xh + g.Beta.Data[c]
		}
	}
	return out
}

// Backward accumulates gamma/beta gradients and returns dL/dx.
func (g *GroupNorm) Backward(dout []float64) []float64 {
	per := g.Channels / g.Groups * g.plane
	dx := make([]float64, len(dout))
	dxhat := make([]float64, per)

	for gi := 0; gi < g.Groups; gi++ {
		base := gi * per
		for i := 0; i < per; i++ {
			idx := base + i
			c := idx / g.plane
			g.Gamma.Grad[c] += dout[idx] * g.xhat[idx]
			g.Beta.Grad[c] += dout[idx]
			dxhat[i] = dout[idx] * g.Gamma.Data[c]
		}
		normBackward(dxhat, g.xhat[base:base+per], g.invstd[gi], dx[base:base+per])
	}
	return dx
}

// Params implements Module.
func (g *GroupNorm) Params() []*Param { return []*Param{g.Gamma, g.Beta} }

// LayerNorm normalizes each row of a [T, D] token matrix.
type LayerNorm struct {
	Dim         int
	Gamma, Beta *Param

	xhat   []float64
	invstd []float64
}

// NewLayerNorm creates a layer norm over the last dimension.
func NewLayerNorm(name string, dim int) *LayerNorm {
	l := &LayerNorm{
		Dim:   dim,
		Gamma: NewParam(name+".weight", dim),
		Beta:  NewParam(name+".bias", dim),
	}
	l.Gamma.fill(1)
	return l
}

// Forward normalizes each token.
func (l *LayerNorm) Forward(x []float64) []float64 {
	rows := len(x) / l.Dim
	l.xhat = make([]float64, len(x))
	l.invstd = make([]float64, rows)
	out := make([]float64, len(x))

	for r := 0; r < rows; r++ {
		seg := x[r*l.Dim : (r+1)*l.Dim]
		mean, variance := moments(seg)
		inv := 1 / math.Sqrt(variance+normEps)
		l.invstd[r] = inv
		for j, v := range seg {
			idx := r*l.Dim + j
			xh := (v - mean) * inv
			l.xhat[idx] = xh
			out[idx] = l.Gamma.Data[j]*xh + l.Beta.Data[j]
		}
	}
	return out
}

// Backward accumulates gamma/beta gradients and returns dL/dx.
func (l *LayerNorm) Backward(dout []float64) []float64 {
	rows := len(dout) / l.Dim
	dx := make([]float64, len(dout))
	dxhat := make([]float64, l.Dim)

	for r := 0; r < rows; r++ {
		base := r * l.Dim
		for j := 0; j < l.Dim; j++ {
			idx := base + j
			l.Gamma.Grad[j] += dout[idx] * l.xhat[idx]
			l.Beta.Grad[j] += dout[idx]
			dxhat[j] = dout[idx] * l.Gamma.Data[j]
		}
		normBackward(dxhat, l.xhat[base:base+l.Dim], l.invstd[r], dx[base:base+l.Dim])
	}
	return dx
}

// Params implements Module.
func (l *LayerNorm) Params() []*Param { return []*Param{l.Gamma, l.Beta} }

func moments(x []float64) (mean, variance float64) {
	n := float64(len(x))
	for _, v := range x {
		mean += v
	}
	mean /= n
	for _, v := range x {
		d := v - mean
		variance += d * d
	}
	return mean, variance / n
}

// normBackward writes dx = invstd/N * (N*dxhat - sum(dxhat) - xhat*sum(dxhat*xhat)).
func normBackward(dxhat, xhat []float64, invstd float64, dx []float64) {
	n := float64(len(dxhat))
	sum, dot := 0.0, 0.0
	for i := range dxhat {
		sum += dxhat[i]
		dot += dxhat[i] * xhat[i]
	}
	for i := range dxhat {
		dx[i] = invstd / n * (n*dxhat[i] - sum - xhat[i]*dot)
	}
}
