package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// MultiHeadAttention is scaled dot-product self-attention over a [T, Dim]
// token matrix with learned Q/K/V/O projections.
type MultiHeadAttention struct {
	Dim, Heads int
	Q, K, V, O *Linear

	q, k, v []float64
	attn    [][]float64 // per head, [T, T] softmax weights
	tokens  int
}

// NewMultiHeadAttention creates the layer; dim must be divisible by heads.
func NewMultiHeadAttention(name string, dim, heads int, rng *rand.Rand) (*MultiHeadAttention, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("attention dim %d not divisible by %d heads", dim, heads)
	}
	return &MultiHeadAttention{
		Dim:   dim,
		Heads: heads,
		Q:     NewLinear(name+".q_proj", dim, dim, rng),
		K:     NewLinear(name+".k_proj", dim, dim, rng),
		V:     NewLinear(name+".v_proj", dim, dim, rng),
		O:     NewLinear(name+".out_proj", dim, dim, rng),
	}, nil
}

// Forward attends x ([T, Dim]) to itself. bias, when non-nil, is a [T*T]
// additive term applied to every head's logits before the softmax.
func (m *MultiHeadAttention) Forward(x []float64, bias []float64) []float64 {
	t := len(x) / m.Dim
	dh := m.Dim / m.Heads
	scale := 1 / math.Sqrt(float64(dh))
	m.tokens = t
	m.q, m.k, m.v = m.Q.Forward(x), m.K.Forward(x), m.V.Forward(x)
	m.attn = make([][]float64, m.Heads)

	ctx := make([]float64, t*m.Dim)
	for h := 0; h < m.Heads; h++ {
		off := h * dh
		scores := make([]float64, t*t)
		if bias != nil {
			copy(scores, bias)
		}
		gemm(false, true, t, t, dh, scale, m.q[off:], m.Dim, m.k[off:], m.Dim, 1, scores, t)
		softmaxRows(scores, t)
		m.attn[h] = scores
		gemm(false, false, t, dh, t, 1, scores, t, m.v[off:], m.Dim, 0, ctx[off:], m.Dim)
	}
	return m.O.Forward(ctx)
}

// Backward accumulates gradients through all four projections and returns dL/dx.
func (m *MultiHeadAttention) Backward(dout []float64) []float64 {
	t := m.tokens
	dh := m.Dim / m.Heads
	scale := 1 / math.Sqrt(float64(dh))

	dctx := m.O.Backward(dout)
	dq := make([]float64, t*m.Dim)
	dk := make([]float64, t*m.Dim)
	dv := make([]float64, t*m.Dim)
	dattn := make([]float64, t*t)

	for h := 0; h < m.Heads; h++ {
		off := h * dh
		a := m.attn[h]

		// dA = dCtx·Vᵀ, dV = Aᵀ·dCtx
		gemm(false, true, t, t, dh, 1, dctx[off:], m.Dim, m.v[off:], m.Dim, 0, dattn, t)
		gemm(true, false, t, dh, t, 1, a, t, dctx[off:], m.Dim, 0, dv[off:], m.Dim)

		// softmax backward in place: dS = A ⊙ (dA - rowsum(dA ⊙ A))
		for r := 0; r < t; r++ {
			row := r * t
			dot := 0.0
			for c := 0; c < t; c++ {
				dot += dattn[row+c] * a[row+c]
			}
			for c := 0; c < t; c++ {
				dattn[row+c] = a[row+c] * (dattn[row+c] - dot)
			}
		}

		gemm(false, false, t, dh, t, scale, dattn, t, m.k[off:], m.Dim, 0, dq[off:], m.Dim)
		gemm(true, false, t, dh, t, scale, dattn, t, m.q[off:], m.Dim, 0, dk[off:], m.Dim)
	}

	dx := m.Q.Backward(dq)
	for i, g := range m.K.Backward(dk) {
		dx[i] += g
	}
	for i, g := range m.V.Backward(dv) {
		dx[i] += g
	}
	return dx
}

// Params implements Module.
func (m *MultiHeadAttention) Params() []*Param {
	var out []*Param
	for _, l := range []*Linear{m.Q, m.K, m.V, m.O} {
		out = append(out, l.Params()...)
	}
	return out
}

// Weights returns the softmax weights of the last forward pass, one [T*T]
// slice per head.
func (m *MultiHeadAttention) Weights() [][]float64 {
	return m.attn
}

func softmaxRows(x []float64, cols int) {
	for r := 0; r+cols <= len(x); r += cols {
		row := x[r : r+cols]
		maxV := math.Inf(-1)
		for _, v := range row {
			maxV = math.Max(maxV, v)
		}
		sum := 0.0
		for i, v := range row {
			e := math.Exp(v - maxV)
			row[i] = e
			sum += e
		}
		for i := range row {
			row[i] /= sum
		}
	}
}
