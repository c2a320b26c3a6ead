package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func randVec(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

// gradCheck compares analytic gradients against central differences of loss
// with respect to every element of values.
func gradCheck(t *testing.T, name string, values, analytic []float64, loss func() float64) {
	t.Helper()
	const eps = 1e-6
	require.Len(t, analytic, len(values), name)
	for i := range values {
		orig := values[i]
		values[i] = orig + eps
		lp := loss()
		values[i] = orig - eps
		lm := loss()
		values[i] = orig

		num := (lp - lm) / (2 * eps)
		tol := 1e-5 * math.Max(1, math.Abs(num))
		if !assert.InDelta(t, num, analytic[i], tol, "%s[%d]", name, i) {
			return
		}
	}
}

func dot(a, b []float64) float64 { return floats.Dot(a, b) }

func TestIm2ColAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c, h, w, k, s, p := 2, 6, 6, 4, 2, 1
	oh, ow := 3, 3
	x := randVec(rng, c*h*w)
	y := randVec(rng, c*k*k*oh*ow)
	lhs := dot(im2col(x, c, h, w, k, s, p, oh, ow), y)
	rhs := dot(x, col2im(y, c, h, w, k, s, p, oh, ow))
	assert.InDelta(t, lhs, rhs, 1e-9)
}

func TestConv2D_Gradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	conv := NewConv2D("c", 2, 3, 4, 2, 1, rng)
	x := randVec(rng, 2*6*6)
	r := randVec(rng, 3*3*3)

	out, oh, ow := conv.Forward(x, 6, 6)
	require.Equal(t, 3, oh)
	require.Equal(t, 3, ow)
	require.Len(t, out, len(r))

	ZeroGrads(conv.Params())
	dx := conv.Backward(r)
	loss := func() float64 {
		y, _, _ := conv.Forward(x, 6, 6)
		return dot(y, r)
	}
	gradCheck(t, "x", x, dx, loss)
	gradCheck(t, "weight", conv.Weight.Data, append([]float64(nil), conv.Weight.Grad...), loss)
	gradCheck(t, "bias", conv.Bias.Data, append([]float64(nil), conv.Bias.Grad...), loss)
}

func TestConvTranspose2D_Gradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	conv := NewConvTranspose2D("d", 3, 2, 4, 2, 1, rng)
	x := randVec(rng, 3*3*3)

	out, oh, ow := conv.Forward(x, 3, 3)
	require.Equal(t, 6, oh)
	require.Equal(t, 6, ow)
	r := randVec(rng, len(out))

	ZeroGrads(conv.Params())
	dx := conv.Backward(r)
	loss := func() float64 {
		y, _, _ := conv.Forward(x, 3, 3)
		return dot(y, r)
	}
	gradCheck(t, "x", x, dx, loss)
	gradCheck(t, "weight", conv.Weight.Data, append([]float64(nil), conv.Weight.Grad...), loss)
	gradCheck(t, "bias", conv.Bias.Data, append([]float64(nil), conv.Bias.Grad...), loss)
}

func TestGroupNorm_Gradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	gn := NewGroupNorm("gn", 4, 2)
	gn.Gamma.uniform(rng, 1)
	gn.Beta.uniform(rng, 1)
	x := randVec(rng, 4*5)
	r := randVec(rng, 4*5)

	gn.Forward(x, 5)
	ZeroGrads(gn.Params())
	dx := gn.Backward(r)
	loss := func() float64 { return dot(gn.Forward(x, 5), r) }
	gradCheck(t, "x", x, dx, loss)
	gradCheck(t, "gamma", gn.Gamma.Data, append([]float64(nil), gn.Gamma.Grad...), loss)
	gradCheck(t, "beta", gn.Beta.Data, append([]float64(nil), gn.Beta.Grad...), loss)
}

func TestGroupNorm_NormalizesGroups(t *testing.T) {
	gn := NewGroupNorm("gn", 2, 1)
	out := gn.Forward([]float64{1, 2, 3, 4, 5, 6}, 3)
	mean, variance := moments(out)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, variance, 1e-4)
}

func TestLayerNorm_Gradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ln := NewLayerNorm("ln", 4)
	ln.Gamma.uniform(rng, 1)
	x := randVec(rng, 3*4)
	r := randVec(rng, 3*4)

	ln.Forward(x)
	ZeroGrads(ln.Params())
	dx := ln.Backward(r)
	loss := func() float64 { return dot(ln.Forward(x), r) }
	gradCheck(t, "x", x, dx, loss)
	gradCheck(t, "gamma", ln.Gamma.Data, append([]float64(nil), ln.Gamma.Grad...), loss)
}

func TestLinear_Gradients(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	l := NewLinear("fc", 5, 3, rng)
	x := randVec(rng, 2*5)
	r := randVec(rng, 2*3)

	l.Forward(x)
	ZeroGrads(l.Params())
	dx := l.Backward(r)
	loss := func() float64 { return dot(l.Forward(x), r) }
	gradCheck(t, "x", x, dx, loss)
	gradCheck(t, "weight", l.Weight.Data, append([]float64(nil), l.Weight.Grad...), loss)
	gradCheck(t, "bias", l.Bias.Data, append([]float64(nil), l.Bias.Grad...), loss)
}

func TestMultiHeadAttention_Gradients(t *testing.T) {
	tests := []struct {
		name    string
		useBias bool
	}{
		{"standard", false},
		{"with bias", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			mha, err := NewMultiHeadAttention("attn", 4, 2, rng)
			require.NoError(t, err)
			x := randVec(rng, 5*4)
			r := randVec(rng, 5*4)
			var bias []float64
			if tt.useBias {
				bias = randVec(rng, 5*5)
			}

			mha.Forward(x, bias)
			ZeroGrads(mha.Params())
			dx := mha.Backward(r)
			loss := func() float64 { return dot(mha.Forward(x, bias), r) }
			gradCheck(t, "x", x, dx, loss)
			gradCheck(t, "q", mha.Q.Weight.Data, append([]float64(nil), mha.Q.Weight.Grad...), loss)
			gradCheck(t, "k", mha.K.Weight.Data, append([]float64(nil), mha.K.Weight.Grad...), loss)
			gradCheck(t, "v", mha.V.Weight.Data, append([]float64(nil), mha.V.Weight.Grad...), loss)
		})
	}
}

func TestMultiHeadAttention_RowsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	mha, err := NewMultiHeadAttention("attn", 4, 2, rng)
	require.NoError(t, err)
	mha.Forward(randVec(rng, 3*4), nil)
	for _, w := range mha.Weights() {
		for r := 0; r < 3; r++ {
			assert.InDelta(t, 1, floats.Sum(w[r*3:(r+1)*3]), 1e-12)
		}
	}

	_, err = NewMultiHeadAttention("bad", 6, 4, rng)
	assert.Error(t, err)
}

func TestL2Normalize(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	x := randVec(rng, 6)
	r := randVec(rng, 6)

	y, norm := L2Normalize(x)
	assert.InDelta(t, 1, floats.Norm(y, 2), 1e-12)

	dx := L2NormalizeBackward(r, y, norm)
	gradCheck(t, "x", x, dx, func() float64 {
		out, _ := L2Normalize(x)
		return dot(out, r)
	})
}

func TestActivations_Gradients(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	x := []float64{-1.5, -0.3, 0.4, 2.2}
	r := randVec(rng, 4)

	sig := &Sigmoid{}
	sig.Forward(x)
	gradCheck(t, "sigmoid", x, sig.Backward(r), func() float64 { return dot(sig.Forward(x), r) })

	act := NewLeakyReLU(0.2)
	act.Forward(x)
	gradCheck(t, "leaky", x, act.Backward(r), func() float64 { return dot(act.Forward(x), r) })
}

func TestGlobalAvgPool(t *testing.T) {
	out := GlobalAvgPool([]float64{1, 3, 2, 6}, 2)
	assert.Equal(t, []float64{2, 4}, out)
	assert.Equal(t, []float64{0.5, 0.5, 1, 1}, GlobalAvgPoolBackward([]float64{1, 2}, 2))
}

func TestMSE(t *testing.T) {
	loss, grad := MSE([]float64{1, 2}, []float64{0, 4})
	assert.InDelta(t, 2.5, loss, 1e-12)
	assert.Equal(t, []float64{1, -2}, grad)
}

func TestAdam_MinimizesQuadratic(t *testing.T) {
	p := NewParam("w", 2)
	p.Data[0], p.Data[1] = 3, -2
	opt := NewAdam()
	for i := 0; i < 500; i++ {
		ZeroGrads([]*Param{p})
		p.Grad[0] = 2 * p.Data[0]
		p.Grad[1] = 2 * p.Data[1]
		opt.Step([]*Param{p}, 0.05)
	}
	assert.InDelta(t, 0, p.Data[0], 0.05)
	assert.InDelta(t, 0, p.Data[1], 0.05)
}

func TestClipGradNorm(t *testing.T) {
	p := NewParam("w", 2)
	p.Grad[0], p.Grad[1] = 3, 4
	norm := ClipGradNorm([]*Param{p}, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDelta(t, 1, GradNorm([]*Param{p}), 1e-5)

	p.Grad[0], p.Grad[1] = 0.3, 0.4
	ClipGradNorm([]*Param{p}, 1)
	assert.Equal(t, 0.3, p.Grad[0])
}

func TestCosineLR(t *testing.T) {
	assert.InDelta(t, 0.1, CosineLR(0.1, 0, 10), 1e-12)
	assert.InDelta(t, 0.05, CosineLR(0.1, 5, 10), 1e-12)
	assert.InDelta(t, 0, CosineLR(0.1, 10, 10), 1e-12)
}

func TestTranspose(t *testing.T) {
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, Transpose([]float64{1, 2, 3, 4, 5, 6}, 2, 3))
}
