package nn

import "math"

// Adam is the Adam optimizer with bias correction.
type Adam struct {
	Beta1, Beta2 float64
	Eps          float64

	step int
	m, v map[*Param][]float64
}

// NewAdam returns Adam with the usual 0.9/0.999/1e-8 settings.
func NewAdam() *Adam {
	return &Adam{
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[*Param][]float64),
		v:     make(map[*Param][]float64),
	}
}

// Step applies one update with learning rate lr using the current gradients.
func (a *Adam) Step(params []*Param, lr float64) {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(p.Data))
			a.m[p] = m
			a.v[p] = make([]float64, len(p.Data))
		}
		v := a.v[p]
		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			p.Data[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Eps)
		}
	}
}

// CosineLR anneals base to 0 over total epochs.
func CosineLR(base float64, epoch, total int) float64 {
	if total <= 0 {
		return base
	}
	return base * 0.5 * (1 + math.Cos(math.Pi*float64(epoch)/float64(total)))
}
