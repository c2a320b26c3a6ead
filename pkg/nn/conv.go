package nn

import (
	"math"
	"math/rand"
)

// Conv2D is a 2-D convolution over a channel-major [Cin, H, W] input,
// computed as W·im2col(x).
type Conv2D struct {
	In, Out        int
	Kernel, Stride int
	Padding        int
	Weight, Bias   *Param // Weight is [Out, In*K*K]

	col        []float64
	inH, inW   int
	outH, outW int
}

// NewConv2D creates a convolution with uniform ±1/sqrt(fanIn) init.
func NewConv2D(name string, in, out, kernel, stride, padding int, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		In: in, Out: out, Kernel: kernel, Stride: stride, Padding: padding,
		Weight: NewParam(name+".weight", out*in*kernel*kernel),
		Bias:   NewParam(name+".bias", out),
	}
	bound := 1 / math.Sqrt(float64(in*kernel*kernel))
	c.Weight.uniform(rng, bound)
	c.Bias.uniform(rng, bound)
	return c
}

// OutSize returns the spatial output size for an h×w input.
func (c *Conv2D) OutSize(h, w int) (int, int) {
	return (h+2*c.Padding-c.Kernel)/c.Stride + 1, (w+2*c.Padding-c.Kernel)/c.Stride + 1
}

// Forward returns the [Out, oh, ow] output.
func (c *Conv2D) Forward(x []float64, h, w int) ([]float64, int, int) {
	oh, ow := c.OutSize(h, w)
	c.inH, c.inW, c.outH, c.outW = h, w, oh, ow
	rows := c.In * c.Kernel * c.Kernel
	n := oh * ow

	c.col = im2col(x, c.In, h, w, c.Kernel, c.Stride, c.Padding, oh, ow)
	out := make([]float64, c.Out*n)
	for o := 0; o < c.Out; o++ {
		b := c.Bias.Data[o]
		row := out[o*n : (o+1)*n]
		for i := range row {
			row[i] = b
		}
	}
	gemm(false, false, c.Out, n, rows, 1, c.Weight.Data, rows, c.col, n, 1, out, n)
	return out, oh, ow
}

// Backward accumulates parameter gradients and returns dL/dx.
func (c *Conv2D) Backward(dout []float64) []float64 {
	rows := c.In * c.Kernel * c.Kernel
	n := c.outH * c.outW

	for o := 0; o < c.Out; o++ {
		s := 0.0
		for _, v := range dout[o*n : (o+1)*n] {
			s += v
		}
		c.Bias.Grad[o] += s
	}
	gemm(false, true, c.Out, rows, n, 1, dout, n, c.col, n, 1, c.Weight.Grad, rows)

	dcol := make([]float64, rows*n)
	gemm(true, false, rows, n, c.Out, 1, c.Weight.Data, rows, dout, n, 0, dcol, n)
	return col2im(dcol, c.In, c.inH, c.inW, c.Kernel, c.Stride, c.Padding, c.outH, c.outW)
}

// Params implements Module.
func (c *Conv2D) Params() []*Param { return []*Param{c.Weight, c.Bias} }

// ConvTranspose2D is the adjoint of Conv2D: it scatters each input pixel
// through the kernel, upsampling by Stride.
type ConvTranspose2D struct {
	In, Out        int
	Kernel, Stride int
	Padding        int
	Weight, Bias   *Param // Weight is [In, Out*K*K]

	x          []float64
	inH, inW   int
	outH, outW int
}

// NewConvTranspose2D creates a transposed convolution.
func NewConvTranspose2D(name string, in, out, kernel, stride, padding int, rng *rand.Rand) *ConvTranspose2D {
	c := &ConvTranspose2D{
		In: in, Out: out, Kernel: kernel, Stride: stride, Padding: padding,
		Weight: NewParam(name+".weight", in*out*kernel*kernel),
		Bias:   NewParam(name+".bias", out),
	}
	bound := 1 / math.Sqrt(float64(in*kernel*kernel)/float64(stride*stride))
	c.Weight.uniform(rng, bound)
	c.Bias.uniform(rng, bound)
	return c
}

// OutSize returns the spatial output size for an h×w input.
func (c *ConvTranspose2D) OutSize(h, w int) (int, int) {
	return (h-1)*c.Stride - 2*c.Padding + c.Kernel, (w-1)*c.Stride - 2*c.Padding + c.Kernel
}

// Forward returns the [Out, oh, ow] output.
func (c *ConvTranspose2D) Forward(x []float64, h, w int) ([]float64, int, int) {
	oh, ow := c.OutSize(h, w)
	c.x, c.inH, c.inW, c.outH, c.outW = x, h, w, oh, ow
	rows := c.Out * c.Kernel * c.Kernel
	n := h * w

	col := make([]float64, rows*n)
	gemm(true, false, rows, n, c.In, 1, c.Weight.Data, rows, x, n, 0, col, n)
	out := col2im(col, c.Out, oh, ow, c.Kernel, c.Stride, c.Padding, h, w)

	plane := oh * ow
	for o := 0; o < c.Out; o++ {
		b := c.Bias.Data[o]
		for i := o * plane; i < (o+1)*plane; i++ {
			out[i] += b
		}
	}
	return out, oh, ow
}

// Backward accumulates parameter gradients and returns dL/dx.
func (c *ConvTranspose2D) Backward(dout []float64) []float64 {
	rows := c.Out * c.Kernel * c.Kernel
	n := c.inH * c.inW
	plane := c.outH * c.outW

	for o := 0; o < c.Out; o++ {
		s := 0.0
		for _, v := range dout[o*plane : (o+1)*plane] {
			s += v
		}
		c.Bias.Grad[o] += s
	}

	dcol := im2col(dout, c.Out, c.outH, c.outW, c.Kernel, c.Stride, c.Padding, c.inH, c.inW)
	gemm(false, true, c.In, rows, n, 1, c.x, n, dcol, n, 1, c.Weight.Grad, rows)

	dx := make([]float64, c.In*n)
	gemm(false, false, c.In, n, rows, 1, c.Weight.Data, rows, dcol, n, 0, dx, n)
	return dx
}

// Params implements Module.
func (c *ConvTranspose2D) Params() []*Param { return []*Param{c.Weight, c.Bias} }

// im2col lays out every k×k patch of img as a column of a
// [c*k*k, oh*ow] matrix. Out-of-bounds taps read as zero.
func im2col(img []float64, c, h, w, k, s, p, oh, ow int) []float64 {
	n := oh * ow
	col := make([]float64, c*k*k*n)
	for ci := 0; ci < c; ci++ {
		src := img[ci*h*w : (ci+1)*h*w]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				dst := col[((ci*k+ki)*k+kj)*n:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*s - p + ki
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*s - p + kj
						if ix < 0 || ix >= w {
							continue
						}
						dst[oy*ow+ox] = src[iy*w+ix]
					}
				}
			}
		}
	}
	return col
}

// col2im is the adjoint of im2col: it sums columns back into a [c, h, w] image.
func col2im(col []float64, c, h, w, k, s, p, oh, ow int) []float64 {
	n := oh * ow
	img := make([]float64, c*h*w)
	for ci := 0; ci < c; ci++ {
		dst := img[ci*h*w : (ci+1)*h*w]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				src := col[((ci*k+ki)*k+kj)*n:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*s - p + ki
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*s - p + kj
						if ix < 0 || ix >= w {
							continue
						}
						dst[iy*w+ix] += src[oy*ow+ox]
					}
				}
			}
		}
	}
	return img
}
