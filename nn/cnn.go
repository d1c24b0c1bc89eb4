package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv2D is a 2D convolution over NCHW input.
// Weight shape: [outChannels][inChannels][kernel][kernel]
type Conv2D struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	Weight *Param
	Bias   *Param // nil for bias-free convolutions

	input *Tensor
}

// NewConv2D creates a convolution with weights drawn from N(0, sqrt(2/(k*k*out))).
func NewConv2D(name string, in, out, kernel, stride, padding int, bias bool, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      newParam(joinName(name, "weight"), out, in, kernel, kernel),
	}

	// fan-out initialization
	stddev := math.Sqrt(2.0 / float64(kernel*kernel*out))
	for i := range c.Weight.Value.Data {
		c.Weight.Value.Data[i] = float32(rng.NormFloat64() * stddev)
	}

	if bias {
		c.Bias = newParam(joinName(name, "bias"), out)
	}
	return c
}

// OutputSize returns the spatial output size for an input of h x w.
func (c *Conv2D) OutputSize(h, w int) (int, int) {
	outH := (h+2*c.Padding-c.KernelSize)/c.Stride + 1
	outW := (w+2*c.Padding-c.KernelSize)/c.Stride + 1
	return outH, outW
}

func (c *Conv2D) Params() []*Param {
	if c.Bias != nil {
		return []*Param{c.Weight, c.Bias}
	}
	return []*Param{c.Weight}
}

// Forward lowers each image with im2col and multiplies by the kernel matrix:
// out[f][p] = sum_k W[f][k] * cols[k][p]
func (c *Conv2D) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, inC, inH, inW, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if inC != c.InChannels {
		return nil, shapeErrorf("conv %s: expected %d input channels, got %d", c.Weight.Name, c.InChannels, inC)
	}
	outH, outW := c.OutputSize(inH, inW)
	if outH <= 0 || outW <= 0 {
		return nil, shapeErrorf("conv %s: input %dx%d too small for kernel %d", c.Weight.Name, inH, inW, c.KernelSize)
	}

	c.input = x
	k := inC * c.KernelSize * c.KernelSize
	p := outH * outW
	cols := make([]float32, k*p)
	out := NewTensor(n, c.OutChannels, outH, outW)
	out.Device = x.Device

	weights := blas32.General{Rows: c.OutChannels, Cols: k, Stride: k, Data: c.Weight.Value.Data}
	imgSize := inC * inH * inW
	outSize := c.OutChannels * p

	for b := 0; b < n; b++ {
		c.im2col(x.Data[b*imgSize:(b+1)*imgSize], inH, inW, outH, outW, cols)
		dst := out.Data[b*outSize : (b+1)*outSize]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			weights,
			blas32.General{Rows: k, Cols: p, Stride: p, Data: cols},
			0,
			blas32.General{Rows: c.OutChannels, Cols: p, Stride: p, Data: dst})

		if c.Bias != nil {
			for f := 0; f < c.OutChannels; f++ {
				bias := c.Bias.Value.Data[f]
				row := dst[f*p : (f+1)*p]
				for i := range row {
					row[i] += bias
				}
			}
		}
	}

	return out, nil
}

// Backward accumulates kernel (and bias) gradients and returns the input gradient.
func (c *Conv2D) Backward(grad *Tensor) (*Tensor, error) {
	if c.input == nil {
		return nil, shapeErrorf("conv %s: backward called before forward", c.Weight.Name)
	}
	n, inC, inH, inW, _ := c.input.Dims4()
	outH, outW := c.OutputSize(inH, inW)
	if !SameShape(grad.Shape, []int{n, c.OutChannels, outH, outW}) {
		return nil, shapeErrorf("conv %s: gradient shape %v does not match output", c.Weight.Name, grad.Shape)
	}

	k := inC * c.KernelSize * c.KernelSize
	p := outH * outW
	cols := make([]float32, k*p)
	gradCols := make([]float32, k*p)
	gradInput := NewTensor(c.input.Shape...)
	gradInput.Device = c.input.Device

	weights := blas32.General{Rows: c.OutChannels, Cols: k, Stride: k, Data: c.Weight.Value.Data}
	gradWeights := blas32.General{Rows: c.OutChannels, Cols: k, Stride: k, Data: c.Weight.Grad}
	imgSize := inC * inH * inW
	outSize := c.OutChannels * p

	for b := 0; b < n; b++ {
		g := blas32.General{Rows: c.OutChannels, Cols: p, Stride: p, Data: grad.Data[b*outSize : (b+1)*outSize]}
		c.im2col(c.input.Data[b*imgSize:(b+1)*imgSize], inH, inW, outH, outW, cols)

		// dW += g * cols^T
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, g,
			blas32.General{Rows: k, Cols: p, Stride: p, Data: cols},
			1, gradWeights)

		// dCols = W^T * g
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, weights, g, 0,
			blas32.General{Rows: k, Cols: p, Stride: p, Data: gradCols})
		c.col2im(gradCols, inH, inW, outH, outW, gradInput.Data[b*imgSize:(b+1)*imgSize])

		if c.Bias != nil {
			for f := 0; f < c.OutChannels; f++ {
				var sum float32
				for _, v := range g.Data[f*p : (f+1)*p] {
					sum += v
				}
				c.Bias.Grad[f] += sum
			}
		}
	}

	return gradInput, nil
}

// im2col unrolls one image into cols with layout [inC*k*k][outH*outW].
func (c *Conv2D) im2col(img []float32, inH, inW, outH, outW int, cols []float32) {
	kSize := c.KernelSize
	p := outH * outW
	for ic := 0; ic < c.InChannels; ic++ {
		for kh := 0; kh < kSize; kh++ {
			for kw := 0; kw < kSize; kw++ {
				row := cols[((ic*kSize+kh)*kSize+kw)*p:]
				for oh := 0; oh < outH; oh++ {
					ih := oh*c.Stride + kh - c.Padding
					for ow := 0; ow < outW; ow++ {
						iw := ow*c.Stride + kw - c.Padding
						if ih >= 0 && ih < inH && iw >= 0 && iw < inW {
							row[oh*outW+ow] = img[ic*inH*inW+ih*inW+iw]
						} else {
							row[oh*outW+ow] = 0
						}
					}
				}
			}
		}
	}
}

// col2im scatters column gradients back into image layout, accumulating overlaps.
func (c *Conv2D) col2im(cols []float32, inH, inW, outH, outW int, img []float32) {
	kSize := c.KernelSize
	p := outH * outW
	for ic := 0; ic < c.InChannels; ic++ {
		for kh := 0; kh < kSize; kh++ {
			for kw := 0; kw < kSize; kw++ {
				row := cols[((ic*kSize+kh)*kSize+kw)*p:]
				for oh := 0; oh < outH; oh++ {
					ih := oh*c.Stride + kh - c.Padding
					if ih < 0 || ih >= inH {
						continue
					}
					for ow := 0; ow < outW; ow++ {
						iw := ow*c.Stride + kw - c.Padding
						if iw >= 0 && iw < inW {
							img[ic*inH*inW+ih*inW+iw] += row[oh*outW+ow]
						}
					}
				}
			}
		}
	}
}
