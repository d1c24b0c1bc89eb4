package nn

import "math"

// MaxPool2D takes the maximum over k x k windows.
type MaxPool2D struct {
	KernelSize int
	Stride     int
	Padding    int

	argmax []int
	shape  []int
}

func NewMaxPool2D(kernel, stride, padding int) *MaxPool2D {
	return &MaxPool2D{KernelSize: kernel, Stride: stride, Padding: padding}
}

func (p *MaxPool2D) OutputSize(h, w int) (int, int) {
	return (h+2*p.Padding-p.KernelSize)/p.Stride + 1, (w+2*p.Padding-p.KernelSize)/p.Stride + 1
}

func (p *MaxPool2D) Params() []*Param { return nil }

func (p *MaxPool2D) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	outH, outW := p.OutputSize(h, w)
	out := NewTensor(n, c, outH, outW)
	out.Device = x.Device
	p.shape = x.Shape
	p.argmax = make([]int, len(out.Data))

	for plane := 0; plane < n*c; plane++ {
		in := x.Data[plane*h*w : (plane+1)*h*w]
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for kh := 0; kh < p.KernelSize; kh++ {
					ih := oh*p.Stride + kh - p.Padding
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < p.KernelSize; kw++ {
						iw := ow*p.Stride + kw - p.Padding
						if iw < 0 || iw >= w {
							continue
						}
						if v := in[ih*w+iw]; bestIdx < 0 || v > best {
							best = v
							bestIdx = ih*w + iw
						}
					}
				}
				o := plane*outH*outW + oh*outW + ow
				out.Data[o] = best
				p.argmax[o] = plane*h*w + bestIdx
			}
		}
	}
	return out, nil
}

func (p *MaxPool2D) Backward(grad *Tensor) (*Tensor, error) {
	if len(grad.Data) != len(p.argmax) {
		return nil, shapeErrorf("maxpool: gradient has %d values, forward produced %d", len(grad.Data), len(p.argmax))
	}
	out := NewTensor(p.shape...)
	out.Device = grad.Device
	for i, src := range p.argmax {
		out.Data[src] += grad.Data[i]
	}
	return out, nil
}

// AvgPool2D averages non-overlapping factor x factor windows.
type AvgPool2D struct {
	Factor int

	shape []int
}

func NewAvgPool2D(factor int) *AvgPool2D {
	return &AvgPool2D{Factor: factor}
}

func (p *AvgPool2D) Params() []*Param { return nil }

func (p *AvgPool2D) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	f := p.Factor
	if f <= 0 || h%f != 0 || w%f != 0 {
		return nil, shapeErrorf("avgpool: %dx%d is not divisible by %d", h, w, f)
	}
	outH, outW := h/f, w/f
	out := NewTensor(n, c, outH, outW)
	out.Device = x.Device
	p.shape = x.Shape
	scale := 1 / float32(f*f)

	for plane := 0; plane < n*c; plane++ {
		in := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*outH*outW : (plane+1)*outH*outW]
		for ih := 0; ih < h; ih++ {
			row := dst[(ih/f)*outW:]
			for iw := 0; iw < w; iw++ {
				row[iw/f] += in[ih*w+iw]
			}
		}
		for i := range dst {
			dst[i] *= scale
		}
	}
	return out, nil
}

func (p *AvgPool2D) Backward(grad *Tensor) (*Tensor, error) {
	if p.shape == nil {
		return nil, shapeErrorf("avgpool: backward called before forward")
	}
	n, c, h, w := p.shape[0], p.shape[1], p.shape[2], p.shape[3]
	f := p.Factor
	outH, outW := h/f, w/f
	out := NewTensor(p.shape...)
	out.Device = grad.Device
	scale := 1 / float32(f*f)
	for plane := 0; plane < n*c; plane++ {
		g := grad.Data[plane*outH*outW:]
		dst := out.Data[plane*h*w : (plane+1)*h*w]
		for ih := 0; ih < h; ih++ {
			for iw := 0; iw < w; iw++ {
				dst[ih*w+iw] = g[(ih/f)*outW+iw/f] * scale
			}
		}
	}
	return out, nil
}

// GlobalAvgPool reduces [N, C, H, W] to [N, C].
type GlobalAvgPool struct {
	shape []int
}

func (p *GlobalAvgPool) Params() []*Param { return nil }

func (p *GlobalAvgPool) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	p.shape = x.Shape
	hw := h * w
	out := NewTensor(n, c)
	out.Device = x.Device
	for plane := 0; plane < n*c; plane++ {
		var sum float32
		for _, v := range x.Data[plane*hw : (plane+1)*hw] {
			sum += v
		}
		out.Data[plane] = sum / float32(hw)
	}
	return out, nil
}

func (p *GlobalAvgPool) Backward(grad *Tensor) (*Tensor, error) {
	if p.shape == nil {
		return nil, shapeErrorf("global avgpool: backward called before forward")
	}
	hw := p.shape[2] * p.shape[3]
	out := NewTensor(p.shape...)
	out.Device = grad.Device
	for plane, g := range grad.Data {
		v := g / float32(hw)
		dst := out.Data[plane*hw : (plane+1)*hw]
		for i := range dst {
			dst[i] = v
		}
	}
	return out, nil
}
