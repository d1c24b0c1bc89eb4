package nn

import "math"

// BatchNorm2D normalizes each channel over the batch and spatial axes.
// Training uses batch statistics and updates the running estimates; evaluation
// uses the running estimates.
type BatchNorm2D struct {
	Channels int
	Eps      float32
	Momentum float32

	Gamma       *Param
	Beta        *Param
	RunningMean *Param
	RunningVar  *Param

	xhat   []float32
	invStd []float32
	shape  []int
}

// NewBatchNorm2D creates a batch norm with unit scale and zero shift.
func NewBatchNorm2D(name string, channels int) *BatchNorm2D {
	bn := &BatchNorm2D{
		Channels:    channels,
		Eps:         1e-5,
		Momentum:    0.1,
		Gamma:       newParam(joinName(name, "weight"), channels),
		Beta:        newParam(joinName(name, "bias"), channels),
		RunningMean: newBuffer(joinName(name, "running_mean"), channels),
		RunningVar:  newBuffer(joinName(name, "running_var"), channels),
	}
	for i := 0; i < channels; i++ {
		bn.Gamma.Value.Data[i] = 1
		bn.RunningVar.Value.Data[i] = 1
	}
	return bn
}

func (bn *BatchNorm2D) Params() []*Param { return []*Param{bn.Gamma, bn.Beta} }

func (bn *BatchNorm2D) State() []*Param { return []*Param{bn.RunningMean, bn.RunningVar} }

func (bn *BatchNorm2D) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if c != bn.Channels {
		return nil, shapeErrorf("batchnorm %s: expected %d channels, got %d", bn.Gamma.Name, bn.Channels, c)
	}

	hw := h * w
	m := n * hw
	out := NewTensor(x.Shape...)
	out.Device = x.Device
	bn.shape = x.Shape
	bn.xhat = make([]float32, len(x.Data))
	bn.invStd = make([]float32, c)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if train {
			for b := 0; b < n; b++ {
				for _, v := range x.Data[(b*c+ch)*hw : (b*c+ch+1)*hw] {
					mean += float64(v)
				}
			}
			mean /= float64(m)
			for b := 0; b < n; b++ {
				for _, v := range x.Data[(b*c+ch)*hw : (b*c+ch+1)*hw] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= float64(m)

			unbiased := variance
			if m > 1 {
				unbiased = variance * float64(m) / float64(m-1)
			}
			mom := float64(bn.Momentum)
			bn.RunningMean.Value.Data[ch] = float32((1-mom)*float64(bn.RunningMean.Value.Data[ch]) + mom*mean)
			bn.RunningVar.Value.Data[ch] = float32((1-mom)*float64(bn.RunningVar.Value.Data[ch]) + mom*unbiased)
		} else {
			mean = float64(bn.RunningMean.Value.Data[ch])
			variance = float64(bn.RunningVar.Value.Data[ch])
		}

		inv := float32(1 / math.Sqrt(variance+float64(bn.Eps)))
		bn.invStd[ch] = inv
		gamma := bn.Gamma.Value.Data[ch]
		beta := bn.Beta.Value.Data[ch]
		mu := float32(mean)
		for b := 0; b < n; b++ {
			base := (b*c + ch) * hw
			for i := 0; i < hw; i++ {
				xh := (x.Data[base+i] - mu) * inv
				bn.xhat[base+i] = xh
				out.Data[base+i] = gamma*xh + beta
			}
		}
	}

	return out, nil
}

// Backward assumes batch statistics were used in the matching forward pass.
func (bn *BatchNorm2D) Backward(grad *Tensor) (*Tensor, error) {
	if !SameShape(grad.Shape, bn.shape) {
		return nil, shapeErrorf("batchnorm %s: gradient shape %v does not match %v", bn.Gamma.Name, grad.Shape, bn.shape)
	}
	n, c, h, w := bn.shape[0], bn.shape[1], bn.shape[2], bn.shape[3]
	hw := h * w
	m := float32(n * hw)
	gradInput := NewTensor(bn.shape...)
	gradInput.Device = grad.Device

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float32
		for b := 0; b < n; b++ {
			base := (b*c + ch) * hw
			for i := 0; i < hw; i++ {
				dy := grad.Data[base+i]
				sumDy += dy
				sumDyXhat += dy * bn.xhat[base+i]
			}
		}
		bn.Gamma.Grad[ch] += sumDyXhat
		bn.Beta.Grad[ch] += sumDy

		scale := bn.Gamma.Value.Data[ch] * bn.invStd[ch] / m
		for b := 0; b < n; b++ {
			base := (b*c + ch) * hw
			for i := 0; i < hw; i++ {
				gradInput.Data[base+i] = scale * (m*grad.Data[base+i] - sumDy - bn.xhat[base+i]*sumDyXhat)
			}
		}
	}

	return gradInput, nil
}
