package nn

import "math/rand"

// Dropout zeroes activations with probability P during training and scales
// the survivors by 1/(1-P). Evaluation is the identity.
type Dropout struct {
	P float64

	rng  *rand.Rand
	mask []float32
}

func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) Forward(x *Tensor, train bool) (*Tensor, error) {
	if !train || d.P <= 0 {
		d.mask = nil
		return x, nil
	}
	out := NewTensor(x.Shape...)
	out.Device = x.Device
	d.mask = make([]float32, len(x.Data))
	keep := float32(1 / (1 - d.P))
	for i, v := range x.Data {
		if d.rng.Float64() >= d.P {
			d.mask[i] = keep
			out.Data[i] = v * keep
		}
	}
	return out, nil
}

func (d *Dropout) Backward(grad *Tensor) (*Tensor, error) {
	if d.mask == nil {
		return grad, nil
	}
	if len(grad.Data) != len(d.mask) {
		return nil, shapeErrorf("dropout: gradient has %d values, forward had %d", len(grad.Data), len(d.mask))
	}
	out := NewTensor(grad.Shape...)
	out.Device = grad.Device
	for i, m := range d.mask {
		out.Data[i] = grad.Data[i] * m
	}
	return out, nil
}
