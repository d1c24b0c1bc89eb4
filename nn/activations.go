package nn

// ReLU is max(0, x) applied elementwise.
type ReLU struct {
	mask []bool
}

func (r *ReLU) Params() []*Param { return nil }

func (r *ReLU) Forward(x *Tensor, train bool) (*Tensor, error) {
	out := NewTensor(x.Shape...)
	out.Device = x.Device
	r.mask = make([]bool, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			r.mask[i] = true
		}
	}
	return out, nil
}

func (r *ReLU) Backward(grad *Tensor) (*Tensor, error) {
	if len(grad.Data) != len(r.mask) {
		return nil, shapeErrorf("relu: gradient has %d values, forward had %d", len(grad.Data), len(r.mask))
	}
	out := NewTensor(grad.Shape...)
	out.Device = grad.Device
	for i, active := range r.mask {
		if active {
			out.Data[i] = grad.Data[i]
		}
	}
	return out, nil
}
