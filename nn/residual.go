package nn

import (
	"github.com/pkg/errors"

	"github.com/openfluke/swtnet/gpu"
)

// Add returns a + b elementwise. Both operands must share shape and device;
// GPU operands are summed by the WebGPU fusion kernel.
func Add(a, b *Tensor) (*Tensor, error) {
	if a.Device != b.Device {
		return nil, errors.Wrapf(ErrDevicePlacement, "add: %s operand with %s operand", a.Device, b.Device)
	}
	if !SameShape(a.Shape, b.Shape) {
		return nil, shapeErrorf("add: %v + %v", a.Shape, b.Shape)
	}

	if a.Device == DeviceGPU {
		sum, err := gpu.Add(a.Data, b.Data)
		if err != nil {
			return nil, errors.Wrap(err, "gpu add")
		}
		return &Tensor{Shape: append([]int(nil), a.Shape...), Data: sum, Device: DeviceGPU}, nil
	}

	out := &Tensor{Shape: append([]int(nil), a.Shape...), Data: make([]float32, len(a.Data)), Device: a.Device}
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// addInto accumulates src into dst; shapes are checked by the caller.
func addInto(dst, src *Tensor) {
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
}
