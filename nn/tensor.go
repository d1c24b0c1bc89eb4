package nn

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Device identifies where a tensor's values are meant to be computed.
type Device int

const (
	DeviceCPU Device = iota
	DeviceGPU
)

func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// ParseDevice maps a configuration string onto a Device.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return DeviceCPU, nil
	case "gpu", "webgpu", "cuda":
		return DeviceGPU, nil
	}
	return DeviceCPU, errors.Errorf("unknown device %q", s)
}

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape  []int
	Data   []float32
	Device Device
}

// NewTensor allocates a zeroed tensor on the CPU.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, numElements(shape)),
	}
}

// NewTensorFromSlice wraps data without copying. It panics if len(data)
// does not match the shape.
func NewTensorFromSlice(data []float32, shape ...int) *Tensor {
	if len(data) != numElements(shape) {
		panic(fmt.Sprintf("nn: %d values do not fit shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   make([]float32, len(t.Data)),
		Device: t.Device,
	}
	copy(out.Data, t.Data)
	return out
}

// Reshape returns a view with a new shape sharing the same data, or nil if
// the element counts differ.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numElements(shape) != len(t.Data) {
		return nil
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data, Device: t.Device}
}

// To returns a view of the tensor tagged with a different device.
func (t *Tensor) To(d Device) *Tensor {
	return &Tensor{Shape: t.Shape, Data: t.Data, Device: d}
}

// Dims4 returns the NCHW dimensions of a 4D tensor.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, shapeErrorf("expected 4D tensor, got %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// HasNonFinite reports whether any element is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s)", t.Shape, t.Device)
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest elementwise distance over the common prefix of a and b.
func MaxAbsDiff(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	m := 0.0
	for i := 0; i < n; i++ {
		if d := math.Abs(float64(a[i] - b[i])); d > m {
			m = d
		}
	}
	return m
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Param is a named learnable tensor with its accumulated gradient. Running
// statistics are also exposed as Params with a nil Grad.
type Param struct {
	Name  string
	Value *Tensor
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	t := NewTensor(shape...)
	return &Param{Name: name, Value: t, Grad: make([]float32, len(t.Data))}
}

func newBuffer(name string, shape ...int) *Param {
	return &Param{Name: name, Value: NewTensor(shape...)}
}

// ZeroGrad clears every gradient in params.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Layer is a differentiable transform over tensors.
type Layer interface {
	Forward(x *Tensor, train bool) (*Tensor, error)
	Backward(grad *Tensor) (*Tensor, error)
	Params() []*Param
}

// Stateful layers carry non-learnable tensors that belong in snapshots.
type Stateful interface {
	State() []*Param
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
