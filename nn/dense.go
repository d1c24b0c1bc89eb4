package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear is a fully-connected layer: out = x @ W^T + b
// Weight shape: [outputSize][inputSize]
type Linear struct {
	InputSize  int
	OutputSize int

	Weight *Param
	Bias   *Param

	input *Tensor
}

// NewLinear initializes weights and bias uniformly in ±1/sqrt(inputSize).
func NewLinear(name string, inputSize, outputSize int, rng *rand.Rand) *Linear {
	l := &Linear{
		InputSize:  inputSize,
		OutputSize: outputSize,
		Weight:     newParam(joinName(name, "weight"), outputSize, inputSize),
		Bias:       newParam(joinName(name, "bias"), outputSize),
	}
	bound := 1 / math.Sqrt(float64(inputSize))
	for i := range l.Weight.Value.Data {
		l.Weight.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	for i := range l.Bias.Value.Data {
		l.Bias.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return l
}

func (l *Linear) Params() []*Param { return []*Param{l.Weight, l.Bias} }

func (l *Linear) Forward(x *Tensor, train bool) (*Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.InputSize {
		return nil, shapeErrorf("linear %s: expected [batch, %d], got %v", l.Weight.Name, l.InputSize, x.Shape)
	}
	batch := x.Shape[0]
	l.input = x
	out := NewTensor(batch, l.OutputSize)
	out.Device = x.Device
	for b := 0; b < batch; b++ {
		copy(out.Data[b*l.OutputSize:(b+1)*l.OutputSize], l.Bias.Value.Data)
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: batch, Cols: l.InputSize, Stride: l.InputSize, Data: x.Data},
		blas32.General{Rows: l.OutputSize, Cols: l.InputSize, Stride: l.InputSize, Data: l.Weight.Value.Data},
		1,
		blas32.General{Rows: batch, Cols: l.OutputSize, Stride: l.OutputSize, Data: out.Data})
	return out, nil
}

func (l *Linear) Backward(grad *Tensor) (*Tensor, error) {
	if l.input == nil {
		return nil, shapeErrorf("linear %s: backward called before forward", l.Weight.Name)
	}
	batch := l.input.Shape[0]
	if !SameShape(grad.Shape, []int{batch, l.OutputSize}) {
		return nil, shapeErrorf("linear %s: gradient shape %v", l.Weight.Name, grad.Shape)
	}
	g := blas32.General{Rows: batch, Cols: l.OutputSize, Stride: l.OutputSize, Data: grad.Data}

	// dW += g^T @ x
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, g,
		blas32.General{Rows: batch, Cols: l.InputSize, Stride: l.InputSize, Data: l.input.Data},
		1,
		blas32.General{Rows: l.OutputSize, Cols: l.InputSize, Stride: l.InputSize, Data: l.Weight.Grad})

	for b := 0; b < batch; b++ {
		for o := 0; o < l.OutputSize; o++ {
			l.Bias.Grad[o] += grad.Data[b*l.OutputSize+o]
		}
	}

	// dx = g @ W
	gradInput := NewTensor(batch, l.InputSize)
	gradInput.Device = grad.Device
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, g,
		blas32.General{Rows: l.OutputSize, Cols: l.InputSize, Stride: l.InputSize, Data: l.Weight.Value.Data},
		0,
		blas32.General{Rows: batch, Cols: l.InputSize, Stride: l.InputSize, Data: gradInput.Data})
	return gradInput, nil
}

// Flatten reshapes [N, ...] to [N, features].
func Flatten(x *Tensor) *Tensor {
	if len(x.Shape) == 0 {
		return x
	}
	return x.Reshape(x.Shape[0], len(x.Data)/x.Shape[0])
}
