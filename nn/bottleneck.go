package nn

import (
	"fmt"
	"math/rand"
)

// Expansion is the channel multiplier of a bottleneck block's last convolution.
const Expansion = 4

// Bottleneck is the 1x1 -> 3x3 -> 1x1 residual block. The 3x3 convolution
// carries the stride; a projection shortcut is built whenever the stride or
// the channel count changes.
type Bottleneck struct {
	conv1 *Conv2D
	bn1   *BatchNorm2D
	relu1 ReLU
	conv2 *Conv2D
	bn2   *BatchNorm2D
	relu2 ReLU
	conv3 *Conv2D
	bn3   *BatchNorm2D

	downConv *Conv2D
	downBN   *BatchNorm2D

	out ReLU
}

// NewBottleneck builds a block reading inPlanes channels and producing planes*Expansion.
func NewBottleneck(name string, inPlanes, planes, stride int, rng *rand.Rand) *Bottleneck {
	b := &Bottleneck{
		conv1: NewConv2D(joinName(name, "conv1"), inPlanes, planes, 1, 1, 0, false, rng),
		bn1:   NewBatchNorm2D(joinName(name, "bn1"), planes),
		conv2: NewConv2D(joinName(name, "conv2"), planes, planes, 3, stride, 1, false, rng),
		bn2:   NewBatchNorm2D(joinName(name, "bn2"), planes),
		conv3: NewConv2D(joinName(name, "conv3"), planes, planes*Expansion, 1, 1, 0, false, rng),
		bn3:   NewBatchNorm2D(joinName(name, "bn3"), planes*Expansion),
	}
	if stride != 1 || inPlanes != planes*Expansion {
		b.downConv = NewConv2D(joinName(name, "downsample.0"), inPlanes, planes*Expansion, 1, stride, 0, false, rng)
		b.downBN = NewBatchNorm2D(joinName(name, "downsample.1"), planes*Expansion)
	}
	return b
}

func (b *Bottleneck) layers() []Layer {
	return []Layer{b.conv1, b.bn1, &b.relu1, b.conv2, b.bn2, &b.relu2, b.conv3, b.bn3}
}

func (b *Bottleneck) Params() []*Param {
	var params []*Param
	for _, l := range b.layers() {
		params = append(params, l.Params()...)
	}
	if b.downConv != nil {
		params = append(params, b.downConv.Params()...)
		params = append(params, b.downBN.Params()...)
	}
	return params
}

func (b *Bottleneck) State() []*Param {
	state := append(b.bn1.State(), b.bn2.State()...)
	state = append(state, b.bn3.State()...)
	if b.downBN != nil {
		state = append(state, b.downBN.State()...)
	}
	return state
}

func (b *Bottleneck) Forward(x *Tensor, train bool) (*Tensor, error) {
	out := x
	var err error
	for _, l := range b.layers() {
		if out, err = l.Forward(out, train); err != nil {
			return nil, err
		}
	}

	residual := x
	if b.downConv != nil {
		if residual, err = b.downConv.Forward(x, train); err != nil {
			return nil, err
		}
		if residual, err = b.downBN.Forward(residual, train); err != nil {
			return nil, err
		}
	}
	if !SameShape(out.Shape, residual.Shape) {
		return nil, shapeErrorf("bottleneck: main path %v vs shortcut %v", out.Shape, residual.Shape)
	}
	addInto(out, residual)
	return b.out.Forward(out, train)
}

func (b *Bottleneck) Backward(grad *Tensor) (*Tensor, error) {
	g, err := b.out.Backward(grad)
	if err != nil {
		return nil, err
	}

	main := g
	layers := b.layers()
	for i := len(layers) - 1; i >= 0; i-- {
		if main, err = layers[i].Backward(main); err != nil {
			return nil, err
		}
	}

	shortcut := g
	if b.downConv != nil {
		if shortcut, err = b.downBN.Backward(g); err != nil {
			return nil, err
		}
		if shortcut, err = b.downConv.Backward(shortcut); err != nil {
			return nil, err
		}
	}
	addInto(main, shortcut)
	return main, nil
}

// Stage is a sequence of bottleneck blocks at one resolution.
type Stage struct {
	Name   string
	Blocks []*Bottleneck
}

// NewStage builds blocks bottlenecks; only the first one strides.
func NewStage(name string, inPlanes, planes, blocks, stride int, rng *rand.Rand) *Stage {
	s := &Stage{Name: name}
	for i := 0; i < blocks; i++ {
		st := 1
		in := planes * Expansion
		if i == 0 {
			st = stride
			in = inPlanes
		}
		s.Blocks = append(s.Blocks, NewBottleneck(fmt.Sprintf("%s.%d", name, i), in, planes, st, rng))
	}
	return s
}

func (s *Stage) Params() []*Param {
	var params []*Param
	for _, b := range s.Blocks {
		params = append(params, b.Params()...)
	}
	return params
}

func (s *Stage) State() []*Param {
	var state []*Param
	for _, b := range s.Blocks {
		state = append(state, b.State()...)
	}
	return state
}

func (s *Stage) Forward(x *Tensor, train bool) (*Tensor, error) {
	var err error
	for _, b := range s.Blocks {
		if x, err = b.Forward(x, train); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *Stage) Backward(grad *Tensor) (*Tensor, error) {
	var err error
	for i := len(s.Blocks) - 1; i >= 0; i-- {
		if grad, err = s.Blocks[i].Backward(grad); err != nil {
			return nil, err
		}
	}
	return grad, nil
}
