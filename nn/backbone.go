package nn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// NumStages is the number of residual stages in the backbone.
const NumStages = 4

// BackboneConfig describes a bottleneck residual network.
type BackboneConfig struct {
	InChannels int
	NumClasses int
	Blocks     [NumStages]int // residual blocks per stage
	BaseWidth  int            // planes of stage 1; doubled at every later stage
	Dropout    float64        // applied to pooled features before the linear head
	Seed       int64
}

// DefaultBackboneConfig returns the 50-layer layout (3, 4, 6, 3) with width 64.
func DefaultBackboneConfig(numClasses, inChannels int) BackboneConfig {
	return BackboneConfig{
		InChannels: inChannels,
		NumClasses: numClasses,
		Blocks:     [NumStages]int{3, 4, 6, 3},
		BaseWidth:  64,
		Dropout:    0.3,
		Seed:       1,
	}
}

// Validate checks the configuration for impossible values.
func (c BackboneConfig) Validate() error {
	if c.InChannels != 1 && c.InChannels != 3 {
		return errors.Errorf("backbone: input channels must be 1 or 3, got %d", c.InChannels)
	}
	if c.NumClasses < 1 {
		return errors.Errorf("backbone: need at least one class, got %d", c.NumClasses)
	}
	if c.BaseWidth < 1 {
		return errors.Errorf("backbone: base width must be positive, got %d", c.BaseWidth)
	}
	for i, n := range c.Blocks {
		if n < 1 {
			return errors.Errorf("backbone: stage %d needs at least one block, got %d", i+1, n)
		}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("backbone: dropout must be in [0, 1), got %g", c.Dropout)
	}
	return nil
}

// StageChannels returns the output channel count of stage i (0-based).
func (c BackboneConfig) StageChannels(i int) int {
	return (c.BaseWidth << uint(i)) * Expansion
}

// Backbone is a bottleneck residual network whose stem, stages and head are
// callable one at a time so feature maps can be modified between stages.
type Backbone struct {
	Config BackboneConfig

	conv1   *Conv2D
	bn1     *BatchNorm2D
	relu    ReLU
	maxpool *MaxPool2D
	Stages  [NumStages]*Stage
	avgpool GlobalAvgPool
	dropout *Dropout
	fc      *Linear

	pooledShape []int
}

// NewBackbone builds and initializes a backbone.
func NewBackbone(cfg BackboneConfig) (*Backbone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	b := &Backbone{
		Config:  cfg,
		conv1:   NewConv2D("conv1", cfg.InChannels, cfg.BaseWidth, 7, 2, 3, false, rng),
		bn1:     NewBatchNorm2D("bn1", cfg.BaseWidth),
		maxpool: NewMaxPool2D(3, 2, 1),
		dropout: NewDropout(cfg.Dropout, rng),
	}

	inPlanes := cfg.BaseWidth
	for i := 0; i < NumStages; i++ {
		planes := cfg.BaseWidth << uint(i)
		stride := 2
		if i == 0 {
			stride = 1
		}
		b.Stages[i] = NewStage(fmt.Sprintf("layer%d", i+1), inPlanes, planes, cfg.Blocks[i], stride, rng)
		inPlanes = planes * Expansion
	}
	b.fc = NewLinear("fc", inPlanes, cfg.NumClasses, rng)
	return b, nil
}

// StemSize returns the spatial size after the stem for an h x w input.
func (b *Backbone) StemSize(h, w int) (int, int) {
	h, w = b.conv1.OutputSize(h, w)
	return b.maxpool.OutputSize(h, w)
}

// StageShape returns the per-sample [channels, height, width] produced by
// stage i (0-based) for an h x w input image.
func (b *Backbone) StageShape(i, h, w int) []int {
	h, w = b.StemSize(h, w)
	for s := 1; s <= i; s++ {
		h, w = (h-1)/2+1, (w-1)/2+1
	}
	return []int{b.Config.StageChannels(i), h, w}
}

// ForwardStem runs conv1, bn1, relu and maxpool.
func (b *Backbone) ForwardStem(x *Tensor, train bool) (*Tensor, error) {
	var err error
	for _, l := range []Layer{b.conv1, b.bn1, &b.relu, b.maxpool} {
		if x, err = l.Forward(x, train); err != nil {
			return nil, errors.Wrap(err, "stem")
		}
	}
	return x, nil
}

// BackwardStem backpropagates through the stem and returns the input gradient.
func (b *Backbone) BackwardStem(grad *Tensor) (*Tensor, error) {
	var err error
	for _, l := range []Layer{b.maxpool, &b.relu, b.bn1, b.conv1} {
		if grad, err = l.Backward(grad); err != nil {
			return nil, errors.Wrap(err, "stem backward")
		}
	}
	return grad, nil
}

// ForwardStage runs stage i (0-based).
func (b *Backbone) ForwardStage(i int, x *Tensor, train bool) (*Tensor, error) {
	out, err := b.Stages[i].Forward(x, train)
	return out, errors.Wrapf(err, "stage %d", i+1)
}

// BackwardStage backpropagates through stage i (0-based).
func (b *Backbone) BackwardStage(i int, grad *Tensor) (*Tensor, error) {
	out, err := b.Stages[i].Backward(grad)
	return out, errors.Wrapf(err, "stage %d backward", i+1)
}

// ForwardHead pools, applies dropout and projects to class logits.
func (b *Backbone) ForwardHead(x *Tensor, train bool) (*Tensor, error) {
	pooled, err := b.avgpool.Forward(x, train)
	if err != nil {
		return nil, errors.Wrap(err, "head")
	}
	b.pooledShape = pooled.Shape
	dropped, err := b.dropout.Forward(pooled, train)
	if err != nil {
		return nil, errors.Wrap(err, "head")
	}
	logits, err := b.fc.Forward(Flatten(dropped), train)
	return logits, errors.Wrap(err, "head")
}

// BackwardHead backpropagates logits gradients to the last stage's output.
func (b *Backbone) BackwardHead(grad *Tensor) (*Tensor, error) {
	g, err := b.fc.Backward(grad)
	if err != nil {
		return nil, errors.Wrap(err, "head backward")
	}
	if g, err = b.dropout.Backward(g); err != nil {
		return nil, errors.Wrap(err, "head backward")
	}
	g = g.Reshape(b.pooledShape...)
	g, err = b.avgpool.Backward(g)
	return g, errors.Wrap(err, "head backward")
}

// Forward runs the plain residual network without any injection.
func (b *Backbone) Forward(x *Tensor, train bool) (*Tensor, error) {
	f, err := b.ForwardStem(x, train)
	if err != nil {
		return nil, err
	}
	for i := 0; i < NumStages; i++ {
		if f, err = b.ForwardStage(i, f, train); err != nil {
			return nil, err
		}
	}
	return b.ForwardHead(f, train)
}

// Backward backpropagates through the plain network.
func (b *Backbone) Backward(grad *Tensor) (*Tensor, error) {
	g, err := b.BackwardHead(grad)
	if err != nil {
		return nil, err
	}
	for i := NumStages - 1; i >= 0; i-- {
		if g, err = b.BackwardStage(i, g); err != nil {
			return nil, err
		}
	}
	return b.BackwardStem(g)
}

// Params returns every learnable parameter in registration order.
func (b *Backbone) Params() []*Param {
	params := append(b.conv1.Params(), b.bn1.Params()...)
	for _, s := range b.Stages {
		params = append(params, s.Params()...)
	}
	return append(params, b.fc.Params()...)
}

// State returns the batch norm running statistics.
func (b *Backbone) State() []*Param {
	state := b.bn1.State()
	for _, s := range b.Stages {
		state = append(state, s.State()...)
	}
	return state
}
