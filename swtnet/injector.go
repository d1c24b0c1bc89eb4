package swtnet

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/openfluke/swtnet/nn"
)

// Injector maps one wavelet-level tensor [N, C, H, W] onto the feature shape
// of a backbone stage so the two can be added.
type Injector interface {
	// OutputShape returns the per-sample [C, H, W] produced for a per-sample
	// input shape, or an error wrapping nn.ErrShapeMismatch.
	OutputShape(in []int) ([]int, error)
	Forward(level *nn.Tensor, train bool) (*nn.Tensor, error)
	// Backward receives the gradient of the fused sum. Level maps are
	// constant inputs so no gradient is returned.
	Backward(grad *nn.Tensor) error
	Params() []*nn.Param
	State() []*nn.Param
}

// Kind selects an Injector implementation.
type Kind string

const (
	KindZero Kind = "zero"
	KindPool Kind = "pool"
	KindConv Kind = "conv"
)

// ParseKind validates an injector name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindZero, KindPool, KindConv:
		return k, nil
	case "":
		return KindConv, nil
	}
	return "", errors.Errorf("unknown injector %q (want zero, pool or conv)", s)
}

// InjectorName is the parameter prefix of the injector after stage k (0-based).
func InjectorName(k int) string { return fmt.Sprintf("wave%d", k+1) }

// NewInjector builds an injector of the given kind mapping per-sample shape
// in to target.
func NewInjector(kind Kind, name string, in, target []int, rng *rand.Rand) (Injector, error) {
	switch kind {
	case KindZero:
		return NewZeroInjector(target), nil
	case KindPool:
		return NewPoolInjector(in, target)
	case KindConv:
		return NewConvInjector(name, in, target, rng)
	}
	return nil, errors.Errorf("unknown injector kind %q", kind)
}

// spatialFactor returns the integer downsampling factor from in to target,
// both per-sample [C, H, W].
func spatialFactor(in, target []int) (int, error) {
	if len(in) != 3 || len(target) != 3 {
		return 0, errors.Wrapf(nn.ErrShapeMismatch, "injector: want [C H W] shapes, got %v -> %v", in, target)
	}
	h, w, th, tw := in[1], in[2], target[1], target[2]
	if th <= 0 || tw <= 0 || h%th != 0 || w%tw != 0 || h/th != w/tw {
		return 0, errors.Wrapf(nn.ErrShapeMismatch, "injector: %dx%d does not reduce evenly to %dx%d", h, w, th, tw)
	}
	return h / th, nil
}

// ZeroInjector contributes nothing; a model built with it is a plain
// residual network.
type ZeroInjector struct {
	Target []int
}

func NewZeroInjector(target []int) *ZeroInjector {
	return &ZeroInjector{Target: append([]int(nil), target...)}
}

func (z *ZeroInjector) OutputShape(in []int) ([]int, error) {
	return append([]int(nil), z.Target...), nil
}

func (z *ZeroInjector) Forward(level *nn.Tensor, train bool) (*nn.Tensor, error) {
	out := nn.NewTensor(append([]int{level.Shape[0]}, z.Target...)...)
	out.Device = level.Device
	return out, nil
}

func (z *ZeroInjector) Backward(grad *nn.Tensor) error { return nil }
func (z *ZeroInjector) Params() []*nn.Param { return nil }
func (z *ZeroInjector) State() []*nn.Param { return nil }

// PoolInjector is a fixed adapter: average pooling by the spatial factor,
// then channel tiling so output channel c copies input channel c mod C.
type PoolInjector struct {
	Target []int

	pool *nn.AvgPool2D
}

func NewPoolInjector(in, target []int) (*PoolInjector, error) {
	f, err := spatialFactor(in, target)
	if err != nil {
		return nil, err
	}
	return &PoolInjector{Target: append([]int(nil), target...), pool: nn.NewAvgPool2D(f)}, nil
}

func (p *PoolInjector) OutputShape(in []int) ([]int, error) {
	f, err := spatialFactor(in, p.Target)
	if err != nil {
		return nil, err
	}
	if f != p.pool.Factor {
		return nil, errors.Wrapf(nn.ErrShapeMismatch, "pool injector: built for factor %d, input needs %d", p.pool.Factor, f)
	}
	return append([]int(nil), p.Target...), nil
}

func (p *PoolInjector) Forward(level *nn.Tensor, train bool) (*nn.Tensor, error) {
	pooled, err := p.pool.Forward(level, train)
	if err != nil {
		return nil, errors.Wrap(err, "pool injector")
	}
	n, c, h, w, _ := pooled.Dims4()
	outC := p.Target[0]
	if h != p.Target[1] || w != p.Target[2] {
		return nil, errors.Wrapf(nn.ErrShapeMismatch, "pool injector: pooled to %dx%d, want %dx%d", h, w, p.Target[1], p.Target[2])
	}

	plane := h * w
	out := nn.NewTensor(n, outC, h, w)
	out.Device = level.Device
	for b := 0; b < n; b++ {
		for oc := 0; oc < outC; oc++ {
			src := pooled.Data[(b*c+oc%c)*plane:]
			copy(out.Data[(b*outC+oc)*plane:(b*outC+oc+1)*plane], src[:plane])
		}
	}
	return out, nil
}

func (p *PoolInjector) Backward(grad *nn.Tensor) error { return nil }
func (p *PoolInjector) Params() []*nn.Param { return nil }
func (p *PoolInjector) State() []*nn.Param { return nil }

// ConvInjector is a learned adapter: a bias-free convolution whose kernel
// and stride equal the spatial factor, followed by batch norm.
type ConvInjector struct {
	Name   string
	Target []int

	conv *nn.Conv2D
	bn   *nn.BatchNorm2D
}

func NewConvInjector(name string, in, target []int, rng *rand.Rand) (*ConvInjector, error) {
	f, err := spatialFactor(in, target)
	if err != nil {
		return nil, err
	}
	return &ConvInjector{
		Name:   name,
		Target: append([]int(nil), target...),
		conv:   nn.NewConv2D(name+".conv", in[0], target[0], f, f, 0, false, rng),
		bn:     nn.NewBatchNorm2D(name+".bn", target[0]),
	}, nil
}

func (ci *ConvInjector) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 || in[0] != ci.conv.InChannels {
		return nil, errors.Wrapf(nn.ErrShapeMismatch, "%s: built for %d channels, got %v", ci.Name, ci.conv.InChannels, in)
	}
	h, w := ci.conv.OutputSize(in[1], in[2])
	if h != ci.Target[1] || w != ci.Target[2] || in[1]%ci.conv.Stride != 0 || in[2]%ci.conv.Stride != 0 {
		return nil, errors.Wrapf(nn.ErrShapeMismatch, "%s: %v maps to %dx%d, want %v", ci.Name, in, h, w, ci.Target)
	}
	return []int{ci.conv.OutChannels, h, w}, nil
}

func (ci *ConvInjector) Forward(level *nn.Tensor, train bool) (*nn.Tensor, error) {
	x, err := ci.conv.Forward(level, train)
	if err != nil {
		return nil, errors.Wrap(err, ci.Name)
	}
	x, err = ci.bn.Forward(x, train)
	return x, errors.Wrap(err, ci.Name)
}

func (ci *ConvInjector) Backward(grad *nn.Tensor) error {
	g, err := ci.bn.Backward(grad)
	if err != nil {
		return errors.Wrap(err, ci.Name)
	}
	_, err = ci.conv.Backward(g)
	return errors.Wrap(err, ci.Name)
}

func (ci *ConvInjector) Params() []*nn.Param {
	return append(ci.conv.Params(), ci.bn.Params()...)
}

func (ci *ConvInjector) State() []*nn.Param { return ci.bn.State() }
