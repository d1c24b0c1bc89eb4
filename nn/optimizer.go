package nn

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies gradients to params
	Step(params []*Param, learningRate float32)

	// Reset clears optimizer state (momentum, moments)
	Reset()

	// Name returns the optimizer name
	Name() string
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum   float32
	nesterov   bool
	velocities map[string][]float32
}

func NewSGDOptimizer(momentum float32, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:   momentum,
		nesterov:   nesterov,
		velocities: make(map[string][]float32),
	}
}

func (opt *SGDOptimizer) Step(params []*Param, learningRate float32) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		w := p.Value.Data
		if opt.momentum == 0 {
			for j, g := range p.Grad {
				w[j] -= learningRate * g
			}
			continue
		}

		v := opt.velocities[p.Name]
		if v == nil {
			v = make([]float32, len(w))
			opt.velocities[p.Name] = v
		}
		// v = momentum * v + grad
		// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
		for j, g := range p.Grad {
			v[j] = opt.momentum*v[j] + g
			if opt.nesterov {
				w[j] -= learningRate * (g + opt.momentum*v[j])
			} else {
				w[j] -= learningRate * v[j]
			}
		}
	}
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[string][]float32)
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		if opt.nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// AdamW Optimizer (Adam with decoupled weight decay; weightDecay 0 is Adam)
// ============================================================================

type AdamWOptimizer struct {
	beta1       float32
	beta2       float32
	epsilon     float32
	weightDecay float32
	step        int

	// First moment estimates (momentum)
	m map[string][]float32

	// Second moment estimates (variance)
	v map[string][]float32
}

func NewAdamWOptimizer(beta1, beta2, epsilon, weightDecay float32) *AdamWOptimizer {
	return &AdamWOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

// NewAdamOptimizer returns Adam with the usual defaults and no weight decay.
func NewAdamOptimizer() *AdamWOptimizer {
	return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0)
}

func (opt *AdamWOptimizer) Step(params []*Param, learningRate float32) {
	opt.step++

	// Bias correction factors
	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.step)))

	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		m, v := opt.m[p.Name], opt.v[p.Name]
		if m == nil {
			m = make([]float32, len(p.Grad))
			v = make([]float32, len(p.Grad))
			opt.m[p.Name], opt.v[p.Name] = m, v
		}

		w := p.Value.Data
		for j, grad := range p.Grad {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			w[j] -= learningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+opt.epsilon) + opt.weightDecay*w[j])
		}
	}
}

func (opt *AdamWOptimizer) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float32)
	opt.v = make(map[string][]float32)
}

func (opt *AdamWOptimizer) Name() string {
	if opt.weightDecay == 0 {
		return "Adam"
	}
	return "AdamW"
}

// NewOptimizer builds an optimizer by name: "adam", "adamw" or "sgd".
func NewOptimizer(name string) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		return NewAdamOptimizer(), nil
	case "adamw":
		return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0.01), nil
	case "sgd":
		return NewSGDOptimizer(0.9, false), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", name)
}
