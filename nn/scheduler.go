package nn

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler maps an epoch index to a learning rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch
	GetLR(epoch int) float32

	// Name returns the scheduler name
	Name() string
}

// ============================================================================
// Constant Scheduler - Fixed learning rate
// ============================================================================

type ConstantScheduler struct {
	baseLR float32
}

func NewConstantScheduler(baseLR float32) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(epoch int) float32 { return s.baseLR }

func (s *ConstantScheduler) Name() string { return "Constant" }

// ============================================================================
// Step Decay Scheduler - multiply by decayFactor every stepSize epochs
// ============================================================================

type StepDecayScheduler struct {
	initialLR   float32
	decayFactor float32
	stepSize    int
}

func NewStepDecayScheduler(initialLR, decayFactor float32, stepSize int) *StepDecayScheduler {
	if stepSize <= 0 {
		stepSize = 1
	}
	return &StepDecayScheduler{
		initialLR:   initialLR,
		decayFactor: decayFactor,
		stepSize:    stepSize,
	}
}

func (s *StepDecayScheduler) GetLR(epoch int) float32 {
	// lr = initialLR * decayFactor^(epoch / stepSize)
	numDecays := epoch / s.stepSize
	return s.initialLR * float32(math.Pow(float64(s.decayFactor), float64(numDecays)))
}

func (s *StepDecayScheduler) Name() string { return "StepDecay" }

// ============================================================================
// Exponential Decay Scheduler
// ============================================================================

type ExponentialDecayScheduler struct {
	initialLR float32
	decayRate float32
}

func NewExponentialDecayScheduler(initialLR, decayRate float32) *ExponentialDecayScheduler {
	return &ExponentialDecayScheduler{initialLR: initialLR, decayRate: decayRate}
}

func (s *ExponentialDecayScheduler) GetLR(epoch int) float32 {
	return s.initialLR * float32(math.Pow(float64(s.decayRate), float64(epoch)))
}

func (s *ExponentialDecayScheduler) Name() string { return "ExponentialDecay" }

// ============================================================================
// Cosine Annealing Scheduler
// ============================================================================

type CosineAnnealingScheduler struct {
	initialLR   float32
	minLR       float32
	totalEpochs int
}

func NewCosineAnnealingScheduler(initialLR, minLR float32, totalEpochs int) *CosineAnnealingScheduler {
	return &CosineAnnealingScheduler{initialLR: initialLR, minLR: minLR, totalEpochs: totalEpochs}
}

func (s *CosineAnnealingScheduler) GetLR(epoch int) float32 {
	if epoch >= s.totalEpochs {
		return s.minLR
	}
	progress := float64(epoch) / float64(s.totalEpochs)
	// lr = minLR + (initialLR - minLR) * (1 + cos(pi * progress)) / 2
	cosineDecay := float32((1 + math.Cos(math.Pi*progress)) / 2)
	return s.minLR + (s.initialLR-s.minLR)*cosineDecay
}

func (s *CosineAnnealingScheduler) Name() string { return "CosineAnnealing" }

// NewScheduler builds a scheduler by name: "step", "exponential", "cosine" or "constant".
func NewScheduler(name string, baseLR float32, stepSize int, gamma float32, totalEpochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "step":
		return NewStepDecayScheduler(baseLR, gamma, stepSize), nil
	case "exponential":
		return NewExponentialDecayScheduler(baseLR, gamma), nil
	case "cosine":
		return NewCosineAnnealingScheduler(baseLR, 0, totalEpochs), nil
	case "constant":
		return NewConstantScheduler(baseLR), nil
	}
	return nil, errors.Errorf("unknown lr schedule %q", name)
}
