// Package swtnet fuses stationary wavelet level maps into the stage
// boundaries of a bottleneck residual network.
package swtnet

import (
	"log/slog"
	"math/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/wavelet"
)

// Config describes a fused model.
type Config struct {
	Backbone  nn.BackboneConfig
	ImageSize int
	Injector  Kind
	Device    nn.Device
	Wavelet   string
}

// Batch is a batch of fan-out stacks. Inputs[0] is the source image and
// Inputs[i] is wavelet level i; every entry is [N, C, ImageSize, ImageSize].
type Batch struct {
	Inputs [wavelet.StackSize]*nn.Tensor
	Labels []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	if b.Inputs[0] == nil || len(b.Inputs[0].Shape) == 0 {
		return 0
	}
	return b.Inputs[0].Shape[0]
}

// LevelForStage returns the wavelet level injected after stage k (0-based).
// Coarse levels are fused early and level 1 is fused after the last stage.
func LevelForStage(k int) int { return wavelet.FanoutLevels - k }

// Option configures New.
type Option func(*Model)

// WithInjectors replaces the configured injectors. Index k is applied after
// stage k.
func WithInjectors(inj [nn.NumStages]Injector) Option {
	return func(m *Model) { m.Injectors = inj }
}

// WithLogger sets the logger used for construction and snapshot messages.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.log = l }
}

// Model is a backbone plus one injector per stage boundary.
type Model struct {
	ID        string
	Config    Config
	Backbone  *nn.Backbone
	Injectors [nn.NumStages]Injector

	log *slog.Logger
}

// New builds a model and checks every injector against the stage it feeds.
// Any disagreement fails with nn.ErrShapeMismatch before a forward pass.
func New(cfg Config, opts ...Option) (*Model, error) {
	if cfg.ImageSize <= 0 {
		return nil, errors.Errorf("swtnet: image size must be positive, got %d", cfg.ImageSize)
	}
	bb, err := nn.NewBackbone(cfg.Backbone)
	if err != nil {
		return nil, errors.Wrap(err, "swtnet")
	}

	m := &Model{
		ID:       uuid.NewString(),
		Config:   cfg,
		Backbone: bb,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	level := m.levelShape()
	rng := rand.New(rand.NewSource(cfg.Backbone.Seed + 1))
	for k := 0; k < nn.NumStages; k++ {
		if m.Injectors[k] != nil {
			continue
		}
		target := bb.StageShape(k, cfg.ImageSize, cfg.ImageSize)
		inj, err := NewInjector(cfg.Injector, InjectorName(k), level, target, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "swtnet: injector after stage %d", k+1)
		}
		m.Injectors[k] = inj
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	m.log.Debug("model built",
		"id", m.ID,
		"injector", cfg.Injector,
		"device", cfg.Device,
		"image_size", cfg.ImageSize,
		"params", nn.CountParams(m.Params()))
	return m, nil
}

func (m *Model) levelShape() []int {
	return []int{m.Config.Backbone.InChannels, m.Config.ImageSize, m.Config.ImageSize}
}

func (m *Model) validate() error {
	level := m.levelShape()
	for k, inj := range m.Injectors {
		want := m.Backbone.StageShape(k, m.Config.ImageSize, m.Config.ImageSize)
		got, err := inj.OutputShape(level)
		if err != nil {
			return errors.Wrapf(err, "swtnet: injector after stage %d", k+1)
		}
		if !nn.SameShape(got, want) {
			return errors.Wrapf(nn.ErrShapeMismatch, "swtnet: injector after stage %d produces %v, stage produces %v", k+1, got, want)
		}
	}
	return nil
}

func (m *Model) checkBatch(b *Batch) error {
	if b == nil {
		return errors.New("swtnet: nil batch")
	}
	n := b.Size()
	want := append([]int{n}, m.levelShape()...)
	for i, x := range b.Inputs {
		if x == nil {
			return errors.Errorf("swtnet: batch entry %d is missing", i)
		}
		if !nn.SameShape(x.Shape, want) {
			return errors.Wrapf(nn.ErrShapeMismatch, "swtnet: batch entry %d is %v, want %v", i, x.Shape, want)
		}
		if x.Device != m.Config.Device {
			return errors.Wrapf(nn.ErrDevicePlacement, "swtnet: batch entry %d on %s, model on %s", i, x.Device, m.Config.Device)
		}
	}
	if b.Labels != nil && len(b.Labels) != n {
		return errors.Errorf("swtnet: %d labels for %d samples", len(b.Labels), n)
	}
	return nil
}

// Forward runs the stem on the source image, then after each stage k adds
// the injected map of level LevelForStage(k) before continuing. It returns
// logits of shape [N, NumClasses].
func (m *Model) Forward(b *Batch, train bool) (*nn.Tensor, error) {
	if err := m.checkBatch(b); err != nil {
		return nil, err
	}

	f, err := m.Backbone.ForwardStem(b.Inputs[0], train)
	if err != nil {
		return nil, err
	}
	var inj *nn.Tensor
	for k := 0; k < nn.NumStages; k++ {
		if f, err = m.Backbone.ForwardStage(k, f, train); err != nil {
			return nil, err
		}
		if inj, err = m.Injectors[k].Forward(b.Inputs[LevelForStage(k)], train); err != nil {
			return nil, errors.Wrapf(err, "injection after stage %d", k+1)
		}
		if f, err = nn.Add(f, inj); err != nil {
			return nil, errors.Wrapf(err, "injection after stage %d", k+1)
		}
	}
	return m.Backbone.ForwardHead(f, train)
}

// Backward propagates the logits gradient through the head, every stage and
// the learned injectors. Gradients accumulate into Params.
func (m *Model) Backward(grad *nn.Tensor) error {
	g, err := m.Backbone.BackwardHead(grad)
	if err != nil {
		return err
	}
	for k := nn.NumStages - 1; k >= 0; k-- {
		// the sum's gradient reaches both the stage output and the injector
		if err := m.Injectors[k].Backward(g); err != nil {
			return errors.Wrapf(err, "injection after stage %d", k+1)
		}
		if g, err = m.Backbone.BackwardStage(k, g); err != nil {
			return err
		}
	}
	_, err = m.Backbone.BackwardStem(g)
	return err
}

// Params returns the backbone parameters followed by injector parameters.
func (m *Model) Params() []*nn.Param {
	params := m.Backbone.Params()
	for _, inj := range m.Injectors {
		params = append(params, inj.Params()...)
	}
	return params
}

// State returns every batch norm running statistic.
func (m *Model) State() []*nn.Param {
	state := m.Backbone.State()
	for _, inj := range m.Injectors {
		state = append(state, inj.State()...)
	}
	return state
}

func (m *Model) snapshotParams() []*nn.Param {
	return append(m.Params(), m.State()...)
}

// Save writes every parameter and running statistic to a safetensors file.
// The model id, injector kind and wavelet basis are added to metadata.
func (m *Model) Save(path string, metadata map[string]string) error {
	meta := map[string]string{
		"run_id":   m.ID,
		"injector": string(m.Config.Injector),
		"wavelet":  m.Config.Wavelet,
	}
	for k, v := range metadata {
		meta[k] = v
	}
	if err := nn.SaveSnapshot(path, m.snapshotParams(), meta); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	m.log.Debug("snapshot saved", "path", path, "tensors", len(m.snapshotParams()))
	return nil
}

// Load replaces every parameter from a snapshot written by Save. Names and
// shapes must match exactly or nn.ErrParameterLoadMismatch is returned and
// the model is left unchanged.
func (m *Model) Load(path string) (map[string]string, error) {
	meta, err := nn.LoadSnapshot(path, m.snapshotParams())
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	if w := meta["wavelet"]; w != "" && m.Config.Wavelet != "" && w != m.Config.Wavelet {
		m.log.Warn("snapshot was trained with a different wavelet", "snapshot", w, "model", m.Config.Wavelet)
	}
	m.log.Debug("snapshot loaded", "path", path, "run_id", meta["run_id"])
	return meta, nil
}

// Blueprint describes the backbone stages for the configured image size.
func (m *Model) Blueprint() nn.ModelTelemetry {
	return nn.ExtractBlueprint(m.Backbone, m.ID, m.Config.ImageSize, m.Config.ImageSize)
}
