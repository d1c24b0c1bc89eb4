// Package training runs the epoch loop around a fused model: Adam steps on
// softmax cross-entropy, a step learning-rate schedule, validation after
// every epoch and a parameter snapshot per epoch.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/swtnet"
)

// Config holds configuration for training.
type Config struct {
	Epochs     int
	StartEpoch int // epochs already completed, e.g. when resuming

	Scheduler nn.LRScheduler
	Optimizer nn.Optimizer

	// CheckpointDir receives model_epoch_<n>.safetensors after every epoch.
	// Empty disables snapshots.
	CheckpointDir string

	Logger *slog.Logger
}

// DefaultConfig mirrors the reference run: 50 epochs of Adam at 1e-3 with
// the rate divided by ten every 8 epochs.
func DefaultConfig() Config {
	return Config{
		Epochs:        50,
		Scheduler:     nn.NewStepDecayScheduler(0.001, 0.1, 8),
		Optimizer:     nn.NewAdamOptimizer(),
		CheckpointDir: "checkpoints",
	}
}

// EpochStats records one epoch.
type EpochStats struct {
	Epoch      int           `json:"epoch"` // 1-based
	LR         float32       `json:"lr"`
	TrainLoss  float64       `json:"train_loss"`
	Val        *Metrics      `json:"val,omitempty"`
	Duration   time.Duration `json:"duration"`
	Checkpoint string        `json:"checkpoint,omitempty"`
}

// Result contains training statistics.
type Result struct {
	History       []EpochStats  `json:"history"`
	BestValLoss   float64       `json:"best_val_loss"`
	BestEpoch     int           `json:"best_epoch"`
	TotalTime     time.Duration `json:"total_time"`
	AvgThroughput float64       `json:"avg_throughput"` // training samples per second
}

// Trainer owns the optimizer state for one model.
type Trainer struct {
	model  *swtnet.Model
	config Config
	log    *slog.Logger
}

// New validates config and returns a trainer.
func New(model *swtnet.Model, config Config) (*Trainer, error) {
	if model == nil {
		return nil, errors.New("trainer: nil model")
	}
	if config.Epochs < 1 {
		return nil, errors.Errorf("trainer: epochs must be > 0, got %d", config.Epochs)
	}
	if config.StartEpoch < 0 || config.StartEpoch >= config.Epochs {
		return nil, errors.Errorf("trainer: start epoch %d outside [0, %d)", config.StartEpoch, config.Epochs)
	}
	if config.Scheduler == nil {
		config.Scheduler = nn.NewStepDecayScheduler(0.001, 0.1, 8)
	}
	if config.Optimizer == nil {
		config.Optimizer = nn.NewAdamOptimizer()
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Trainer{model: model, config: config, log: log}, nil
}

// LearningRate returns the rate used during 0-based epoch e. The schedule is
// advanced once before each epoch's first step, so epoch e trains with the
// scheduled rate of e+1.
func (t *Trainer) LearningRate(e int) float32 {
	return t.config.Scheduler.GetLR(e + 1)
}

// Fit trains from StartEpoch up to Epochs. val may be nil. Cancelling ctx
// stops between batches and returns the history so far with ctx.Err().
func (t *Trainer) Fit(ctx context.Context, train, val BatchSource) (*Result, error) {
	res := &Result{BestValLoss: math.Inf(1)}
	start := time.Now()
	samples := 0

	t.log.Info("training started",
		"epochs", t.config.Epochs,
		"start_epoch", t.config.StartEpoch,
		"optimizer", t.config.Optimizer.Name(),
		"schedule", t.config.Scheduler.Name(),
		"params", nn.CountParams(t.model.Params()))

	for e := t.config.StartEpoch; e < t.config.Epochs; e++ {
		epochStart := time.Now()
		lr := t.LearningRate(e)

		loss, n, err := t.trainEpoch(ctx, train, lr, e)
		if err != nil {
			res.TotalTime = time.Since(start)
			return res, err
		}
		samples += n

		stats := EpochStats{Epoch: e + 1, LR: lr, TrainLoss: loss}
		if val != nil {
			if stats.Val, err = Evaluate(ctx, t.model, val); err != nil {
				res.TotalTime = time.Since(start)
				return res, errors.Wrapf(err, "epoch %d validation", e+1)
			}
			if stats.Val.Loss < res.BestValLoss {
				res.BestValLoss = stats.Val.Loss
				res.BestEpoch = e + 1
			}
		}

		if t.config.CheckpointDir != "" {
			if stats.Checkpoint, err = t.checkpoint(stats); err != nil {
				res.TotalTime = time.Since(start)
				return res, err
			}
		}
		stats.Duration = time.Since(epochStart)
		res.History = append(res.History, stats)
		t.logEpoch(stats)
	}

	res.TotalTime = time.Since(start)
	if secs := res.TotalTime.Seconds(); secs > 0 {
		res.AvgThroughput = float64(samples) / secs
	}
	return res, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, src BatchSource, lr float32, e int) (float64, int, error) {
	params := t.model.Params()
	src.Reset()

	total, batches, samples := 0.0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, samples, err
		}
		b, ok := src.Next()
		if !ok {
			break
		}

		nn.ZeroGrad(params)
		logits, err := t.model.Forward(b, true)
		if err != nil {
			return 0, samples, errors.Wrapf(err, "epoch %d batch %d", e+1, batches)
		}
		loss, grad, err := nn.CrossEntropy(logits, b.Labels)
		if err != nil {
			return 0, samples, errors.Wrapf(err, "epoch %d batch %d", e+1, batches)
		}
		if err := checkFinite(logits, loss); err != nil {
			return 0, samples, errors.Wrapf(err, "epoch %d batch %d", e+1, batches)
		}
		if err := t.model.Backward(grad); err != nil {
			return 0, samples, errors.Wrapf(err, "epoch %d batch %d", e+1, batches)
		}
		t.config.Optimizer.Step(params, lr)

		total += loss
		batches++
		samples += b.Size()
		t.log.Debug("batch", "epoch", e+1, "batch", batches, "loss", loss)
	}
	if batches == 0 {
		return 0, 0, errors.Errorf("epoch %d: no training batches", e+1)
	}
	return total / float64(batches), samples, nil
}

func (t *Trainer) checkpoint(stats EpochStats) (string, error) {
	if err := os.MkdirAll(t.config.CheckpointDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create checkpoint dir")
	}
	path := filepath.Join(t.config.CheckpointDir, CheckpointName(stats.Epoch))
	meta := map[string]string{
		"epoch":      strconv.Itoa(stats.Epoch),
		"lr":         strconv.FormatFloat(float64(stats.LR), 'g', -1, 32),
		"train_loss": strconv.FormatFloat(stats.TrainLoss, 'g', -1, 64),
	}
	if stats.Val != nil {
		meta["val_loss"] = strconv.FormatFloat(stats.Val.Loss, 'g', -1, 64)
		meta["val_accuracy"] = strconv.FormatFloat(stats.Val.Accuracy, 'g', -1, 64)
	}
	if err := t.model.Save(path, meta); err != nil {
		return "", err
	}
	return path, nil
}

func (t *Trainer) logEpoch(s EpochStats) {
	attrs := []any{
		"epoch", fmt.Sprintf("%d/%d", s.Epoch, t.config.Epochs),
		"lr", s.LR,
		"train_loss", s.TrainLoss,
		"duration", s.Duration.Round(time.Millisecond),
	}
	if s.Val != nil {
		attrs = append(attrs, "val_loss", s.Val.Loss, "val_accuracy", s.Val.Accuracy)
	}
	if s.Checkpoint != "" {
		attrs = append(attrs, "checkpoint", s.Checkpoint)
	}
	t.log.Info("epoch done", attrs...)
}

// CheckpointName is the snapshot file name written after 1-based epoch n.
func CheckpointName(n int) string {
	return fmt.Sprintf("model_epoch_%d.safetensors", n)
}

// ResumeEpoch reads the completed epoch count from snapshot metadata.
// Snapshots without an epoch entry resume from 0.
func ResumeEpoch(meta map[string]string) (int, error) {
	s, ok := meta["epoch"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "snapshot epoch %q", s)
	}
	return n, nil
}

// Save writes the result as JSON. An infinite best loss (no validation set)
// is stored as 0.
func (r *Result) Save(path string) error {
	out := *r
	out.BestValLoss = sanitizeFloat(out.BestValLoss)
	return SaveJSON(path, out)
}

// sanitizeFloat replaces Inf and NaN with values JSON can encode.
func sanitizeFloat(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}
