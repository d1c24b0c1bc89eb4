package training

import (
	"context"
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/swtnet"
)

// ErrNonFiniteLoss aborts training or evaluation when a loss or logit is NaN
// or infinite.
var ErrNonFiniteLoss = errors.Wrap(nn.ErrNumericDegenerate, "non-finite loss")

// BatchSource yields the batches of one epoch. dataset.Loader implements it.
type BatchSource interface {
	Reset()
	Next() (*swtnet.Batch, bool)
}

// Metrics summarizes a pass over labelled batches.
type Metrics struct {
	Loss      float64 `json:"loss"`
	Accuracy  float64 `json:"accuracy"` // fraction in [0, 1]
	Samples   int     `json:"samples"`
	Batches   int     `json:"batches"`
	Confusion [][]int `json:"confusion"` // [true label][predicted label]
}

// PerClassAccuracy returns recall per true label; classes without samples
// report 0.
func (m *Metrics) PerClassAccuracy() []float64 {
	out := make([]float64, len(m.Confusion))
	for c, row := range m.Confusion {
		total := 0
		for _, n := range row {
			total += n
		}
		if total > 0 {
			out[c] = float64(row[c]) / float64(total)
		}
	}
	return out
}

func checkFinite(logits *nn.Tensor, loss float64) error {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errors.Wrapf(ErrNonFiniteLoss, "loss is %v", loss)
	}
	if logits.HasNonFinite() {
		return errors.Wrap(ErrNonFiniteLoss, "logits contain NaN or Inf")
	}
	return nil
}

// Evaluate runs the model in evaluation mode over src. The loss is the mean
// of per-batch mean losses.
func Evaluate(ctx context.Context, model *swtnet.Model, src BatchSource) (*Metrics, error) {
	classes := model.Config.Backbone.NumClasses
	m := &Metrics{Confusion: make([][]int, classes)}
	for i := range m.Confusion {
		m.Confusion[i] = make([]int, classes)
	}

	src.Reset()
	correct := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, ok := src.Next()
		if !ok {
			break
		}
		logits, err := model.Forward(b, false)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluate batch %d", m.Batches)
		}
		loss, _, err := nn.CrossEntropy(logits, b.Labels)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluate batch %d", m.Batches)
		}
		if err := checkFinite(logits, loss); err != nil {
			return nil, errors.Wrapf(err, "evaluate batch %d", m.Batches)
		}

		for i, p := range nn.Argmax(logits) {
			m.Confusion[b.Labels[i]][p]++
			if p == b.Labels[i] {
				correct++
			}
		}
		m.Loss += loss
		m.Samples += b.Size()
		m.Batches++
	}

	if m.Batches > 0 {
		m.Loss /= float64(m.Batches)
	}
	if m.Samples > 0 {
		m.Accuracy = float64(correct) / float64(m.Samples)
	}
	return m, nil
}

// Prediction is the class distribution for one sample.
type Prediction struct {
	Class         int       `json:"class"`
	Probabilities []float32 `json:"probabilities"`
}

// Predict returns softmax probabilities and the most likely class per sample.
func Predict(model *swtnet.Model, b *swtnet.Batch) ([]Prediction, error) {
	logits, err := model.Forward(b, false)
	if err != nil {
		return nil, errors.Wrap(err, "predict")
	}
	if logits.HasNonFinite() {
		return nil, errors.Wrap(ErrNonFiniteLoss, "predict: logits contain NaN or Inf")
	}
	probs, err := nn.Softmax(logits)
	if err != nil {
		return nil, errors.Wrap(err, "predict")
	}

	k := logits.Shape[1]
	out := make([]Prediction, logits.Shape[0])
	for i, c := range nn.Argmax(logits) {
		out[i] = Prediction{Class: c, Probabilities: append([]float32(nil), probs.Data[i*k:(i+1)*k]...)}
	}
	return out, nil
}

// SaveJSON writes v as indented JSON.
func SaveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
