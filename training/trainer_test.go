package training

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/swtnet"
	"github.com/openfluke/swtnet/wavelet"
)

const size = 32

type sliceSource struct {
	batches []*swtnet.Batch
	pos     int
}

func (s *sliceSource) Reset() { s.pos = 0 }

func (s *sliceSource) Next() (*swtnet.Batch, bool) {
	if s.pos >= len(s.batches) {
		return nil, false
	}
	s.pos++
	return s.batches[s.pos-1], true
}

func tinyModel(t *testing.T) *swtnet.Model {
	t.Helper()
	m, err := swtnet.New(swtnet.Config{
		Backbone: nn.BackboneConfig{
			InChannels: 3,
			NumClasses: 3,
			Blocks:     [nn.NumStages]int{1, 1, 1, 1},
			BaseWidth:  2,
			Seed:       11,
		},
		ImageSize: size,
		Injector:  swtnet.KindConv,
		Wavelet:   wavelet.DefaultBasis,
	})
	if err != nil {
		t.Fatalf("swtnet.New failed: %v", err)
	}
	return m
}

func makeBatch(rng *rand.Rand, labels []int) *swtnet.Batch {
	n := len(labels)
	b := &swtnet.Batch{Labels: labels}
	for e := range b.Inputs {
		x := nn.NewTensor(n, 3, size, size)
		for i := range x.Data {
			x.Data[i] = float32(rng.NormFloat64())
		}
		// shift each sample by its label so classes are separable
		per := 3 * size * size
		for s, l := range labels {
			for i := s * per; i < (s+1)*per; i++ {
				x.Data[i] += float32(l)
			}
		}
		b.Inputs[e] = x
	}
	return b
}

func source(seed int64, batches int) *sliceSource {
	rng := rand.New(rand.NewSource(seed))
	src := &sliceSource{}
	for i := 0; i < batches; i++ {
		src.batches = append(src.batches, makeBatch(rng, []int{0, 1, 2, 0, 1, 2}))
	}
	return src
}

func TestLearningRateFollowsStepSchedule(t *testing.T) {
	tr, err := New(tinyModel(t), Config{Epochs: 30})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 1e-3},
		{6, 1e-3},
		{7, 1e-4},
		{14, 1e-4},
		{15, 1e-5},
	}
	for _, tt := range tests {
		if got := float64(tr.LearningRate(tt.epoch)); math.Abs(got-tt.want) > tt.want*1e-4 {
			t.Errorf("epoch %d: expected %g, got %g", tt.epoch, tt.want, got)
		}
	}
}

func TestNewValidates(t *testing.T) {
	m := tinyModel(t)
	if _, err := New(m, Config{Epochs: 0}); err == nil {
		t.Error("expected error for zero epochs")
	}
	if _, err := New(m, Config{Epochs: 3, StartEpoch: 3}); err == nil {
		t.Error("expected error when nothing is left to train")
	}
	if _, err := New(nil, Config{Epochs: 3}); err == nil {
		t.Error("expected error for nil model")
	}
}

func TestFitWritesHistoryAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(tinyModel(t), Config{
		Epochs:        3,
		StartEpoch:    1,
		CheckpointDir: dir,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Fit(context.Background(), source(1, 2), source(2, 1))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(res.History) != 2 {
		t.Fatalf("expected 2 epochs of history, got %d", len(res.History))
	}
	for i, s := range res.History {
		if s.Epoch != i+2 {
			t.Errorf("history[%d]: epoch %d, expected %d", i, s.Epoch, i+2)
		}
		if s.Val == nil || s.Val.Samples != 6 {
			t.Errorf("history[%d]: missing validation metrics", i)
		}
		if _, err := os.Stat(filepath.Join(dir, CheckpointName(s.Epoch))); err != nil {
			t.Errorf("checkpoint for epoch %d: %v", s.Epoch, err)
		}
	}
	if res.BestEpoch < 2 || res.BestEpoch > 3 {
		t.Errorf("best epoch %d", res.BestEpoch)
	}

	m := tinyModel(t)
	meta, err := m.Load(filepath.Join(dir, CheckpointName(3)))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n, err := ResumeEpoch(meta); err != nil || n != 3 {
		t.Errorf("ResumeEpoch = %d, %v", n, err)
	}
	if meta["val_accuracy"] == "" {
		t.Error("validation accuracy missing from metadata")
	}

	out := filepath.Join(dir, "history.json")
	if err := res.Save(out); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	var decoded Result
	data, _ := os.ReadFile(out)
	if err := json.Unmarshal(data, &decoded); err != nil || len(decoded.History) != 2 {
		t.Errorf("history did not round trip: %v", err)
	}
}

func TestFitReducesLoss(t *testing.T) {
	tr, err := New(tinyModel(t), Config{
		Epochs:    8,
		Scheduler: nn.NewConstantScheduler(0.01),
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Fit(context.Background(), source(3, 1), nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	first, last := res.History[0].TrainLoss, res.History[len(res.History)-1].TrainLoss
	if last >= first {
		t.Errorf("loss did not decrease: %f -> %f", first, last)
	}
	if res.BestEpoch != 0 {
		t.Errorf("best epoch should be unset without validation, got %d", res.BestEpoch)
	}
}

func TestFitAbortsOnNonFiniteLoss(t *testing.T) {
	src := source(4, 2)
	src.batches[1].Inputs[0].Data[5] = float32(math.NaN())

	tr, _ := New(tinyModel(t), Config{Epochs: 2})
	res, err := tr.Fit(context.Background(), src, nil)
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("expected ErrNonFiniteLoss, got %v", err)
	}
	if !errors.Is(err, nn.ErrNumericDegenerate) {
		t.Error("ErrNonFiniteLoss should wrap nn.ErrNumericDegenerate")
	}
	if len(res.History) != 0 {
		t.Errorf("no epoch should complete, got %d", len(res.History))
	}
}

func TestFitHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, _ := New(tinyModel(t), Config{Epochs: 2})
	if _, err := tr.Fit(ctx, source(5, 1), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEvaluateAndPredict(t *testing.T) {
	m := tinyModel(t)
	src := source(6, 2)
	metrics, err := Evaluate(context.Background(), m, src)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if metrics.Samples != 12 || metrics.Batches != 2 {
		t.Errorf("expected 12 samples in 2 batches, got %d in %d", metrics.Samples, metrics.Batches)
	}
	if metrics.Accuracy < 0 || metrics.Accuracy > 1 {
		t.Errorf("accuracy %f outside [0, 1]", metrics.Accuracy)
	}
	total := 0
	for _, row := range metrics.Confusion {
		for _, n := range row {
			total += n
		}
	}
	if total != 12 {
		t.Errorf("confusion matrix counts %d samples", total)
	}
	if got := len(metrics.PerClassAccuracy()); got != 3 {
		t.Errorf("expected 3 per-class entries, got %d", got)
	}

	preds, err := Predict(m, src.batches[0])
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(preds) != 6 {
		t.Fatalf("expected 6 predictions, got %d", len(preds))
	}
	for i, p := range preds {
		var sum float64
		best := 0
		for c, v := range p.Probabilities {
			sum += float64(v)
			if v > p.Probabilities[best] {
				best = c
			}
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("prediction %d: probabilities sum to %f", i, sum)
		}
		if best != p.Class {
			t.Errorf("prediction %d: class %d but argmax %d", i, p.Class, best)
		}
	}
}

func TestResumeEpoch(t *testing.T) {
	if n, err := ResumeEpoch(map[string]string{}); err != nil || n != 0 {
		t.Errorf("empty metadata: %d, %v", n, err)
	}
	if _, err := ResumeEpoch(map[string]string{"epoch": "x"}); err == nil {
		t.Error("expected parse error")
	}
}
