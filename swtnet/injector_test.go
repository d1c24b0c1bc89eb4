package swtnet

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/openfluke/swtnet/nn"
)

func TestPoolInjectorTilesChannels(t *testing.T) {
	p, err := NewPoolInjector([]int{2, 4, 4}, []int{5, 2, 2})
	if err != nil {
		t.Fatalf("NewPoolInjector failed: %v", err)
	}
	level := nn.NewTensor(1, 2, 4, 4)
	for i := 0; i < 16; i++ {
		level.Data[i] = 1
		level.Data[16+i] = 2
	}
	out, err := p.Forward(level, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !nn.SameShape(out.Shape, []int{1, 5, 2, 2}) {
		t.Fatalf("expected [1 5 2 2], got %v", out.Shape)
	}
	for c, want := range []float32{1, 2, 1, 2, 1} {
		for i := 0; i < 4; i++ {
			if v := out.Data[c*4+i]; v != want {
				t.Errorf("channel %d: expected %f, got %f", c, want, v)
			}
		}
	}
}

func TestSpatialFactor(t *testing.T) {
	tests := []struct {
		in, target []int
		want       int
		ok         bool
	}{
		{[]int{3, 224, 224}, []int{256, 56, 56}, 4, true},
		{[]int{3, 224, 224}, []int{2048, 7, 7}, 32, true},
		{[]int{3, 32, 32}, []int{8, 5, 5}, 0, false},
		{[]int{3, 32, 16}, []int{8, 4, 4}, 0, false},
		{[]int{32, 32}, []int{8, 4, 4}, 0, false},
	}
	for _, tt := range tests {
		got, err := spatialFactor(tt.in, tt.target)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("%v -> %v: expected %d, got %d (%v)", tt.in, tt.target, tt.want, got, err)
			}
			continue
		}
		if !errors.Is(err, nn.ErrShapeMismatch) {
			t.Errorf("%v -> %v: expected ErrShapeMismatch, got %v", tt.in, tt.target, err)
		}
	}
}

func TestConvInjector(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ci, err := NewConvInjector("wave2", []int{3, 32, 32}, []int{16, 4, 4}, rng)
	if err != nil {
		t.Fatalf("NewConvInjector failed: %v", err)
	}
	got, err := ci.OutputShape([]int{3, 32, 32})
	if err != nil || !nn.SameShape(got, []int{16, 4, 4}) {
		t.Errorf("OutputShape: expected [16 4 4], got %v (%v)", got, err)
	}
	if _, err := ci.OutputShape([]int{1, 32, 32}); !errors.Is(err, nn.ErrShapeMismatch) {
		t.Errorf("wrong channels: expected ErrShapeMismatch, got %v", err)
	}

	names := map[string]bool{}
	for _, p := range append(ci.Params(), ci.State()...) {
		names[p.Name] = true
	}
	for _, want := range []string{"wave2.conv.weight", "wave2.bn.weight", "wave2.bn.bias", "wave2.bn.running_mean", "wave2.bn.running_var"} {
		if !names[want] {
			t.Errorf("missing parameter %s", want)
		}
	}

	out, err := ci.Forward(nn.NewTensor(2, 3, 32, 32), true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !nn.SameShape(out.Shape, []int{2, 16, 4, 4}) {
		t.Errorf("expected [2 16 4 4], got %v", out.Shape)
	}
	if err := ci.Backward(out); err != nil {
		t.Errorf("Backward failed: %v", err)
	}
}
