package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/swtnet"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no classes", func(c *Config) { c.NumClasses = 0 }},
		{"unknown wavelet", func(c *Config) { c.Wavelet = "morlet" }},
		{"three levels", func(c *Config) { c.Levels = 3 }},
		{"tiny image", func(c *Config) { c.ImageSize = 16 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"negative lr", func(c *Config) { c.LearningRate = -1 }},
		{"zero step", func(c *Config) { c.LRStepSize = 0 }},
		{"gamma above one", func(c *Config) { c.LRGamma = 2 }},
		{"dropout one", func(c *Config) { c.Dropout = 1 }},
		{"bad injector", func(c *Config) { c.Injector = "attention" }},
		{"bad device", func(c *Config) { c.Device = "tpu" }},
		{"three stages", func(c *Config) { c.Blocks = []int{3, 4, 6} }},
		{"zero width", func(c *Config) { c.BaseWidth = 0 }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	yaml := "epochs: 3\nbatch_size: 4\nwavelet: db2\ninjector: pool\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SWTNET_BATCH_SIZE", "8")
	t.Setenv("SWTNET_BLOCKS", "1,1,1,1")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("lr-step-size", 8, "")
	flags.String("injector", "conv", "")
	flags.String("unrelated", "x", "")
	if err := flags.Parse([]string{"--lr-step-size=2"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Epochs != 3 || cfg.Wavelet != "db2" {
		t.Errorf("file values not applied: epochs %d wavelet %s", cfg.Epochs, cfg.Wavelet)
	}
	if cfg.BatchSize != 8 {
		t.Errorf("env should beat file: batch_size %d", cfg.BatchSize)
	}
	if cfg.LRStepSize != 2 {
		t.Errorf("set flag should apply: lr_step_size %d", cfg.LRStepSize)
	}
	if cfg.Injector != "pool" {
		t.Errorf("unset flag should not override file: injector %s", cfg.Injector)
	}
	if len(cfg.Blocks) != 4 || cfg.Blocks[0] != 1 || cfg.Blocks[3] != 1 {
		t.Errorf("blocks from env: got %v", cfg.Blocks)
	}
	if cfg.NumClasses != 6 {
		t.Errorf("default num_classes lost: %d", cfg.NumClasses)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("SWTNET_LEVELS", "2")
	if _, err := Load("", nil); err == nil {
		t.Error("expected validation error for levels=2")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestModelConfig(t *testing.T) {
	c := Default()
	c.Grayscale = true
	c.Injector = "zero"
	c.Device = "gpu"
	c.Blocks = []int{1, 2, 1, 2}

	m, err := c.Model()
	if err != nil {
		t.Fatalf("Model failed: %v", err)
	}
	if m.Backbone.InChannels != 1 {
		t.Errorf("grayscale should give 1 channel, got %d", m.Backbone.InChannels)
	}
	if m.Backbone.Blocks != [nn.NumStages]int{1, 2, 1, 2} {
		t.Errorf("blocks not copied: %v", m.Backbone.Blocks)
	}
	if m.Injector != swtnet.KindZero || m.Device != nn.DeviceGPU {
		t.Errorf("unexpected injector %s / device %s", m.Injector, m.Device)
	}
	if m.ImageSize != 224 {
		t.Errorf("image size %d", m.ImageSize)
	}
}
