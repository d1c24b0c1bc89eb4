// Package config loads run settings from defaults, an optional YAML file,
// SWTNET_* environment variables (a local .env is read first) and command
// line flags, in increasing order of precedence.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/swtnet"
	"github.com/openfluke/swtnet/wavelet"
)

// EnvPrefix prefixes every environment override, e.g. SWTNET_BATCH_SIZE.
const EnvPrefix = "SWTNET"

// Config holds every recognized option.
type Config struct {
	NumClasses int    `mapstructure:"num_classes"`
	Grayscale  bool   `mapstructure:"grayscale"`
	Wavelet    string `mapstructure:"wavelet"`
	Levels     int    `mapstructure:"levels"`
	ImageSize  int    `mapstructure:"image_size"`

	BatchSize    int     `mapstructure:"batch_size"`
	Epochs       int     `mapstructure:"epochs"`
	LearningRate float64 `mapstructure:"learning_rate"`
	LRStepSize   int     `mapstructure:"lr_step_size"`
	LRGamma      float64 `mapstructure:"lr_gamma"`
	Optimizer    string  `mapstructure:"optimizer"`
	Schedule     string  `mapstructure:"schedule"`
	Dropout      float64 `mapstructure:"dropout"`
	Augment      bool    `mapstructure:"augment"`

	Injector  string `mapstructure:"injector"`
	Device    string `mapstructure:"device"`
	Blocks    []int  `mapstructure:"blocks"`
	BaseWidth int    `mapstructure:"base_width"`

	Workers int   `mapstructure:"workers"`
	Seed    int64 `mapstructure:"seed"`

	TrainDir      string `mapstructure:"train_dir"`
	ValDir        string `mapstructure:"val_dir"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	Resume        string `mapstructure:"resume"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the settings of the reference training run.
func Default() Config {
	return Config{
		NumClasses:    6,
		Wavelet:       wavelet.DefaultBasis,
		Levels:        wavelet.FanoutLevels,
		ImageSize:     224,
		BatchSize:     32,
		Epochs:        50,
		LearningRate:  0.001,
		LRStepSize:    8,
		LRGamma:       0.1,
		Optimizer:     "adam",
		Schedule:      "step",
		Dropout:       0.3,
		Augment:       true,
		Injector:      string(swtnet.KindConv),
		Device:        "cpu",
		Blocks:        []int{3, 4, 6, 3},
		BaseWidth:     64,
		Workers:       4,
		Seed:          1,
		CheckpointDir: "checkpoints",
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("num_classes", d.NumClasses)
	v.SetDefault("grayscale", d.Grayscale)
	v.SetDefault("wavelet", d.Wavelet)
	v.SetDefault("levels", d.Levels)
	v.SetDefault("image_size", d.ImageSize)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("epochs", d.Epochs)
	v.SetDefault("learning_rate", d.LearningRate)
	v.SetDefault("lr_step_size", d.LRStepSize)
	v.SetDefault("lr_gamma", d.LRGamma)
	v.SetDefault("optimizer", d.Optimizer)
	v.SetDefault("schedule", d.Schedule)
	v.SetDefault("dropout", d.Dropout)
	v.SetDefault("augment", d.Augment)
	v.SetDefault("injector", d.Injector)
	v.SetDefault("device", d.Device)
	v.SetDefault("blocks", d.Blocks)
	v.SetDefault("base_width", d.BaseWidth)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("train_dir", d.TrainDir)
	v.SetDefault("val_dir", d.ValDir)
	v.SetDefault("checkpoint_dir", d.CheckpointDir)
	v.SetDefault("resume", d.Resume)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// Load resolves the configuration. path may be empty. Flags are bound by
// name with dashes mapped to underscores, so --batch-size sets batch_size;
// only flags the user actually set override lower layers.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Config{}, errors.Wrap(err, "read .env")
	}

	v := viper.New()
	setDefaults(v)
	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known[k] = true
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !known[key] {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = errors.Wrapf(err, "bind flag %s", f.Name)
			}
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.NumClasses < 1 {
		return errors.Errorf("num_classes must be > 0, got %d", c.NumClasses)
	}
	if _, err := wavelet.Lookup(c.Wavelet); err != nil {
		return errors.Wrap(err, "wavelet")
	}
	if c.Levels != wavelet.FanoutLevels {
		return errors.Errorf("levels must be %d for the fused pipeline, got %d", wavelet.FanoutLevels, c.Levels)
	}
	if c.ImageSize < 32 {
		return errors.Errorf("image_size must be >= 32, got %d", c.ImageSize)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.Epochs < 1 {
		return errors.Errorf("epochs must be > 0, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0, got %g", c.LearningRate)
	}
	if c.LRStepSize < 1 {
		return errors.Errorf("lr_step_size must be > 0, got %d", c.LRStepSize)
	}
	if c.LRGamma <= 0 || c.LRGamma > 1 {
		return errors.Errorf("lr_gamma must be in (0, 1], got %g", c.LRGamma)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	if _, err := swtnet.ParseKind(c.Injector); err != nil {
		return err
	}
	if _, err := nn.ParseDevice(c.Device); err != nil {
		return err
	}
	if len(c.Blocks) != nn.NumStages {
		return errors.Errorf("blocks must list %d stage depths, got %v", nn.NumStages, c.Blocks)
	}
	if c.BaseWidth < 1 {
		return errors.Errorf("base_width must be > 0, got %d", c.BaseWidth)
	}
	if c.Workers < 0 {
		return errors.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return errors.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Channels returns 1 for grayscale runs and 3 otherwise.
func (c Config) Channels() int {
	if c.Grayscale {
		return 1
	}
	return 3
}

// Model converts the settings into a fused model configuration.
func (c Config) Model() (swtnet.Config, error) {
	kind, err := swtnet.ParseKind(c.Injector)
	if err != nil {
		return swtnet.Config{}, err
	}
	device, err := nn.ParseDevice(c.Device)
	if err != nil {
		return swtnet.Config{}, err
	}
	bb := nn.BackboneConfig{
		InChannels: c.Channels(),
		NumClasses: c.NumClasses,
		BaseWidth:  c.BaseWidth,
		Dropout:    c.Dropout,
		Seed:       c.Seed,
	}
	copy(bb.Blocks[:], c.Blocks)
	return swtnet.Config{
		Backbone:  bb,
		ImageSize: c.ImageSize,
		Injector:  kind,
		Device:    device,
		Wavelet:   c.Wavelet,
	}, nil
}
