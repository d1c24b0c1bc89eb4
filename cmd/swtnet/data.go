package main

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/openfluke/swtnet/dataset"
	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/wavelet"
)

func (e *env) options(augment bool) (dataset.Options, error) {
	basis, err := wavelet.Lookup(e.cfg.Wavelet)
	if err != nil {
		return dataset.Options{}, err
	}
	opts := dataset.Options{
		ImageSize: e.cfg.ImageSize,
		Grayscale: e.cfg.Grayscale,
		Basis:     basis,
		Workers:   e.cfg.Workers,
		Seed:      e.cfg.Seed,
		Logger:    e.log,
	}
	if augment {
		opts.Augment = dataset.NewAugmenter(rand.New(rand.NewSource(e.cfg.Seed)))
		e.log.Info("augmentation policy",
			"rotate_limit", opts.Augment.RotateLimit,
			"crop_scale", opts.Augment.CropScale,
			"noise_var", opts.Augment.NoiseVar)
	}
	return opts, nil
}

// loadSplit preprocesses one image folder and wraps it in a loader.
func (e *env) loadSplit(ctx context.Context, dir string, augment, shuffle bool) (*dataset.Loader, *dataset.Dataset, error) {
	if dir == "" {
		return nil, nil, errors.New("dataset directory not set")
	}
	folder, err := dataset.NewImageFolder(dir, nil)
	if err != nil {
		return nil, nil, err
	}
	if folder.NumClasses() > e.cfg.NumClasses {
		return nil, nil, errors.Errorf("%s has %d classes but num_classes is %d", dir, folder.NumClasses(), e.cfg.NumClasses)
	}
	opts, err := e.options(augment)
	if err != nil {
		return nil, nil, err
	}
	ds, err := dataset.Build(ctx, folder, opts)
	if err != nil {
		return nil, nil, err
	}
	device, _ := nn.ParseDevice(e.cfg.Device)
	l := dataset.NewLoader(ds, dataset.LoaderConfig{
		BatchSize: e.cfg.BatchSize,
		Shuffle:   shuffle,
		Seed:      e.cfg.Seed,
		Device:    device,
	})
	return l, ds, nil
}
