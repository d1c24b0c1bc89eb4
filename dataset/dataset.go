package dataset

import (
	"context"
	"image"
	"log/slog"
	"math/rand"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/openfluke/swtnet/wavelet"
)

// Options control preprocessing.
type Options struct {
	ImageSize int
	Grayscale bool
	Basis     wavelet.Basis
	// Augment, when non-nil, is applied to every image before decomposition.
	Augment *Augmenter
	Workers int
	Seed    int64
	Logger  *slog.Logger
}

func (o Options) channels() int {
	if o.Grayscale {
		return 1
	}
	return 3
}

// Sample is one preprocessed image. Data[0] is the resized source and
// Data[i] is wavelet level i, each channel-major with C*ImageSize*ImageSize
// values. Samples are not modified after Build returns.
type Sample struct {
	Path  string
	Label int
	Data  [wavelet.StackSize][]float32
}

// Dataset holds preprocessed samples of one image folder.
type Dataset struct {
	Classes   []string
	Channels  int
	ImageSize int
	Samples   []Sample
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Samples) }

// Preprocess resizes, optionally augments and decomposes one image.
func Preprocess(img image.Image, opts Options, rng *rand.Rand) (*wavelet.Stack, error) {
	if opts.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", opts.ImageSize)
	}
	rgba := Resize(img, opts.ImageSize)
	if opts.Augment != nil {
		rgba = opts.Augment.Geometric(rgba, rng)
	}
	planes := Planes(rgba, opts.Grayscale)
	if opts.Augment != nil {
		opts.Augment.Noise(planes, rng)
	}
	return wavelet.Decompose(planes, opts.Basis)
}

// Build decodes and decomposes every image of folder on a bounded worker
// pool. Each image gets its own random stream derived from Seed, so results
// do not depend on scheduling. Constant wavelet levels are logged and kept.
func Build(ctx context.Context, folder *ImageFolder, opts Options) (*Dataset, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ds := &Dataset{
		Classes:   folder.ClassNames(),
		Channels:  opts.channels(),
		ImageSize: opts.ImageSize,
		Samples:   make([]Sample, folder.Len()),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < folder.Len(); i++ {
		path, label, err := folder.Item(i)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := DecodeFile(path)
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
			stack, err := Preprocess(img, opts, rng)
			if err != nil {
				return errors.Wrapf(err, "preprocess %s", path)
			}
			for _, d := range stack.Degenerate {
				log.Warn("constant wavelet level",
					"path", path,
					"channel", d.Channel,
					"level", d.Level)
			}

			s := Sample{Path: path, Label: label}
			for e := range s.Data {
				s.Data[e] = stack.Flatten(e)
			}
			ds.Samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("dataset ready",
		"root", folder.Root,
		"samples", ds.Len(),
		"classes", len(ds.Classes),
		"augment", opts.Augment != nil)
	return ds, nil
}
