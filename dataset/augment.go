package dataset

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// Augmenter is a training-time augmentation policy. Geometric steps act on
// the resized image; noise acts on the float planes.
type Augmenter struct {
	RotateLimit float64 // degrees
	RotateProb  float64
	CropScale   float64 // minimum area fraction kept by the resized crop
	FlipProb    float64
	NoiseVar    [2]float64 // variance range of the Gaussian noise
	NoiseProb   float64
}

// NewAugmenter draws a policy once per run: a rotation limit in [5, 10]
// degrees, a minimum crop scale in [0.8, 1] and a noise variance range with
// bounds in [1, 5] and [10, 20].
func NewAugmenter(rng *rand.Rand) *Augmenter {
	return &Augmenter{
		RotateLimit: 5 + 5*rng.Float64(),
		RotateProb:  0.5,
		CropScale:   0.8 + 0.2*rng.Float64(),
		FlipProb:    0.5,
		NoiseVar:    [2]float64{1 + 4*rng.Float64(), 10 + 10*rng.Float64()},
		NoiseProb:   0.5,
	}
}

// Geometric applies rotation, random resized crop and horizontal flip to a
// size x size image and returns a new image of the same size.
func (a *Augmenter) Geometric(img *image.RGBA, rng *rand.Rand) *image.RGBA {
	if rng.Float64() < a.RotateProb {
		img = rotate(img, (2*rng.Float64()-1)*a.RotateLimit)
	}
	img = a.resizedCrop(img, rng)
	if rng.Float64() < a.FlipProb {
		img = flipHorizontal(img)
	}
	return img
}

// Noise adds zero-mean Gaussian noise to every value of every plane, with a
// variance drawn from NoiseVar, and clamps to [0, 255].
func (a *Augmenter) Noise(planes []*mat.Dense, rng *rand.Rand) {
	if rng.Float64() >= a.NoiseProb {
		return
	}
	variance := a.NoiseVar[0] + (a.NoiseVar[1]-a.NoiseVar[0])*rng.Float64()
	sigma := math.Sqrt(variance)
	for _, p := range planes {
		p.Apply(func(_, _ int, v float64) float64 {
			return math.Min(255, math.Max(0, v+sigma*rng.NormFloat64()))
		}, p)
	}
}

func rotate(img *image.RGBA, degrees float64) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	sin, cos := math.Sincos(degrees * math.Pi / 180)
	s2d := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, s2d, img, b, draw.Src, nil)
	return dst
}

// resizedCrop keeps a random window covering a [CropScale, 1] fraction of the
// area with aspect ratio in [3/4, 4/3], scaled back to the original size.
func (a *Augmenter) resizedCrop(img *image.RGBA, rng *rand.Rand) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	area := float64(w * h)

	crop := b
	for attempt := 0; attempt < 10; attempt++ {
		target := area * (a.CropScale + (1-a.CropScale)*rng.Float64())
		ratio := math.Exp(math.Log(3.0/4) + (math.Log(4.0/3)-math.Log(3.0/4))*rng.Float64())
		cw := int(math.Round(math.Sqrt(target * ratio)))
		ch := int(math.Round(math.Sqrt(target / ratio)))
		if cw > 0 && ch > 0 && cw <= w && ch <= h {
			x := b.Min.X + rng.Intn(w-cw+1)
			y := b.Min.Y + rng.Intn(h-ch+1)
			crop = image.Rect(x, y, x+cw, y+ch)
			break
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	return dst
}

func flipHorizontal(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride:]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			copy(out[x*4:x*4+4], src[(w-1-x)*4:(w-1-x)*4+4])
		}
	}
	return dst
}
