package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/mat"
)

// DecodeFile reads an image in any registered format.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// Resize scales img to size x size with bilinear interpolation.
func Resize(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Planes splits img into float planes with values in [0, 255]. Color images
// give R, G, B planes; grayscale gives one luma plane (0.299R + 0.587G + 0.114B).
func Planes(img *image.RGBA, grayscale bool) []*mat.Dense {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()

	n := 3
	if grayscale {
		n = 1
	}
	planes := make([]*mat.Dense, n)
	data := make([][]float64, n)
	for c := range planes {
		data[c] = make([]float64, h*w)
	}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			r, g, bl := float64(px[0]), float64(px[1]), float64(px[2])
			if grayscale {
				data[0][y*w+x] = 0.299*r + 0.587*g + 0.114*bl
				continue
			}
			data[0][y*w+x] = r
			data[1][y*w+x] = g
			data[2][y*w+x] = bl
		}
	}
	for c := range planes {
		planes[c] = mat.NewDense(h, w, data[c])
	}
	return planes
}
