package wavelet

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Level holds the four sub-bands of one decomposition level. Every band has
// the shape of the input plane.
type Level struct {
	Approx *mat.Dense
	H      *mat.Dense // high-pass along rows (axis 0), low-pass along columns
	V      *mat.Dense // low-pass along rows, high-pass along columns (axis 1)
	D      *mat.Dense // high-pass along both axes
}

// SWT2 runs an undecimated 2D decomposition for the given number of levels.
// Level j filters the level j-1 approximation with the basis filters
// upsampled by 2^(j-1); borders wrap periodically. Filtering is a periodized
// convolution centred on half the upsampled filter length, so bands line up
// with pywt.swt2 sample for sample. The result is ordered from
// level 1 (finest) to level `levels` (coarsest).
func SWT2(plane *mat.Dense, b Basis, levels int) ([]Level, error) {
	if plane == nil {
		return nil, errors.New("swt2: nil plane")
	}
	if levels < 1 {
		return nil, errors.Errorf("swt2: level count must be at least 1, got %d", levels)
	}
	if len(b.Lo) == 0 || len(b.Lo) != len(b.Hi) {
		return nil, errors.Errorf("swt2: basis %q has malformed filters", b.Name)
	}
	rows, cols := plane.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.New("swt2: empty plane")
	}

	out := make([]Level, levels)
	approx := plane
	for j := 0; j < levels; j++ {
		step := 1 << uint(j)

		lo := filterColumns(approx, b.Lo, step)
		hi := filterColumns(approx, b.Hi, step)

		out[j] = Level{
			Approx: filterRows(lo, b.Lo, step),
			H:      filterRows(lo, b.Hi, step),
			V:      filterRows(hi, b.Lo, step),
			D:      filterRows(hi, b.Hi, step),
		}
		approx = out[j].Approx
	}
	return out, nil
}

// tap returns the source index feeding output i for filter tap k:
// (i + len(f)*step/2 - k*step) mod n.
func tap(i, k, step, flen, n int) int {
	j := (i + flen*step/2 - k*step) % n
	if j < 0 {
		j += n
	}
	return j
}

// filterColumns filters every row along axis 1 with f spaced by step.
func filterColumns(src *mat.Dense, f []float64, step int) *mat.Dense {
	rows, cols := src.Dims()
	dst := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		in := src.RawRowView(r)
		o := dst.RawRowView(r)
		for i := range o {
			var sum float64
			for k, c := range f {
				if c == 0 {
					continue
				}
				sum += c * in[tap(i, k, step, len(f), cols)]
			}
			o[i] = sum
		}
	}
	return dst
}

// filterRows filters every column along axis 0 with f spaced by step.
func filterRows(src *mat.Dense, f []float64, step int) *mat.Dense {
	rows, cols := src.Dims()
	dst := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		o := dst.RawRowView(i)
		for k, c := range f {
			if c == 0 {
				continue
			}
			in := src.RawRowView(tap(i, k, step, len(f), rows))
			for x := range o {
				o[x] += c * in[x]
			}
		}
	}
	return dst
}
