package wavelet

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Detail weights for levels 2 and above. Level 1 uses its approximation band.
const (
	WeightH = 0.30
	WeightV = 0.40
	WeightD = 0.30
)

// Synthesis is the output of Synthesize: one normalized map per level, in
// level order, plus the 1-based levels whose map was constant.
type Synthesis struct {
	Maps       []*mat.Dense
	Degenerate []int
}

// Synthesize decomposes plane for the given number of levels and collapses
// each level into a single zero-mean, unit-variance map with the same shape
// as plane.
//
// Level 1 is the level-1 approximation band. Levels 2..L are
// WeightH*H + WeightV*V + WeightD*D of that level. A constant map cannot be
// normalized and comes back filled with NaN; its level is listed in
// Degenerate so callers can report it.
func Synthesize(plane *mat.Dense, levels int, b Basis) (*Synthesis, error) {
	bands, err := SWT2(plane, b, levels)
	if err != nil {
		return nil, errors.Wrap(err, "synthesize")
	}

	s := &Synthesis{Maps: make([]*mat.Dense, levels)}
	for i, lv := range bands {
		var m *mat.Dense
		if i == 0 {
			m = mat.DenseCopyOf(lv.Approx)
		} else {
			m = combineDetails(lv)
		}
		if !Normalize(m) {
			s.Degenerate = append(s.Degenerate, i+1)
		}
		s.Maps[i] = m
	}
	return s, nil
}

func combineDetails(lv Level) *mat.Dense {
	rows, cols := lv.H.Dims()
	m := mat.NewDense(rows, cols, nil)
	data := m.RawMatrix().Data
	floats.AddScaled(data, WeightH, lv.H.RawMatrix().Data)
	floats.AddScaled(data, WeightV, lv.V.RawMatrix().Data)
	floats.AddScaled(data, WeightD, lv.D.RawMatrix().Data)
	return m
}

// Normalize rescales m in place to zero mean and unit population standard
// deviation. It returns false, leaving m filled with NaN, when m is constant.
func Normalize(m *mat.Dense) bool {
	data := m.RawMatrix().Data
	if len(data) == 0 {
		return false
	}
	mean, std := stat.PopMeanStdDev(data, nil)
	if floats.Max(data) == floats.Min(data) || std == 0 || math.IsNaN(std) {
		for i := range data {
			data[i] = math.NaN()
		}
		return false
	}
	floats.AddConst(-mean, data)
	floats.Scale(1/std, data)
	return true
}
