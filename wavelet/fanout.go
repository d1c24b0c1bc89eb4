package wavelet

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// FanoutLevels is the decomposition depth of the fused pipeline.
	FanoutLevels = 4
	// StackSize counts the source entry plus one entry per level.
	StackSize = FanoutLevels + 1
)

// Degenerate identifies a constant synthesized map.
type Degenerate struct {
	Channel int
	Level   int
}

// Stack is the fan-out of one image. Planes[0] holds the source channel
// planes and Planes[i] holds level i for every channel.
type Stack struct {
	Planes     [StackSize][]*mat.Dense
	Degenerate []Degenerate
}

// Decompose synthesizes each channel plane independently and stacks the
// results behind a copy of the source planes. All planes must share a shape.
func Decompose(channels []*mat.Dense, b Basis) (*Stack, error) {
	if len(channels) == 0 {
		return nil, errors.New("decompose: no channels")
	}
	rows, cols := channels[0].Dims()
	for c, p := range channels {
		if r, k := p.Dims(); r != rows || k != cols {
			return nil, errors.Errorf("decompose: channel %d is %dx%d, channel 0 is %dx%d", c, r, k, rows, cols)
		}
	}

	s := &Stack{}
	for i := range s.Planes {
		s.Planes[i] = make([]*mat.Dense, len(channels))
	}
	for c, p := range channels {
		s.Planes[0][c] = mat.DenseCopyOf(p)
		syn, err := Synthesize(p, FanoutLevels, b)
		if err != nil {
			return nil, errors.Wrapf(err, "decompose: channel %d", c)
		}
		for l, m := range syn.Maps {
			s.Planes[l+1][c] = m
		}
		for _, l := range syn.Degenerate {
			s.Degenerate = append(s.Degenerate, Degenerate{Channel: c, Level: l})
		}
	}
	return s, nil
}

// Channels returns the channel count.
func (s *Stack) Channels() int { return len(s.Planes[0]) }

// Dims returns the spatial size shared by every plane.
func (s *Stack) Dims() (rows, cols int) { return s.Planes[0][0].Dims() }

// Flatten copies entry i into a channel-major float32 slice of length C*H*W.
func (s *Stack) Flatten(i int) []float32 {
	rows, cols := s.Dims()
	out := make([]float32, 0, s.Channels()*rows*cols)
	for _, p := range s.Planes[i] {
		for r := 0; r < rows; r++ {
			for _, v := range p.RawRowView(r) {
				out = append(out, float32(v))
			}
		}
	}
	return out
}
