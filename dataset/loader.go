package dataset

import (
	"math/rand"

	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/swtnet"
	"github.com/openfluke/swtnet/wavelet"
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	Device    nn.Device
}

// Loader yields batches from a Dataset. The final batch of an epoch may be
// smaller than BatchSize.
type Loader struct {
	ds      *Dataset
	config  LoaderConfig
	rng     *rand.Rand
	indices []int
	pos     int
}

// NewLoader creates a loader positioned at the start of an epoch.
func NewLoader(ds *Dataset, config LoaderConfig) *Loader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	l := &Loader{
		ds:      ds,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
		indices: make([]int, ds.Len()),
	}
	for i := range l.indices {
		l.indices[i] = i
	}
	l.Reset()
	return l
}

// Reset starts a new epoch, reshuffling when configured.
func (l *Loader) Reset() {
	l.pos = 0
	if l.config.Shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return (len(l.indices) + l.config.BatchSize - 1) / l.config.BatchSize
}

// Next returns the next batch, or false once the epoch is exhausted.
func (l *Loader) Next() (*swtnet.Batch, bool) {
	if l.pos >= len(l.indices) {
		return nil, false
	}
	end := l.pos + l.config.BatchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	picked := l.indices[l.pos:end]
	l.pos = end

	n := len(picked)
	c, s := l.ds.Channels, l.ds.ImageSize
	per := c * s * s

	b := &swtnet.Batch{Labels: make([]int, n)}
	for e := range b.Inputs {
		t := nn.NewTensor(n, c, s, s)
		t.Device = l.config.Device
		b.Inputs[e] = t
	}
	for row, idx := range picked {
		sample := &l.ds.Samples[idx]
		b.Labels[row] = sample.Label
		for e := range b.Inputs {
			copy(b.Inputs[e].Data[row*per:(row+1)*per], sample.Data[e])
		}
	}
	return b, true
}

// StackBatch wraps one decomposed image as a batch of size one.
func StackBatch(stack *wavelet.Stack, device nn.Device) *swtnet.Batch {
	rows, cols := stack.Dims()
	b := &swtnet.Batch{}
	for e := range b.Inputs {
		t := nn.NewTensorFromSlice(stack.Flatten(e), 1, stack.Channels(), rows, cols)
		t.Device = device
		b.Inputs[e] = t
	}
	return b
}
