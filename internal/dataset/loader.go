package dataset

import (
	"math/rand"

	"github.com/pkg/errors"

	"lrforge/internal/model"
)

// ErrEmpty is returned when a data source cannot produce a single batch.
var ErrEmpty = errors.New("dataset: no batches")

// Loader walks a Dataset in fixed-size batches. The final batch of a pass may
// be smaller. Reset starts a fresh pass.
type Loader struct {
	ds        *Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewLoader returns a loader positioned at the start of its first pass.
func NewLoader(ds *Dataset, batchSize int, shuffle bool, seed int64) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("dataset: nil dataset")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset: batch size must be > 0 (got %d)", batchSize)
	}
	l := &Loader{
		ds:        ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		order:     make([]int, ds.Len()),
	}
	for i := range l.order {
		l.order[i] = i
	}
	l.Reset()
	return l, nil
}

// Reset rewinds to the first batch, reshuffling when enabled.
func (l *Loader) Reset() {
	l.pos = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// Next returns the next batch of the current pass, or false once it is exhausted.
func (l *Loader) Next() (model.Batch, bool) {
	if l.pos >= len(l.order) {
		return model.Batch{}, false
	}
	end := l.pos + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	idx := l.order[l.pos:end]
	batch := model.Batch{
		Inputs: make([][]float64, len(idx)),
		Labels: make([]int, len(idx)),
	}
	for i, j := range idx {
		batch.Inputs[i] = l.ds.Features[j]
		batch.Labels[i] = l.ds.Labels[j]
	}
	l.pos = end
	return batch, true
}

// Len reports the number of samples per pass.
func (l *Loader) Len() int { return len(l.order) }

// BatchSize reports the configured batch size.
func (l *Loader) BatchSize() int { return l.batchSize }

// NumBatches reports the number of batches per pass.
func (l *Loader) NumBatches() int {
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

// Cycle turns a Loader into an unbounded batch stream by restarting it on
// exhaustion.
type Cycle struct {
	loader *Loader
	passes int
}

// NewCycle rewinds loader and wraps it.
func NewCycle(loader *Loader) *Cycle {
	loader.Reset()
	return &Cycle{loader: loader}
}

// Next returns the next batch, restarting the underlying loader when needed.
// It only fails if the loader is empty.
func (c *Cycle) Next() (model.Batch, error) {
	if b, ok := c.loader.Next(); ok {
		return b, nil
	}
	c.loader.Reset()
	c.passes++
	if b, ok := c.loader.Next(); ok {
		return b, nil
	}
	return model.Batch{}, ErrEmpty
}

// Passes reports how many times the loader has been restarted.
func (c *Cycle) Passes() int { return c.passes }
