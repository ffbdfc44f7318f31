// Package dataset provides labeled in-memory partitions, the readers that
// build them and the batch iterators the trainer consumes.
package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Dataset is a finite labeled partition held in memory.
type Dataset struct {
	Features   [][]float64
	Labels     []int
	NumClasses int
}

// Len reports the number of samples.
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Dim reports the feature width, or 0 for an empty dataset.
func (d *Dataset) Dim() int {
	if len(d.Features) == 0 {
		return 0
	}
	return len(d.Features[0])
}

// Validate checks that features and labels line up.
func (d *Dataset) Validate() error {
	if len(d.Features) != len(d.Labels) {
		return errors.Errorf("dataset: %d feature rows for %d labels", len(d.Features), len(d.Labels))
	}
	dim := d.Dim()
	for i, row := range d.Features {
		if len(row) != dim {
			return errors.Errorf("dataset: row %d has width %d, want %d", i, len(row), dim)
		}
	}
	for i, l := range d.Labels {
		if l < 0 || l >= d.NumClasses {
			return errors.Errorf("dataset: label %d at row %d out of range [0,%d)", l, i, d.NumClasses)
		}
	}
	return nil
}

// Stats is a single mean/std pair applied to every feature.
type Stats struct {
	Mean float64
	Std  float64
}

// Normalize standardizes both partitions in place using statistics from train.
func Normalize(train, test *Dataset) Stats {
	all := make([]float64, 0, train.Len()*train.Dim())
	for _, row := range train.Features {
		all = append(all, row...)
	}
	mean, std := stat.MeanStdDev(all, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	for _, ds := range []*Dataset{train, test} {
		if ds == nil {
			continue
		}
		for _, row := range ds.Features {
			for j := range row {
				row[j] = (row[j] - mean) / std
			}
		}
	}
	return Stats{Mean: mean, Std: std}
}

// Synthetic builds train and test partitions of dim-wide Gaussian blobs
// around one random center per class. The same seed always yields the same data.
func Synthetic(trainN, testN, dim, classes int, seed int64) (train, test *Dataset) {
	rng := rand.New(rand.NewSource(seed))
	centers := make([][]float64, classes)
	for c := range centers {
		centers[c] = make([]float64, dim)
		for j := range centers[c] {
			centers[c][j] = rng.NormFloat64() * 2
		}
	}
	draw := func(n int) *Dataset {
		ds := &Dataset{NumClasses: classes}
		for i := 0; i < n; i++ {
			label := rng.Intn(classes)
			row := make([]float64, dim)
			for j := range row {
				row[j] = centers[label][j] + rng.NormFloat64()
			}
			ds.Features = append(ds.Features, row)
			ds.Labels = append(ds.Labels, label)
		}
		return ds
	}
	return draw(trainN), draw(testN)
}
