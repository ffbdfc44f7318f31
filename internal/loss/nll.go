// Package loss implements the negative log-likelihood objective over
// per-class log-probabilities.
package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Reduction selects how per-sample losses are aggregated.
type Reduction int

const (
	// Mean averages over samples; used for training steps.
	Mean Reduction = iota
	// Sum adds per-sample losses; used during evaluation.
	Sum
)

// NLL returns the negative log-likelihood of labels under logProbs.
func NLL(logProbs *mat.Dense, labels []int, reduction Reduction) (float64, error) {
	if logProbs == nil {
		return 0, errors.New("loss: nil output")
	}
	rows, cols := logProbs.Dims()
	if rows != len(labels) {
		return 0, errors.Errorf("loss: %d outputs for %d labels", rows, len(labels))
	}
	total := 0.0
	for i, label := range labels {
		if label < 0 || label >= cols {
			return 0, errors.Errorf("loss: label %d out of range [0,%d)", label, cols)
		}
		total -= logProbs.At(i, label)
	}
	switch reduction {
	case Sum:
		return total, nil
	case Mean:
		if rows == 0 {
			return math.NaN(), nil
		}
		return total / float64(rows), nil
	default:
		return 0, errors.Errorf("loss: unknown reduction %d", reduction)
	}
}

// Argmax returns the index of the largest value; the first one wins ties.
func Argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// Correct counts rows whose argmax equals the label.
func Correct(logProbs *mat.Dense, labels []int) (int, error) {
	rows, _ := logProbs.Dims()
	if rows != len(labels) {
		return 0, errors.Errorf("loss: %d outputs for %d labels", rows, len(labels))
	}
	hits := 0
	for i, label := range labels {
		if Argmax(logProbs.RawRowView(i)) == label {
			hits++
		}
	}
	return hits, nil
}
