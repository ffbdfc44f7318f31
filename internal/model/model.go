package model

import "gonum.org/v1/gonum/mat"

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Size reports the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Inputs)
}

// Parameter is a flat learnable tensor and its accumulated gradient.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
}

// Model defines the training surface shared by the range finder and the trainer.
//
// Forward returns one row of per-class log-probabilities per input. Backward
// accumulates the gradient of the sample-mean negative log-likelihood of the
// most recent Forward call into each Parameter's Grad.
type Model interface {
	Forward(inputs [][]float64) (*mat.Dense, error)
	Backward(labels []int) error
	ZeroGrad()
	Parameters() []*Parameter
	ResetParameters()
	SetTraining(training bool)
	Training() bool
}
