package optim

import (
	"github.com/pkg/errors"

	"lrforge/internal/loss"
	"lrforge/internal/model"
)

// TrainStep runs one update on batch: zero gradients, forward, mean NLL,
// backward, optimizer step. It returns the batch's mean loss.
func TrainStep(m model.Model, opt Optimizer, batch model.Batch) (float64, error) {
	opt.ZeroGrad()
	out, err := m.Forward(batch.Inputs)
	if err != nil {
		return 0, errors.Wrap(err, "forward")
	}
	l, err := loss.NLL(out, batch.Labels, loss.Mean)
	if err != nil {
		return 0, errors.Wrap(err, "loss")
	}
	if err := m.Backward(batch.Labels); err != nil {
		return 0, errors.Wrap(err, "backward")
	}
	opt.Step()
	return l, nil
}
