// Package optim holds the parameter update rules used during training.
package optim

import (
	"gonum.org/v1/gonum/floats"

	"lrforge/internal/model"
)

// Optimizer applies accumulated gradients to a fixed set of parameters.
type Optimizer interface {
	Step()
	ZeroGrad()
	LearningRate() float64
	SetLearningRate(lr float64)
	Reset()
}

// SGD is stochastic gradient descent with optional momentum and L2 weight decay.
type SGD struct {
	params      []*model.Parameter
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    [][]float64
	scratch     []float64
}

// NewSGD binds an optimizer to params.
func NewSGD(params []*model.Parameter, lr, momentum, weightDecay float64) *SGD {
	s := &SGD{
		params:      params,
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
	}
	s.Reset()
	return s
}

// Step updates every parameter: v = momentum*v + (g + wd*w); w -= lr*v.
func (s *SGD) Step() {
	for i, p := range s.params {
		g := s.gradient(p)
		if s.momentum == 0 {
			floats.AddScaled(p.Value, -s.lr, g)
			continue
		}
		v := s.velocity[i]
		floats.Scale(s.momentum, v)
		floats.Add(v, g)
		floats.AddScaled(p.Value, -s.lr, v)
	}
}

func (s *SGD) gradient(p *model.Parameter) []float64 {
	if s.weightDecay == 0 {
		return p.Grad
	}
	if cap(s.scratch) < len(p.Grad) {
		s.scratch = make([]float64, len(p.Grad))
	}
	g := s.scratch[:len(p.Grad)]
	floats.AddScaledTo(g, p.Grad, s.weightDecay, p.Value)
	return g
}

// ZeroGrad clears the gradients of every bound parameter.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// LearningRate returns the rate used by the next Step.
func (s *SGD) LearningRate() float64 { return s.lr }

// SetLearningRate replaces the rate used by subsequent steps.
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

// Reset drops momentum state.
func (s *SGD) Reset() {
	s.velocity = make([][]float64, len(s.params))
	for i, p := range s.params {
		s.velocity[i] = make([]float64, len(p.Value))
	}
}
