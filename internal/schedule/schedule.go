// Package schedule adjusts an optimizer's learning rate once per epoch.
package schedule

import (
	"math"

	"lrforge/internal/optim"
)

// Scheduler advances the learning rate independently of observed losses.
type Scheduler interface {
	Step()
	LearningRate() float64
	Epoch() int
}

// Cosine anneals from a base rate toward etaMin over tMax epochs.
type Cosine struct {
	opt    optim.Optimizer
	baseLR float64
	etaMin float64
	tMax   int
	epoch  int
}

// NewCosine takes baseLR from the optimizer's current rate.
func NewCosine(opt optim.Optimizer, tMax int, etaMin float64) *Cosine {
	if tMax <= 0 {
		tMax = 1
	}
	return &Cosine{
		opt:    opt,
		baseLR: opt.LearningRate(),
		etaMin: etaMin,
		tMax:   tMax,
	}
}

// CosineAt is the closed-form annealed rate after epoch steps.
func CosineAt(baseLR, etaMin float64, tMax, epoch int) float64 {
	return etaMin + (baseLR-etaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(tMax)))/2
}

// Step moves to the next epoch and applies its rate to the optimizer.
func (c *Cosine) Step() {
	c.epoch++
	c.opt.SetLearningRate(CosineAt(c.baseLR, c.etaMin, c.tMax, c.epoch))
}

// LearningRate returns the optimizer's current rate.
func (c *Cosine) LearningRate() float64 { return c.opt.LearningRate() }

// Epoch returns the number of Step calls so far.
func (c *Cosine) Epoch() int { return c.epoch }

// Constant leaves the optimizer's rate untouched.
type Constant struct {
	opt   optim.Optimizer
	epoch int
}

// NewConstant wraps opt without changing its rate.
func NewConstant(opt optim.Optimizer) *Constant {
	return &Constant{opt: opt}
}

func (c *Constant) Step()                 { c.epoch++ }
func (c *Constant) LearningRate() float64 { return c.opt.LearningRate() }
func (c *Constant) Epoch() int            { return c.epoch }
