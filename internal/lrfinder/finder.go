// Package lrfinder implements the learning-rate range test: short bursts of
// training at linearly increasing rates, used to pick a starting rate.
package lrfinder

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"lrforge/internal/model"
	"lrforge/internal/optim"
)

// divergenceFactor bounds how far a step's loss may rise above the best seen
// before the sweep stops. The recommended rate is the best rate divided by the
// same factor.
const divergenceFactor = 4

// BatchSource yields an unbounded stream of batches.
type BatchSource interface {
	Next() (model.Batch, error)
}

// Options configures a sweep.
type Options struct {
	InitLR         float64
	MaxLR          float64
	NumSteps       int
	BatchesPerStep int
}

// Validate reports whether the sweep can run.
func (o Options) Validate() error {
	if !(o.InitLR > 0) {
		return errors.Errorf("lrfinder: init lr must be > 0 (got %g)", o.InitLR)
	}
	if !(o.MaxLR > o.InitLR) {
		return errors.Errorf("lrfinder: max lr %g must exceed init lr %g", o.MaxLR, o.InitLR)
	}
	if o.NumSteps < 1 {
		return errors.Errorf("lrfinder: num steps must be >= 1 (got %d)", o.NumSteps)
	}
	if o.BatchesPerStep < 1 {
		return errors.Errorf("lrfinder: batches per step must be >= 1 (got %d)", o.BatchesPerStep)
	}
	return nil
}

// StepSize is the linear increment between probed rates.
func (o Options) StepSize() float64 {
	return (o.MaxLR - o.InitLR) / float64(o.NumSteps)
}

// State is the mutable search record.
type State struct {
	CurrentLR float64
	BestLR    float64
	BestLoss  float64
}

// Probe is the mean loss observed at one rate.
type Probe struct {
	LearningRate float64
	Loss         float64
}

// Result summarizes a sweep.
type Result struct {
	// LearningRate is the recommended starting rate, BestLR/4.
	LearningRate float64
	BestLR       float64
	BestLoss     float64
	Probes       []Probe
	// Aborted is set when the sweep stopped on a NaN or diverging loss.
	Aborted bool
}

// FindLearningRate sweeps rates from InitLR toward MaxLR, training for
// BatchesPerStep+1 batches at each rate, and recommends a quarter of the rate
// with the lowest sample-weighted mean loss. A NaN loss, or one above four
// times the best so far, ends the sweep early with the same recommendation.
//
// The sweep trains m in place; callers reset its parameters before real use.
func FindLearningRate(ctx context.Context, m model.Model, opt optim.Optimizer, src BatchSource, o Options) (*Result, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	step := o.StepSize()
	st := State{CurrentLR: o.InitLR, BestLR: o.InitLR, BestLoss: math.Inf(1)}
	res := &Result{Probes: make([]Probe, 0, o.NumSteps)}
	finish := func(aborted bool) *Result {
		res.BestLR = st.BestLR
		res.BestLoss = st.BestLoss
		res.LearningRate = st.BestLR / divergenceFactor
		res.Aborted = aborted
		return res
	}

	m.SetTraining(true)
	opt.SetLearningRate(st.CurrentLR)
	for i := 0; i < o.NumSteps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "lrfinder: interrupted")
		}

		mean, err := probe(m, opt, src, o.BatchesPerStep+1)
		if err != nil {
			return nil, errors.Wrapf(err, "lrfinder: step %d lr=%g", i, st.CurrentLR)
		}
		res.Probes = append(res.Probes, Probe{LearningRate: st.CurrentLR, Loss: mean})
		klog.V(2).Infof("lrfinder step=%d lr=%.6g loss=%.4f best_lr=%.6g best_loss=%.4f",
			i, st.CurrentLR, mean, st.BestLR, st.BestLoss)

		if math.IsNaN(mean) || mean > divergenceFactor*st.BestLoss {
			klog.Infof("lrfinder diverged step=%d lr=%.6g loss=%.4f", i, st.CurrentLR, mean)
			return finish(true), nil
		}
		if mean < st.BestLoss {
			st.BestLoss = mean
			st.BestLR = st.CurrentLR
		}

		st.CurrentLR += step
		opt.SetLearningRate(st.CurrentLR)
	}
	return finish(false), nil
}

// probe trains on the next n batches at the optimizer's current rate, one
// optimizer step per batch, and returns the sample-weighted mean loss.
func probe(m model.Model, opt optim.Optimizer, src BatchSource, n int) (float64, error) {
	total := 0.0
	samples := 0
	for b := 0; b < n; b++ {
		batch, err := src.Next()
		if err != nil {
			return 0, errors.Wrap(err, "next batch")
		}
		l, err := optim.TrainStep(m, opt, batch)
		if err != nil {
			return 0, err
		}
		total += l * float64(batch.Size())
		samples += batch.Size()
	}
	return total / float64(samples), nil
}
