package metrics

import "time"

// Window accumulates per-batch timing and loss between log lines.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
}

// Record adds one batch to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss * float64(batchSize)
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.samples > 0 {
		snap.MeanLoss = w.lossSum / float64(w.samples)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable throughput metrics.
type Snapshot struct {
	Steps         int
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	MeanLoss      float64
	LastLoss      float64
}
