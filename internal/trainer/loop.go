package trainer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"lrforge/internal/loss"
	"lrforge/internal/metrics"
	"lrforge/internal/model"
	"lrforge/internal/optim"
	"lrforge/internal/schedule"
)

// Loader is a finite, restartable batch sequence.
type Loader interface {
	Reset()
	Next() (model.Batch, bool)
	Len() int
}

// Phase is the trainer's position within an epoch.
type Phase int

const (
	Idle Phase = iota
	RunningEpoch
	Evaluating
	Logged
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case RunningEpoch:
		return "running_epoch"
	case Evaluating:
		return "evaluating"
	case Logged:
		return "logged"
	default:
		return "unknown"
	}
}

// LoopOptions tunes TrainLoop.
type LoopOptions struct {
	// LogEvery emits a throughput line every N training batches; 0 disables it.
	LogEvery int
	// NormalizeByTrainSize divides the summed train loss by the train set size
	// instead of the test set size.
	NormalizeByTrainSize bool
}

// RunEpoch performs one full training pass and returns the summed
// sample-weighted loss divided by denom.
func RunEpoch(ctx context.Context, m model.Model, opt optim.Optimizer, train Loader, denom, logEvery int) (float64, error) {
	if denom <= 0 {
		return 0, errors.Errorf("trainer: loss denominator must be > 0 (got %d)", denom)
	}
	m.SetTraining(true)
	train.Reset()

	var window metrics.Window
	total := 0.0
	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		startData := time.Now()
		batch, ok := train.Next()
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		l, err := optim.TrainStep(m, opt, batch)
		if err != nil {
			return 0, errors.Wrapf(err, "trainer: batch %d", step)
		}
		computeTime := time.Since(startCompute)

		total += l * float64(batch.Size())
		window.Record(batch.Size(), dataTime, computeTime, l)

		if logEvery > 0 && step%logEvery == 0 {
			snap := window.Snapshot()
			klog.Infof("batch=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
				step,
				snap.SamplesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.MeanLoss,
			)
		}
	}
	return total / float64(denom), nil
}

// Evaluate runs m over test with dropout disabled and returns the mean
// per-sample NLL and top-1 accuracy.
func Evaluate(m model.Model, test Loader) (avgLoss, accuracy float64, err error) {
	n := test.Len()
	if n == 0 {
		return 0, 0, errors.New("trainer: empty test set")
	}
	prev := m.Training()
	m.SetTraining(false)
	defer m.SetTraining(prev)

	test.Reset()
	totalLoss := 0.0
	correct := 0
	for {
		batch, ok := test.Next()
		if !ok {
			break
		}
		out, err := m.Forward(batch.Inputs)
		if err != nil {
			return 0, 0, errors.Wrap(err, "trainer: evaluate forward")
		}
		l, err := loss.NLL(out, batch.Labels, loss.Sum)
		if err != nil {
			return 0, 0, errors.Wrap(err, "trainer: evaluate loss")
		}
		hits, err := loss.Correct(out, batch.Labels)
		if err != nil {
			return 0, 0, errors.Wrap(err, "trainer: evaluate accuracy")
		}
		totalLoss += l
		correct += hits
	}
	return totalLoss / float64(n), float64(correct) / float64(n), nil
}

// TrainLoop runs numEpochs epochs of training and evaluation, advancing sched
// once per epoch. When ctx is cancelled the log of completed epochs is
// returned with interrupted set; the partial epoch is discarded.
func TrainLoop(ctx context.Context, m model.Model, opt optim.Optimizer, sched schedule.Scheduler,
	train, test Loader, numEpochs int, opts LoopOptions) (log *metrics.EpochLog, interrupted bool, err error) {
	log = &metrics.EpochLog{}
	denom := test.Len()
	if opts.NormalizeByTrainSize {
		denom = train.Len()
	}

	phase := Idle
	enter := func(epoch int, next Phase) {
		klog.V(2).Infof("epoch=%d phase=%s->%s", epoch, phase, next)
		phase = next
	}

	for epoch := 0; epoch < numEpochs; epoch++ {
		if ctx.Err() != nil {
			klog.Infof("training interrupted before epoch=%d", epoch)
			return log, true, nil
		}
		enter(epoch, RunningEpoch)
		lr := opt.LearningRate()
		trainLoss, err := RunEpoch(ctx, m, opt, train, denom, opts.LogEvery)
		if err != nil {
			if ctx.Err() != nil {
				klog.Infof("training interrupted during epoch=%d", epoch)
				return log, true, nil
			}
			return log, false, errors.Wrapf(err, "epoch %d", epoch)
		}

		enter(epoch, Evaluating)
		testLoss, acc, err := Evaluate(m, test)
		if err != nil {
			return log, false, errors.Wrapf(err, "epoch %d", epoch)
		}
		log.Append(metrics.EpochRecord{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			TestLoss:     testLoss,
			TestAccuracy: acc,
			LearningRate: lr,
		})
		klog.Infof("epoch=%d train_loss=%.4f test_loss=%.4f test_acc=%.4f lr=%.6g",
			epoch, trainLoss, testLoss, acc, lr)
		sched.Step()
		enter(epoch, Logged)
	}
	enter(numEpochs, Idle)
	return log, false, nil
}
