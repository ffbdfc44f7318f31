package trainer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"lrforge/internal/dataset"
	"lrforge/internal/lrfinder"
	"lrforge/internal/metrics"
	"lrforge/internal/model"
	"lrforge/internal/optim"
	"lrforge/internal/schedule"
)

// Schedule kinds accepted by RunConfig.
const (
	ScheduleCosine   = "cosine"
	ScheduleConstant = "constant"
)

// RunConfig captures the knobs required by a full run.
type RunConfig struct {
	Train *dataset.Dataset
	Test  *dataset.Dataset

	BatchSize     int
	TestBatchSize int
	Epochs        int
	Seed          int64
	LogEvery      int

	HiddenUnits int
	Dropout     float64
	Momentum    float64
	WeightDecay float64

	Finder lrfinder.Options
	// LearningRate skips the range test when > 0.
	LearningRate float64

	Schedule string
	TMax     int
	EtaMin   float64

	NormalizeByTrainSize bool

	Host  string
	Store Store
}

// Report is everything a run produced.
type Report struct {
	RunID       string
	StartedAt   time.Time
	Host        string
	FoundLR     float64
	Finder      *lrfinder.Result
	Epochs      []metrics.EpochRecord
	Interrupted bool
}

// Store persists finished or interrupted runs.
type Store interface {
	SaveReport(ctx context.Context, r *Report) error
}

// Run sweeps for a learning rate, reinitializes the model and trains it on a
// cosine schedule.
func Run(ctx context.Context, cfg RunConfig) (*Report, error) {
	if cfg.Train == nil || cfg.Test == nil {
		return nil, errors.New("trainer: train and test sets are required")
	}
	if cfg.Train.Len() == 0 || cfg.Train.Dim() == 0 {
		return nil, errors.New("trainer: training set is empty")
	}
	if cfg.Test.Len() == 0 {
		return nil, errors.New("trainer: test set is empty")
	}
	if cfg.Train.NumClasses <= 0 {
		return nil, errors.Errorf("trainer: training set has %d classes", cfg.Train.NumClasses)
	}
	if cfg.Test.Dim() != cfg.Train.Dim() {
		return nil, errors.Errorf("trainer: test width %d does not match train width %d", cfg.Test.Dim(), cfg.Train.Dim())
	}
	if err := cfg.Train.Validate(); err != nil {
		return nil, errors.Wrap(err, "trainer: training set")
	}
	if err := cfg.Test.Validate(); err != nil {
		return nil, errors.Wrap(err, "trainer: test set")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.TestBatchSize <= 0 {
		cfg.TestBatchSize = cfg.BatchSize
	}
	if cfg.TMax <= 0 {
		cfg.TMax = cfg.Epochs
	}

	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now().UTC(), Host: cfg.Host}
	klog.Infof("run=%s train=%d test=%d dim=%d classes=%d",
		report.RunID, cfg.Train.Len(), cfg.Test.Len(), cfg.Train.Dim(), cfg.Train.NumClasses)

	trainLoader, err := dataset.NewLoader(cfg.Train, cfg.BatchSize, true, cfg.Seed)
	if err != nil {
		return nil, errors.Wrap(err, "train loader")
	}
	testLoader, err := dataset.NewLoader(cfg.Test, cfg.TestBatchSize, false, cfg.Seed)
	if err != nil {
		return nil, errors.Wrap(err, "test loader")
	}

	mdl := model.NewMLP(cfg.Train.Dim(), cfg.HiddenUnits, cfg.Train.NumClasses, cfg.Dropout, cfg.Seed)
	opt := optim.NewSGD(mdl.Parameters(), cfg.Finder.InitLR, cfg.Momentum, cfg.WeightDecay)

	report.FoundLR = cfg.LearningRate
	if report.FoundLR <= 0 {
		res, err := lrfinder.FindLearningRate(ctx, mdl, opt, dataset.NewCycle(trainLoader), cfg.Finder)
		if err != nil {
			if ctx.Err() != nil {
				report.Interrupted = true
				return report, save(ctx, cfg.Store, report)
			}
			return nil, err
		}
		report.Finder = res
		report.FoundLR = res.LearningRate
		klog.Infof("lrfinder best_lr=%.6g best_loss=%.4f aborted=%t recommended_lr=%.6g",
			res.BestLR, res.BestLoss, res.Aborted, res.LearningRate)
	}

	mdl.ResetParameters()
	opt.Reset()
	opt.SetLearningRate(report.FoundLR)

	var sched schedule.Scheduler
	switch cfg.Schedule {
	case ScheduleConstant:
		sched = schedule.NewConstant(opt)
	case "", ScheduleCosine:
		sched = schedule.NewCosine(opt, cfg.TMax, cfg.EtaMin)
	default:
		return nil, errors.Errorf("trainer: unknown schedule %q", cfg.Schedule)
	}

	epochs, interrupted, err := TrainLoop(ctx, mdl, opt, sched, trainLoader, testLoader, cfg.Epochs, LoopOptions{
		LogEvery:             cfg.LogEvery,
		NormalizeByTrainSize: cfg.NormalizeByTrainSize,
	})
	report.Epochs = epochs.Records()
	report.Interrupted = interrupted
	if err != nil {
		return report, err
	}
	return report, save(ctx, cfg.Store, report)
}

func save(ctx context.Context, store Store, r *Report) error {
	if store == nil {
		return nil
	}
	if err := store.SaveReport(context.WithoutCancel(ctx), r); err != nil {
		return errors.Wrap(err, "save report")
	}
	return nil
}
