package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"lrforge/internal/config"
	"lrforge/internal/dataset"
	"lrforge/internal/lrfinder"
	"lrforge/internal/runstore"
	"lrforge/internal/trainer"
)

type options struct {
	configPath string
	overrides  config.Overrides
}

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "", "Path to YAML config; built-in synthetic defaults when empty")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch-size", 0, "Training batch size")
	seed := flag.Int64("seed", 0, "PRNG seed")
	lr := flag.Float64("lr", 0, "Fixed learning rate; skips the range test")
	dbPath := flag.String("db", "", "SQLite database to record runs in")
	logEvery := flag.Int("log-every", 0, "Log throughput every N batches")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, options{
		configPath: *cfgPath,
		overrides: config.Overrides{
			Epochs:       *epochs,
			BatchSize:    *batchSize,
			Seed:         *seed,
			LogEvery:     *logEvery,
			LearningRate: *lr,
			DBPath:       *dbPath,
		},
	})
	stop()
	if err != nil {
		klog.Errorf("lrforge: %v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func run(ctx context.Context, opts options) error {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
	}

	cfg.ApplyOverrides(opts.overrides)

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	host := hostDescription()
	klog.Infof("host=%q", host)

	train, test, err := loadData(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "load data")
	}
	stats := dataset.Normalize(train, test)
	klog.Infof("source=%s train=%d test=%d mean=%.4f std=%.4f",
		cfg.Source, train.Len(), test.Len(), stats.Mean, stats.Std)

	runCfg := trainer.RunConfig{
		Train:         train,
		Test:          test,
		BatchSize:     cfg.BatchSize,
		TestBatchSize: cfg.TestBatchSize,
		Epochs:        cfg.Epochs,
		Seed:          cfg.Seed,
		LogEvery:      cfg.LogEvery,
		HiddenUnits:   cfg.Model.HiddenUnits,
		Dropout:       cfg.Model.Dropout,
		Momentum:      cfg.Optimizer.Momentum,
		WeightDecay:   cfg.Optimizer.WeightDecay,
		Finder: lrfinder.Options{
			InitLR:         cfg.Finder.InitLR,
			MaxLR:          cfg.Finder.MaxLR,
			NumSteps:       cfg.Finder.NumSteps,
			BatchesPerStep: cfg.Finder.BatchesPerStep,
		},
		LearningRate:         cfg.LearningRate,
		Schedule:             cfg.Schedule.Kind,
		TMax:                 cfg.Schedule.TMax,
		EtaMin:               cfg.Schedule.EtaMin,
		NormalizeByTrainSize: cfg.NormalizeTrainLossByTrainSize,
		Host:                 host,
	}

	if cfg.DBPath != "" {
		store, err := runstore.Open(cfg.DBPath)
		if err != nil {
			return errors.Wrap(err, "open run store")
		}
		defer store.Close()
		runCfg.Store = store
	}

	report, err := trainer.Run(ctx, runCfg)
	if err != nil {
		return errors.Wrap(err, "training failed")
	}
	if report.Interrupted {
		klog.Infof("run=%s interrupted after %d epochs", report.RunID, len(report.Epochs))
		return nil
	}
	if n := len(report.Epochs); n > 0 {
		last := report.Epochs[n-1]
		klog.Infof("run=%s done lr=%.6g test_loss=%.4f test_acc=%.4f",
			report.RunID, report.FoundLR, last.TestLoss, last.TestAccuracy)
	}
	return nil
}

func loadData(ctx context.Context, cfg *config.Config) (train, test *dataset.Dataset, err error) {
	switch cfg.Source {
	case config.SourceSynthetic:
		s := cfg.Synthetic
		train, test = dataset.Synthetic(s.TrainSize, s.TestSize, s.Dim, s.Classes, cfg.Seed)
		return train, test, nil
	case config.SourceMNIST:
		return dataset.LoadMNIST(cfg.MNISTDir)
	case config.SourceShards:
		train, err = loadShardRoot(ctx, cfg.TrainRoot, cfg)
		if err != nil {
			return nil, nil, err
		}
		test, err = loadShardRoot(ctx, cfg.TestRoot, cfg)
		if err != nil {
			return nil, nil, err
		}
		return train, test, nil
	default:
		return nil, nil, errors.Errorf("unknown source %q", cfg.Source)
	}
}

func loadShardRoot(ctx context.Context, root string, cfg *config.Config) (*dataset.Dataset, error) {
	shards, err := dataset.DiscoverShards(root)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, errors.Errorf("no shards discovered under %s", root)
	}
	klog.Infof("root=%s shards=%d", root, len(shards))
	return dataset.LoadShards(ctx, shards, cfg.FeatureGrid, cfg.NumClasses)
}

func hostDescription() string {
	return fmt.Sprintf("%s cores=%d avx2=%t fma3=%t",
		cpuid.CPU.BrandName,
		cpuid.CPU.PhysicalCores,
		cpuid.CPU.Supports(cpuid.AVX2),
		cpuid.CPU.Supports(cpuid.FMA3),
	)
}
