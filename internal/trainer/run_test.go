package trainer

import (
	"context"
	"testing"

	"lrforge/internal/dataset"
	"lrforge/internal/lrfinder"
)

type memoryStore struct {
	reports []*Report
}

func (m *memoryStore) SaveReport(_ context.Context, r *Report) error {
	m.reports = append(m.reports, r)
	return nil
}

func runConfig(store Store) RunConfig {
	train, test := dataset.Synthetic(400, 100, 8, 3, 21)
	return RunConfig{
		Train:       train,
		Test:        test,
		BatchSize:   32,
		Epochs:      5,
		Seed:        21,
		HiddenUnits: 16,
		Momentum:    0.9,
		Finder: lrfinder.Options{
			InitLR:         1e-4,
			MaxLR:          1,
			NumSteps:       25,
			BatchesPerStep: 3,
		},
		Store: store,
	}
}

func TestRunEndToEnd(t *testing.T) {
	store := &memoryStore{}
	report, err := Run(context.Background(), runConfig(store))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.RunID == "" {
		t.Fatal("missing run id")
	}
	if report.Finder == nil || report.FoundLR != report.Finder.BestLR/4 {
		t.Fatalf("found lr %g does not match finder result %+v", report.FoundLR, report.Finder)
	}
	if len(report.Epochs) != 5 {
		t.Fatalf("epochs=%d want 5", len(report.Epochs))
	}
	if report.Epochs[0].LearningRate != report.FoundLR {
		t.Fatalf("first epoch lr=%g want %g", report.Epochs[0].LearningRate, report.FoundLR)
	}
	for i := 1; i < len(report.Epochs); i++ {
		if report.Epochs[i].LearningRate >= report.Epochs[i-1].LearningRate {
			t.Fatalf("cosine schedule should decrease within its period: %+v", report.Epochs)
		}
	}
	if last := report.Epochs[len(report.Epochs)-1]; last.TestAccuracy < 0.5 {
		t.Fatalf("final accuracy %.3f too low", last.TestAccuracy)
	}
	if len(store.reports) != 1 || store.reports[0] != report {
		t.Fatal("report was not saved")
	}
}

func TestRunFixedLearningRateSkipsFinder(t *testing.T) {
	cfg := runConfig(nil)
	cfg.LearningRate = 0.05
	cfg.Epochs = 1
	cfg.Schedule = ScheduleConstant
	report, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Finder != nil || report.FoundLR != 0.05 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunInterruptedBeforeTraining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := &memoryStore{}
	report, err := Run(ctx, runConfig(store))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Interrupted || len(report.Epochs) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(store.reports) != 1 {
		t.Fatal("interrupted run should still be saved")
	}
}

func TestRunRejectsUnknownSchedule(t *testing.T) {
	cfg := runConfig(nil)
	cfg.LearningRate = 0.01
	cfg.Schedule = "linear"
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown schedule")
	}
}

func TestRunRejectsUnusableDatasets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *RunConfig)
	}{
		{"empty train", func(cfg *RunConfig) { cfg.Train = &dataset.Dataset{NumClasses: 3} }},
		{"empty test", func(cfg *RunConfig) { cfg.Test = &dataset.Dataset{NumClasses: 3} }},
		{"no classes", func(cfg *RunConfig) { cfg.Train.NumClasses = 0 }},
		{"width mismatch", func(cfg *RunConfig) {
			cfg.Test = &dataset.Dataset{Features: [][]float64{{1, 2}}, Labels: []int{0}, NumClasses: 3}
		}},
		{"label out of range", func(cfg *RunConfig) { cfg.Train.Labels[0] = 7 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &memoryStore{}
			cfg := runConfig(store)
			tc.mutate(&cfg)
			report, err := Run(context.Background(), cfg)
			if err == nil {
				t.Fatalf("expected error, got report with %d epochs", len(report.Epochs))
			}
			if len(store.reports) != 0 {
				t.Fatal("rejected run should not be saved")
			}
		})
	}
}
