package runstore

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"lrforge/internal/lrfinder"
	"lrforge/internal/metrics"
	"lrforge/internal/trainer"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveReportRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	report := &trainer.Report{
		RunID:     "run-1",
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Host:      "test cpu",
		FoundLR:   0.025,
		Finder: &lrfinder.Result{
			LearningRate: 0.025,
			BestLR:       0.1,
			Probes: []lrfinder.Probe{
				{LearningRate: 0.05, Loss: 1.2},
				{LearningRate: 0.1, Loss: 0.9},
				{LearningRate: 0.15, Loss: math.NaN()},
			},
			Aborted: true,
		},
		Epochs: []metrics.EpochRecord{
			{Epoch: 0, TrainLoss: 1.1, TestLoss: 1.0, TestAccuracy: 0.6, LearningRate: 0.025},
			{Epoch: 1, TrainLoss: 0.7, TestLoss: 0.8, TestAccuracy: 0.7, LearningRate: 0.0125},
		},
	}
	if err := s.SaveReport(ctx, report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	epochs, err := s.Epochs(ctx, "run-1")
	if err != nil {
		t.Fatalf("Epochs: %v", err)
	}
	if len(epochs) != 2 || epochs[1] != report.Epochs[1] {
		t.Fatalf("epochs=%+v", epochs)
	}

	probes, err := s.Probes(ctx, "run-1")
	if err != nil {
		t.Fatalf("Probes: %v", err)
	}
	if len(probes) != 3 || probes[1].Loss != 0.9 || !math.IsNaN(probes[2].Loss) {
		t.Fatalf("probes=%+v", probes)
	}

	sum, err := s.Summary(ctx, "run-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.FoundLR != 0.025 || sum.Host != "test cpu" || sum.Interrupted {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestSaveReportRejectsDuplicateRun(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	report := &trainer.Report{RunID: "dup", StartedAt: time.Now(), Interrupted: true}
	if err := s.SaveReport(ctx, report); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveReport(ctx, report); err == nil {
		t.Fatal("expected primary key violation")
	}
	sum, err := s.Summary(ctx, "dup")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !sum.Interrupted {
		t.Fatal("interrupted flag lost")
	}
}

func TestSummaryMissingRun(t *testing.T) {
	if _, err := openTemp(t).Summary(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing run")
	}
}
