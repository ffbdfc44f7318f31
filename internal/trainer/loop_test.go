package trainer

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"lrforge/internal/dataset"
	"lrforge/internal/model"
	"lrforge/internal/optim"
	"lrforge/internal/schedule"
)

// oracleModel predicts class shift(label) with fixed confidence, reading the
// label from the first feature.
type oracleModel struct {
	classes    int
	shift      int
	confidence float64
	training   bool
	forwards   int
}

func (o *oracleModel) Forward(inputs [][]float64) (*mat.Dense, error) {
	o.forwards++
	out := mat.NewDense(len(inputs), o.classes, nil)
	rest := math.Log((1 - o.confidence) / float64(o.classes-1))
	for i, in := range inputs {
		pred := (int(in[0]) + o.shift) % o.classes
		for c := 0; c < o.classes; c++ {
			out.Set(i, c, rest)
		}
		out.Set(i, pred, math.Log(o.confidence))
	}
	return out, nil
}

func (o *oracleModel) Backward([]int) error           { return nil }
func (o *oracleModel) ZeroGrad()                      {}
func (o *oracleModel) Parameters() []*model.Parameter { return nil }
func (o *oracleModel) ResetParameters()               {}
func (o *oracleModel) SetTraining(t bool)             { o.training = t }
func (o *oracleModel) Training() bool                 { return o.training }

// labelDataset holds n samples whose single feature equals the label,
// labels cycling through 0..classes-1.
func labelDataset(n, classes int) *dataset.Dataset {
	ds := &dataset.Dataset{NumClasses: classes}
	for i := 0; i < n; i++ {
		ds.Features = append(ds.Features, []float64{float64(i % classes)})
		ds.Labels = append(ds.Labels, i%classes)
	}
	return ds
}

func mustLoader(t *testing.T, ds *dataset.Dataset, batchSize int) *dataset.Loader {
	t.Helper()
	l, err := dataset.NewLoader(ds, batchSize, false, 1)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func TestEvaluatePerfectClassifier(t *testing.T) {
	m := &oracleModel{classes: 4, confidence: 0.9, training: true}
	test := mustLoader(t, labelDataset(12, 4), 4)

	avg, acc, err := Evaluate(m, test)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if acc != 1.0 {
		t.Fatalf("accuracy=%f want 1", acc)
	}
	if math.Abs(avg-(-math.Log(0.9))) > 1e-12 {
		t.Fatalf("avg loss=%f want %f", avg, -math.Log(0.9))
	}
	if m.forwards != 3 {
		t.Fatalf("forwards=%d want 3 batches", m.forwards)
	}
	if !m.Training() {
		t.Fatal("Evaluate must restore training mode")
	}
}

func TestEvaluateAllWrong(t *testing.T) {
	m := &oracleModel{classes: 4, shift: 1, confidence: 0.9}
	_, acc, err := Evaluate(m, mustLoader(t, labelDataset(12, 4), 4))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if acc != 0 {
		t.Fatalf("accuracy=%f want 0", acc)
	}
}

func TestEvaluateDisablesDropout(t *testing.T) {
	train, test := dataset.Synthetic(64, 32, 5, 3, 3)
	m := model.NewMLP(5, 6, 3, 0.5, 3)
	opt := optim.NewSGD(m.Parameters(), 0.05, 0.9, 0)
	trainLoader := mustLoader(t, train, 16)
	testLoader := mustLoader(t, test, 16)

	if _, err := RunEpoch(context.Background(), m, opt, trainLoader, test.Len(), 0); err != nil {
		t.Fatalf("RunEpoch: %v", err)
	}
	loss1, acc1, err := Evaluate(m, testLoader)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	loss2, acc2, err := Evaluate(m, testLoader)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if loss1 != loss2 || acc1 != acc2 {
		t.Fatalf("evaluation not deterministic: (%f,%f) vs (%f,%f)", loss1, acc1, loss2, acc2)
	}
}

func TestRunEpochDividesByGivenDenominator(t *testing.T) {
	m := &oracleModel{classes: 2, confidence: 0.5}
	opt := optim.NewSGD(nil, 0.1, 0, 0)
	train := mustLoader(t, labelDataset(10, 2), 3)

	got, err := RunEpoch(context.Background(), m, opt, train, 5, 1)
	if err != nil {
		t.Fatalf("RunEpoch: %v", err)
	}
	want := -math.Log(0.5) * 10 / 5
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("train loss=%f want %f", got, want)
	}
	if m.forwards != 4 {
		t.Fatalf("forwards=%d want 4", m.forwards)
	}
}

func TestTrainLoopFollowsCosineSchedule(t *testing.T) {
	m := &oracleModel{classes: 3, confidence: 0.8}
	opt := optim.NewSGD(nil, 0.3, 0, 0)
	sched := schedule.NewCosine(opt, 4, 0)
	train := mustLoader(t, labelDataset(9, 3), 3)
	test := mustLoader(t, labelDataset(6, 3), 3)

	log, interrupted, err := TrainLoop(context.Background(), m, opt, sched, train, test, 6, LoopOptions{})
	if err != nil {
		t.Fatalf("TrainLoop: %v", err)
	}
	if interrupted {
		t.Fatal("unexpected interruption")
	}
	recs := log.Records()
	if len(recs) != 6 {
		t.Fatalf("records=%d want 6", len(recs))
	}
	for i, rec := range recs {
		if rec.Epoch != i {
			t.Fatalf("record %d has epoch %d", i, rec.Epoch)
		}
		if want := schedule.CosineAt(0.3, 0, 4, i); math.Abs(rec.LearningRate-want) > 1e-12 {
			t.Fatalf("epoch %d lr=%f want %f", i, rec.LearningRate, want)
		}
		if rec.TestAccuracy != 1 {
			t.Fatalf("epoch %d accuracy=%f", i, rec.TestAccuracy)
		}
		// train loss is normalized by the test set size
		if want := -math.Log(0.8) * 9 / 6; math.Abs(rec.TrainLoss-want) > 1e-12 {
			t.Fatalf("epoch %d train loss=%f want %f", i, rec.TrainLoss, want)
		}
	}
}

func TestTrainLoopNormalizeByTrainSize(t *testing.T) {
	m := &oracleModel{classes: 3, confidence: 0.8}
	opt := optim.NewSGD(nil, 0.3, 0, 0)
	train := mustLoader(t, labelDataset(9, 3), 3)
	test := mustLoader(t, labelDataset(6, 3), 3)
	log, _, err := TrainLoop(context.Background(), m, opt, schedule.NewConstant(opt), train, test, 1,
		LoopOptions{NormalizeByTrainSize: true})
	if err != nil {
		t.Fatalf("TrainLoop: %v", err)
	}
	rec, _ := log.Last()
	if math.Abs(rec.TrainLoss-(-math.Log(0.8))) > 1e-12 {
		t.Fatalf("train loss=%f want %f", rec.TrainLoss, -math.Log(0.8))
	}
}

// cancelAfter cancels the run once the scheduler has advanced n times.
type cancelAfter struct {
	schedule.Scheduler
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) Step() {
	c.Scheduler.Step()
	if c.Epoch() == c.n {
		c.cancel()
	}
}

func TestTrainLoopReturnsCompletedEpochsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &oracleModel{classes: 2, confidence: 0.7}
	opt := optim.NewSGD(nil, 0.1, 0, 0)
	sched := &cancelAfter{Scheduler: schedule.NewConstant(opt), n: 2, cancel: cancel}

	log, interrupted, err := TrainLoop(ctx, m, opt, sched,
		mustLoader(t, labelDataset(4, 2), 2), mustLoader(t, labelDataset(4, 2), 2), 10, LoopOptions{})
	if err != nil {
		t.Fatalf("TrainLoop: %v", err)
	}
	if !interrupted {
		t.Fatal("expected interrupted")
	}
	if log.Len() != 2 {
		t.Fatalf("records=%d want 2", log.Len())
	}
}

func TestPhaseString(t *testing.T) {
	if RunningEpoch.String() != "running_epoch" || Phase(42).String() != "unknown" {
		t.Fatal("unexpected phase names")
	}
}
