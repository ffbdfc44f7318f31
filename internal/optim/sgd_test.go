package optim

import (
	"math"
	"testing"

	"lrforge/internal/model"
)

func TestSGDPlainStep(t *testing.T) {
	p := &model.Parameter{Value: []float64{1, 2}, Grad: []float64{0.5, -1}}
	opt := NewSGD([]*model.Parameter{p}, 0.1, 0, 0)
	opt.Step()
	want := []float64{0.95, 2.1}
	for i := range want {
		if math.Abs(p.Value[i]-want[i]) > 1e-12 {
			t.Fatalf("value[%d]=%f want %f", i, p.Value[i], want[i])
		}
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	p := &model.Parameter{Value: []float64{0}, Grad: []float64{1}}
	opt := NewSGD([]*model.Parameter{p}, 1, 0.9, 0)
	opt.Step()
	opt.Step()
	// v1 = 1, v2 = 0.9 + 1
	if math.Abs(p.Value[0]-(-2.9)) > 1e-12 {
		t.Fatalf("value=%f want -2.9", p.Value[0])
	}
	opt.Reset()
	p.Value[0] = 0
	opt.Step()
	if math.Abs(p.Value[0]-(-1)) > 1e-12 {
		t.Fatalf("value after reset=%f want -1", p.Value[0])
	}
}

func TestSGDWeightDecayLeavesGradIntact(t *testing.T) {
	p := &model.Parameter{Value: []float64{2}, Grad: []float64{1}}
	opt := NewSGD([]*model.Parameter{p}, 0.1, 0, 0.5)
	opt.Step()
	if math.Abs(p.Value[0]-1.8) > 1e-12 {
		t.Fatalf("value=%f want 1.8", p.Value[0])
	}
	if p.Grad[0] != 1 {
		t.Fatalf("grad mutated: %f", p.Grad[0])
	}
	opt.ZeroGrad()
	if p.Grad[0] != 0 {
		t.Fatal("ZeroGrad did not clear gradient")
	}
}

func TestSGDLearningRate(t *testing.T) {
	opt := NewSGD(nil, 0.01, 0, 0)
	opt.SetLearningRate(0.2)
	if opt.LearningRate() != 0.2 {
		t.Fatalf("lr=%f", opt.LearningRate())
	}
}
