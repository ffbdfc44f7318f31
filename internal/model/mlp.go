package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MLP is a small perceptron classifier: optional input dropout, an optional
// ReLU hidden layer and a log-softmax head. With zero hidden units it reduces
// to a linear softmax classifier.
type MLP struct {
	inputSize  int
	numClasses int
	dropout    float64
	training   bool
	rng        *rand.Rand
	layers     []*linear

	// cached by Forward for Backward
	acts     []*mat.Dense
	logProbs *mat.Dense
}

type linear struct {
	in, out int
	weight  *Parameter
	bias    *Parameter
}

// NewMLP constructs the model with a fresh random initialization.
func NewMLP(inputSize, hiddenUnits, numClasses int, dropout float64, seed int64) *MLP {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 64
	}
	if dropout < 0 || dropout >= 1 {
		dropout = 0
	}
	m := &MLP{
		inputSize:  inputSize,
		numClasses: numClasses,
		dropout:    dropout,
		training:   true,
		rng:        rand.New(rand.NewSource(seed)),
	}
	widths := []int{inputSize}
	if hiddenUnits > 0 {
		widths = append(widths, hiddenUnits)
	}
	widths = append(widths, numClasses)
	for i := 0; i+1 < len(widths); i++ {
		in, out := widths[i], widths[i+1]
		m.layers = append(m.layers, &linear{
			in:     in,
			out:    out,
			weight: &Parameter{Name: layerName(i, "weight"), Value: make([]float64, in*out), Grad: make([]float64, in*out)},
			bias:   &Parameter{Name: layerName(i, "bias"), Value: make([]float64, out), Grad: make([]float64, out)},
		})
	}
	m.ResetParameters()
	return m
}

func layerName(i int, kind string) string {
	return "fc" + string(rune('1'+i)) + "." + kind
}

// InputSize reports the expected feature width.
func (m *MLP) InputSize() int { return m.inputSize }

// NumClasses reports the width of the output distribution.
func (m *MLP) NumClasses() int { return m.numClasses }

// ResetParameters draws every weight and bias from U(-1/sqrt(fanIn), 1/sqrt(fanIn))
// and clears gradients.
func (m *MLP) ResetParameters() {
	for _, l := range m.layers {
		bound := 1 / math.Sqrt(float64(l.in))
		for i := range l.weight.Value {
			l.weight.Value[i] = (m.rng.Float64()*2 - 1) * bound
		}
		for i := range l.bias.Value {
			l.bias.Value[i] = (m.rng.Float64()*2 - 1) * bound
		}
	}
	m.ZeroGrad()
	m.acts = nil
	m.logProbs = nil
}

// Parameters returns the learnable tensors in layer order.
func (m *MLP) Parameters() []*Parameter {
	params := make([]*Parameter, 0, 2*len(m.layers))
	for _, l := range m.layers {
		params = append(params, l.weight, l.bias)
	}
	return params
}

// ZeroGrad clears accumulated gradients.
func (m *MLP) ZeroGrad() {
	for _, p := range m.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// SetTraining toggles dropout.
func (m *MLP) SetTraining(training bool) { m.training = training }

// Training reports whether dropout is active.
func (m *MLP) Training() bool { return m.training }

// Forward computes per-class log-probabilities for each input row.
func (m *MLP) Forward(inputs [][]float64) (*mat.Dense, error) {
	if len(inputs) == 0 {
		return nil, errors.New("model: empty batch")
	}
	n := len(inputs)
	x := mat.NewDense(n, m.inputSize, nil)
	for i, row := range inputs {
		if len(row) != m.inputSize {
			return nil, errors.Errorf("model: input %d has width %d, want %d", i, len(row), m.inputSize)
		}
		x.SetRow(i, row)
	}
	if m.training && m.dropout > 0 {
		keep := 1 - m.dropout
		x.Apply(func(_, _ int, v float64) float64 {
			if m.rng.Float64() < m.dropout {
				return 0
			}
			return v / keep
		}, x)
	}

	acts := []*mat.Dense{x}
	a := x
	for li, l := range m.layers {
		w := mat.NewDense(l.out, l.in, l.weight.Value)
		z := mat.NewDense(n, l.out, nil)
		z.Mul(a, w.T())
		z.Apply(func(_, j int, v float64) float64 {
			return v + l.bias.Value[j]
		}, z)
		if li < len(m.layers)-1 {
			z.Apply(func(_, _ int, v float64) float64 {
				return math.Max(v, 0)
			}, z)
			acts = append(acts, z)
		}
		a = z
	}
	logSoftmaxRows(a)

	m.acts = acts
	m.logProbs = a
	return mat.DenseCopyOf(a), nil
}

// Backward accumulates gradients of the mean NLL for the cached forward pass.
func (m *MLP) Backward(labels []int) error {
	if m.logProbs == nil {
		return errors.New("model: backward called before forward")
	}
	n, c := m.logProbs.Dims()
	if len(labels) != n {
		return errors.Errorf("model: got %d labels for %d outputs", len(labels), n)
	}
	delta := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		label := labels[i]
		if label < 0 || label >= c {
			return errors.Errorf("model: label %d out of range [0,%d)", label, c)
		}
		for j := 0; j < c; j++ {
			g := math.Exp(m.logProbs.At(i, j))
			if j == label {
				g -= 1
			}
			delta.Set(i, j, g/float64(n))
		}
	}

	for li := len(m.layers) - 1; li >= 0; li-- {
		l := m.layers[li]
		in := m.acts[li]

		var gw mat.Dense
		gw.Mul(delta.T(), in)
		wGrad := mat.NewDense(l.out, l.in, l.weight.Grad)
		wGrad.Add(wGrad, &gw)
		for j := 0; j < l.out; j++ {
			l.bias.Grad[j] += mat.Sum(delta.ColView(j))
		}

		if li == 0 {
			break
		}
		w := mat.NewDense(l.out, l.in, l.weight.Value)
		var prev mat.Dense
		prev.Mul(delta, w)
		// ReLU gate: the cached activation is zero wherever the pre-activation was clipped.
		prev.Apply(func(i, j int, v float64) float64 {
			if in.At(i, j) <= 0 {
				return 0
			}
			return v
		}, &prev)
		delta = &prev
	}
	return nil
}

func logSoftmaxRows(d *mat.Dense) {
	rows, _ := d.Dims()
	for i := 0; i < rows; i++ {
		row := d.RawRowView(i)
		maxV := row[0]
		for _, v := range row {
			if v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - maxV)
		}
		lse := maxV + math.Log(sum)
		for j := range row {
			row[j] -= lse
		}
	}
}
