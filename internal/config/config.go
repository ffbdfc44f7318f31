package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Data sources accepted by Config.Source.
const (
	SourceSynthetic = "synthetic"
	SourceShards    = "shards"
	SourceMNIST     = "mnist"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Source      string          `yaml:"source"`
	TrainRoot   string          `yaml:"train_root"`
	TestRoot    string          `yaml:"test_root"`
	MNISTDir    string          `yaml:"mnist_dir"`
	FeatureGrid int             `yaml:"feature_grid"`
	NumClasses  int             `yaml:"num_classes"`
	Synthetic   SyntheticConfig `yaml:"synthetic"`

	BatchSize     int   `yaml:"batch_size"`
	TestBatchSize int   `yaml:"test_batch_size"`
	Epochs        int   `yaml:"epochs"`
	Seed          int64 `yaml:"seed"`
	LogEvery      int   `yaml:"log_every"`

	Model     ModelConfig     `yaml:"model"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Finder    FinderConfig    `yaml:"finder"`
	Schedule  ScheduleConfig  `yaml:"schedule"`

	// LearningRate skips the range test when > 0.
	LearningRate float64 `yaml:"learning_rate"`

	NormalizeTrainLossByTrainSize bool   `yaml:"normalize_train_loss_by_train_size"`
	DBPath                        string `yaml:"db_path"`
}

// SyntheticConfig sizes the generated Gaussian-blob dataset.
type SyntheticConfig struct {
	TrainSize int `yaml:"train_size"`
	TestSize  int `yaml:"test_size"`
	Dim       int `yaml:"dim"`
	Classes   int `yaml:"classes"`
}

type ModelConfig struct {
	HiddenUnits int     `yaml:"hidden_units"`
	Dropout     float64 `yaml:"dropout"`
}

type OptimizerConfig struct {
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
}

// FinderConfig configures the learning-rate range test.
type FinderConfig struct {
	InitLR         float64 `yaml:"init_lr"`
	MaxLR          float64 `yaml:"max_lr"`
	NumSteps       int     `yaml:"num_steps"`
	BatchesPerStep int     `yaml:"batches_per_step"`
}

type ScheduleConfig struct {
	Kind string `yaml:"kind"`
	// TMax is the annealing period in epochs; 0 means the run's epoch count.
	TMax   int     `yaml:"t_max"`
	EtaMin float64 `yaml:"eta_min"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Epochs       int
	BatchSize    int
	Seed         int64
	LogEvery     int
	LearningRate float64
	DBPath       string
}

// Default returns a runnable synthetic configuration.
func Default() *Config {
	c := &Config{}
	c.fillDefaults()
	return c
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.DBPath != "" {
		c.DBPath = o.DBPath
	}
}

func (c *Config) fillDefaults() {
	if c.Source == "" {
		c.Source = SourceSynthetic
	}
	if c.FeatureGrid <= 0 {
		c.FeatureGrid = 16
	}
	if c.NumClasses <= 0 {
		c.NumClasses = 10
	}
	if c.Synthetic.TrainSize <= 0 {
		c.Synthetic.TrainSize = 2000
	}
	if c.Synthetic.TestSize <= 0 {
		c.Synthetic.TestSize = 500
	}
	if c.Synthetic.Dim <= 0 {
		c.Synthetic.Dim = 32
	}
	if c.Synthetic.Classes <= 0 {
		c.Synthetic.Classes = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.TestBatchSize <= 0 {
		c.TestBatchSize = 1000
	}
	if c.Epochs <= 0 {
		c.Epochs = 10
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.Finder.InitLR <= 0 {
		c.Finder.InitLR = 1e-5
	}
	if c.Finder.MaxLR <= 0 {
		c.Finder.MaxLR = 1
	}
	if c.Finder.NumSteps <= 0 {
		c.Finder.NumSteps = 100
	}
	if c.Finder.BatchesPerStep <= 0 {
		c.Finder.BatchesPerStep = 5
	}
	if c.Schedule.Kind == "" {
		c.Schedule.Kind = "cosine"
	}
}

// Validate fills defaults and verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	c.fillDefaults()
	switch c.Source {
	case SourceSynthetic:
	case SourceShards:
		if c.TrainRoot == "" || c.TestRoot == "" {
			return errors.New("both train_root and test_root must be set for shards")
		}
	case SourceMNIST:
		if c.MNISTDir == "" {
			return errors.New("mnist_dir must be set for mnist")
		}
	default:
		return errors.Errorf("unknown source %q", c.Source)
	}
	if c.Model.HiddenUnits < 0 {
		return errors.Errorf("model.hidden_units must be >= 0 (got %d)", c.Model.HiddenUnits)
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		return errors.Errorf("model.dropout must be in [0,1) (got %g)", c.Model.Dropout)
	}
	if c.Optimizer.Momentum < 0 || c.Optimizer.Momentum >= 1 {
		return errors.Errorf("optimizer.momentum must be in [0,1) (got %g)", c.Optimizer.Momentum)
	}
	if c.Optimizer.WeightDecay < 0 {
		return errors.Errorf("optimizer.weight_decay must be >= 0 (got %g)", c.Optimizer.WeightDecay)
	}
	if c.Finder.MaxLR <= c.Finder.InitLR {
		return errors.Errorf("finder.max_lr %g must exceed finder.init_lr %g", c.Finder.MaxLR, c.Finder.InitLR)
	}
	if c.LearningRate < 0 {
		return errors.Errorf("learning_rate must be >= 0 (got %g)", c.LearningRate)
	}
	switch c.Schedule.Kind {
	case "cosine", "constant":
	default:
		return errors.Errorf("unknown schedule.kind %q", c.Schedule.Kind)
	}
	if c.Schedule.EtaMin < 0 {
		return errors.Errorf("schedule.eta_min must be >= 0 (got %g)", c.Schedule.EtaMin)
	}
	return nil
}
