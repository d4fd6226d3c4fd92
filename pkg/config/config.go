package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/core"
)

// Config holds the configuration for the L-Softmax layer and the gradcheck tool
type Config struct {
	Layer LayerConfig `json:"layer"`
	Check CheckConfig `json:"check"`
}

// LayerConfig configures the margin classifier head
type LayerConfig struct {
	InFeatures  int        `json:"in_features"`
	OutFeatures int        `json:"out_features"` // number of classes
	Margin      int        `json:"margin"`       // typically 1-4
	Beta        BetaConfig `json:"beta"`
	Seed        int64      `json:"seed"` // 0 = random
}

// BetaConfig configures the annealing of the raw/margin blend
type BetaConfig struct {
	Start float64 `json:"start"`
	Min   float64 `json:"min"`
	Scale float64 `json:"scale"`
}

// CheckConfig configures the numerical gradient check
type CheckConfig struct {
	Batch     int     `json:"batch"`
	Hidden    int     `json:"hidden"`    // width of the Linear projection feeding the head, 0 = none
	Steps     int     `json:"steps"`     // training-mode calls used to report the beta decay
	Epsilon   float64 `json:"epsilon"`   // central difference step
	Tolerance float64 `json:"tolerance"` // max relative error
	Samples   int     `json:"samples"`   // weight entries checked
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Layer: LayerConfig{
			InFeatures:  4,
			OutFeatures: 3,
			Margin:      2,
			Beta: BetaConfig{
				Start: 100,
				Min:   0,
				Scale: 0.99,
			},
			Seed: 1,
		},
		Check: CheckConfig{
			Batch:     8,
			Hidden:    0,
			Steps:     100,
			Epsilon:   1e-2,
			Tolerance: 1e-2,
			Samples:   6,
		},
	}
}

// Load reads a JSON config file. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	l := c.Layer
	switch {
	case l.InFeatures < 1:
		return errors.Wrapf(core.ErrInvalidArgument, "layer.in_features must be positive, got %d", l.InFeatures)
	case l.OutFeatures < 1:
		return errors.Wrapf(core.ErrInvalidArgument, "layer.out_features must be positive, got %d", l.OutFeatures)
	case l.Margin < 1:
		return errors.Wrapf(core.ErrInvalidArgument, "layer.margin must be >= 1, got %d", l.Margin)
	case l.Beta.Min < 0 || l.Beta.Start < l.Beta.Min:
		return errors.Wrapf(core.ErrInvalidArgument, "layer.beta needs 0 <= min <= start, got min=%v start=%v", l.Beta.Min, l.Beta.Start)
	case l.Beta.Scale <= 0 || l.Beta.Scale >= 1:
		return errors.Wrapf(core.ErrInvalidArgument, "layer.beta.scale must be in (0, 1), got %v", l.Beta.Scale)
	}

	k := c.Check
	switch {
	case k.Batch < 1:
		return errors.Wrapf(core.ErrInvalidArgument, "check.batch must be positive, got %d", k.Batch)
	case k.Hidden < 0:
		return errors.Wrapf(core.ErrInvalidArgument, "check.hidden must be >= 0, got %d", k.Hidden)
	case k.Steps < 0:
		return errors.Wrapf(core.ErrInvalidArgument, "check.steps must be >= 0, got %d", k.Steps)
	case k.Epsilon <= 0 || k.Tolerance <= 0:
		return errors.Wrapf(core.ErrInvalidArgument, "check.epsilon and check.tolerance must be positive")
	case k.Samples < 1:
		return errors.Wrapf(core.ErrInvalidArgument, "check.samples must be positive, got %d", k.Samples)
	}
	return nil
}
