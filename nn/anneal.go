package nn

import (
	"math"

	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/core"
)

// Schedule describes how the blend coefficient beta decays during training.
// Large beta keeps the raw logit dominant; as beta shrinks the margin takes over.
type Schedule struct {
	Start float64 `json:"start"` // beta before the first training step
	Min   float64 `json:"min"`   // floor, beta never drops below it
	Scale float64 `json:"scale"` // multiplicative decay per training step, in (0, 1)
}

// DefaultSchedule starts at 100 and decays by 0.99 per step towards 0.
func DefaultSchedule() Schedule {
	return Schedule{Start: 100, Min: 0, Scale: 0.99}
}

// Validate checks that the schedule decays monotonically towards a non-negative floor.
func (s Schedule) Validate() error {
	if s.Min < 0 || math.IsNaN(s.Min) {
		return errors.Wrapf(core.ErrInvalidArgument, "beta min must be >= 0, got %v", s.Min)
	}
	if s.Start < s.Min || math.IsNaN(s.Start) || math.IsInf(s.Start, 0) {
		return errors.Wrapf(core.ErrInvalidArgument, "beta start %v must be finite and >= min %v", s.Start, s.Min)
	}
	if !(s.Scale > 0 && s.Scale < 1) {
		return errors.Wrapf(core.ErrInvalidArgument, "beta scale must be in (0, 1), got %v", s.Scale)
	}
	return nil
}

// Annealer is the current beta together with its schedule. It is a value:
// Decay returns the next state and leaves the receiver untouched.
type Annealer struct {
	schedule Schedule
	beta     float64
}

// NewAnnealer starts the schedule at max(Start, Min).
func NewAnnealer(s Schedule) Annealer {
	return Annealer{schedule: s, beta: math.Max(s.Start, s.Min)}
}

// Beta returns the coefficient used by the next training step.
func (a Annealer) Beta() float64 { return a.beta }

// Schedule returns the schedule driving this annealer.
func (a Annealer) Schedule() Schedule { return a.schedule }

// Decay returns the state after one training step: beta * scale, floored at min.
func (a Annealer) Decay() Annealer {
	a.beta = math.Max(a.beta*a.schedule.Scale, a.schedule.Min)
	return a
}
