package nn

import (
	"testing"

	"github.com/pkg/errors"
)

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()
	if s.Start != 100 || s.Min != 0 || s.Scale != 0.99 {
		t.Fatalf("DefaultSchedule() = %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("default schedule invalid: %v", err)
	}
}

func TestAnnealerDecay(t *testing.T) {
	a := NewAnnealer(DefaultSchedule())
	if a.Beta() != 100 {
		t.Fatalf("initial beta = %v, want 100", a.Beta())
	}

	next := a.Decay()
	if a.Beta() != 100 {
		t.Errorf("Decay mutated the receiver: %v", a.Beta())
	}
	if next.Beta() != 99 {
		t.Errorf("beta after one step = %v, want 99", next.Beta())
	}

	prev := next.Beta()
	for i := 0; i < 500; i++ {
		next = next.Decay()
		if next.Beta() >= prev {
			t.Fatalf("step %d: beta %v did not decrease from %v", i, next.Beta(), prev)
		}
		if next.Beta() < 0 {
			t.Fatalf("step %d: beta %v below floor", i, next.Beta())
		}
		prev = next.Beta()
	}
}

func TestAnnealerFloor(t *testing.T) {
	a := NewAnnealer(Schedule{Start: 10, Min: 5, Scale: 0.5})
	a = a.Decay()
	if a.Beta() != 5 {
		t.Fatalf("beta = %v, want floor 5", a.Beta())
	}
	for i := 0; i < 10; i++ {
		a = a.Decay()
		if a.Beta() != 5 {
			t.Fatalf("beta left the floor: %v", a.Beta())
		}
	}
}

func TestScheduleValidate(t *testing.T) {
	bad := []Schedule{
		{Start: 1, Min: -1, Scale: 0.5},
		{Start: 1, Min: 2, Scale: 0.5},
		{Start: 1, Min: 0, Scale: 0},
		{Start: 1, Min: 0, Scale: 1},
		{Start: 1, Min: 0, Scale: 1.5},
	}
	for _, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%+v: expected ErrInvalidArgument, got %v", s, err)
		}
	}
}
