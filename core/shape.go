package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the shape.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // scalar
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int {
	return len(s)
}

// Equal checks if two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int(s))
}

// Validate rejects negative dimensions.
func (s Shape) Validate() error {
	for i, d := range s {
		if d < 0 {
			return errors.Wrapf(ErrInvalidArgument, "shape %v: dim %d is negative", s, i)
		}
	}
	return nil
}

// Matrix returns rows and cols of a 2D shape.
func (s Shape) Matrix() (rows, cols int, err error) {
	if len(s) != 2 {
		return 0, 0, errors.Wrapf(ErrInvalidArgument, "expected 2D shape, got %v", s)
	}
	return s[0], s[1], nil
}
