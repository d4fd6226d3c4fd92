package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/combin"

	"github.com/djeday123/lsoftmax/core"
)

const (
	// normEps keeps cos = logit / (|w||x| + normEps) finite for zero vectors.
	normEps = 1e-10
	// acosEps pulls cos into (-1, 1) before the inverse cosine.
	acosEps = 1e-7
)

// MarginTables holds the constants of the multiple-angle expansion
//
//	cos(m*theta) = sum_n (-1)^n * C(m, 2n) * cos^(m-2n)(theta) * (1 - cos^2(theta))^n
//
// for n = 0..m/2. Entry n of every slice describes the same term.
type MarginTables struct {
	Margin     int
	Binom      []float64 // C(m, 2n)
	CosPowers  []int     // m - 2n
	Sin2Powers []int     // n
	Signs      []float64 // (-1)^n
	Divisor    float64   // pi / m
}

// NewMarginTables precomputes the expansion constants for margin m >= 1.
func NewMarginTables(m int) (MarginTables, error) {
	if m < 1 {
		return MarginTables{}, errors.Wrapf(core.ErrInvalidArgument, "margin must be >= 1, got %d", m)
	}
	terms := m/2 + 1
	mt := MarginTables{
		Margin:     m,
		Binom:      make([]float64, terms),
		CosPowers:  make([]int, terms),
		Sin2Powers: make([]int, terms),
		Signs:      make([]float64, terms),
		Divisor:    math.Pi / float64(m),
	}
	for n := 0; n < terms; n++ {
		mt.Binom[n] = float64(combin.Binomial(m, 2*n))
		mt.CosPowers[n] = m - 2*n
		mt.Sin2Powers[n] = n
		mt.Signs[n] = 1
		if n%2 == 1 {
			mt.Signs[n] = -1
		}
	}
	return mt, nil
}

// Terms returns the number of expansion terms, m/2 + 1.
func (mt MarginTables) Terms() int {
	return len(mt.Binom)
}

// CosMTheta evaluates cos(m*theta) from c = cos(theta) with the expansion.
func (mt MarginTables) CosMTheta(c float64) float64 {
	sin2 := 1 - c*c
	sum := 0.0
	for n := range mt.Binom {
		sum += mt.Signs[n] * mt.Binom[n] * math.Pow(c, float64(mt.CosPowers[n])) * math.Pow(sin2, float64(mt.Sin2Powers[n]))
	}
	return sum
}

// IntervalIndex returns k = floor(acos(c) * m / pi), the monotonic segment
// of cos(m*theta) that contains theta. c is clamped into (-1, 1) first.
func (mt MarginTables) IntervalIndex(c float64) int {
	c = math.Max(-1+acosEps, math.Min(1-acosEps, c))
	return mt.IntervalIndexAngle(math.Acos(c))
}

// IntervalIndexAngle returns floor(theta / (pi/m)) limited to [0, m-1], so
// theta = pi falls in the last segment.
func (mt MarginTables) IntervalIndexAngle(theta float64) int {
	k := int(math.Floor(theta / mt.Divisor))
	if k < 0 {
		return 0
	}
	if k > mt.Margin-1 {
		return mt.Margin - 1
	}
	return k
}

// Psi is the margin target function (-1)^k * cos(m*theta) - 2k for c = cos(theta).
// It decreases monotonically in theta over [0, pi].
func (mt MarginTables) Psi(c float64) float64 {
	k := mt.IntervalIndex(c)
	sign := 1.0
	if k%2 == 1 {
		sign = -1
	}
	return sign*mt.CosMTheta(c) - 2*float64(k)
}
