package cpu

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/djeday123/lsoftmax/backend"
	"github.com/djeday123/lsoftmax/core"
)

// Backend implements backend.Backend for CPU.
type Backend struct{}

func init() {
	backend.Register(&Backend{})
}

func (b *Backend) Name() string                   { return "cpu" }
func (b *Backend) DeviceType() backend.DeviceType { return backend.CPU }

// ---- Memory ----

func (b *Backend) Alloc(n int, dtype core.DType) (backend.Storage, error) {
	if dtype != core.Float32 {
		return nil, errors.Errorf("alloc: only float32 supported on cpu, got %s", dtype)
	}
	if n < 0 {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "alloc: negative length %d", n)
	}
	return newStorage(n), nil
}

func (b *Backend) Free(s backend.Storage) {
	s.Free()
}

func (b *Backend) Copy(dst, src backend.Storage) error {
	d, s := f32(dst), f32(src)
	if len(d) != len(s) {
		return errors.Errorf("copy: length mismatch %d != %d", len(d), len(s))
	}
	copy(d, s)
	return nil
}

func (b *Backend) Fill(dst backend.Storage, value float32) error {
	d := f32(dst)
	for i := range d {
		d[i] = value
	}
	return nil
}

// ---- Unary ops ----

func (b *Backend) Acos(dst, src backend.Storage) error {
	return unaryOp(dst, src, func(x float32) float32 {
		return float32(math.Acos(float64(x)))
	})
}

func (b *Backend) Floor(dst, src backend.Storage) error {
	return unaryOp(dst, src, func(x float32) float32 {
		return float32(math.Floor(float64(x)))
	})
}

func (b *Backend) Pow(dst, src backend.Storage, p int) error {
	return unaryOp(dst, src, func(x float32) float32 { return ipow(x, p) })
}

func (b *Backend) Clamp(dst, src backend.Storage, lo, hi float32) error {
	if lo > hi {
		return errors.Wrapf(core.ErrInvalidArgument, "clamp: lo %v > hi %v", lo, hi)
	}
	return unaryOp(dst, src, func(x float32) float32 {
		switch {
		case x < lo:
			return lo
		case x > hi:
			return hi
		}
		return x
	})
}

func (b *Backend) AddScalar(dst, src backend.Storage, s float32) error {
	return unaryOp(dst, src, func(x float32) float32 { return x + s })
}

func (b *Backend) MulScalar(dst, src backend.Storage, s float32) error {
	return unaryOp(dst, src, func(x float32) float32 { return x * s })
}

// ---- Binary ops ----

func (b *Backend) Add(dst, a, bStore backend.Storage) error {
	return binaryOp(dst, a, bStore, func(x, y float32) float32 { return x + y })
}

func (b *Backend) Sub(dst, a, bStore backend.Storage) error {
	return binaryOp(dst, a, bStore, func(x, y float32) float32 { return x - y })
}

func (b *Backend) Mul(dst, a, bStore backend.Storage) error {
	return binaryOp(dst, a, bStore, func(x, y float32) float32 { return x * y })
}

func (b *Backend) Div(dst, a, bStore backend.Storage) error {
	return binaryOp(dst, a, bStore, func(x, y float32) float32 { return x / y })
}

// ---- Reduction ops ----

func (b *Backend) Sum(dst, src backend.Storage) error {
	d := f32(dst)
	if len(d) != 1 {
		return errors.Errorf("sum: dst must hold 1 element, has %d", len(d))
	}
	acc := float64(0)
	for _, x := range f32(src) {
		acc += float64(x)
	}
	d[0] = float32(acc)
	return nil
}

func (b *Backend) Norm(dst, src backend.Storage, rows, cols, axis int) error {
	s, d := f32(src), f32(dst)
	if len(s) != rows*cols {
		return errors.Errorf("norm: src has %d elements, want %dx%d", len(s), rows, cols)
	}
	switch axis {
	case 1:
		if len(d) != rows {
			return errors.Errorf("norm: dst has %d elements, want %d", len(d), rows)
		}
		for i := 0; i < rows; i++ {
			d[i] = blas32.Nrm2(blas32.Vector{N: cols, Data: s[i*cols : (i+1)*cols], Inc: 1})
		}
	case 0:
		if len(d) != cols {
			return errors.Errorf("norm: dst has %d elements, want %d", len(d), cols)
		}
		for j := 0; j < cols; j++ {
			if rows == 0 {
				d[j] = 0
				continue
			}
			d[j] = blas32.Nrm2(blas32.Vector{N: rows, Data: s[j:], Inc: cols})
		}
	default:
		return errors.Wrapf(core.ErrInvalidArgument, "norm: axis %d out of range for 2D", axis)
	}
	return nil
}

// ---- Indexing ----

func (b *Backend) GatherRows(dst, src backend.Storage, rows, cols int, idx []int) error {
	s, d := f32(src), f32(dst)
	if len(d) != rows || len(idx) != rows || len(s) != rows*cols {
		return errors.Errorf("gather: bad lengths dst=%d idx=%d src=%d for %dx%d", len(d), len(idx), len(s), rows, cols)
	}
	for i, j := range idx {
		d[i] = s[i*cols+j]
	}
	return nil
}

func (b *Backend) SelectColumns(dst, src backend.Storage, rows, cols int, idx []int) error {
	s, d := f32(src), f32(dst)
	n := len(idx)
	if len(d) != rows*n || len(s) != rows*cols {
		return errors.Errorf("select: bad lengths dst=%d src=%d for %dx%d", len(d), len(s), rows, cols)
	}
	for r := 0; r < rows; r++ {
		for c, j := range idx {
			d[r*n+c] = s[r*cols+j]
		}
	}
	return nil
}

func (b *Backend) ScatterRows(dst, src, values backend.Storage, rows, cols int, idx []int) error {
	s, d, v := f32(src), f32(dst), f32(values)
	if len(d) != len(s) || len(s) != rows*cols || len(v) != rows || len(idx) != rows {
		return errors.Errorf("scatter: bad lengths dst=%d src=%d values=%d idx=%d for %dx%d",
			len(d), len(s), len(v), len(idx), rows, cols)
	}
	copy(d, s)
	for i, j := range idx {
		d[i*cols+j] = v[i]
	}
	return nil
}

// ---- MatMul ----

func (b *Backend) MatMul(dst, a, bStore backend.Storage, m, k, n int, transA, transB bool) error {
	aData, bData, cData := f32(a), f32(bStore), f32(dst)
	if len(aData) != m*k || len(bData) != k*n || len(cData) != m*n {
		return errors.Errorf("matmul: bad lengths a=%d b=%d c=%d for m=%d k=%d n=%d",
			len(aData), len(bData), len(cData), m, k, n)
	}
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 {
		for i := range cData {
			cData[i] = 0
		}
		return nil
	}

	ta, tb := blas.NoTrans, blas.NoTrans
	aGen := blas32.General{Rows: m, Cols: k, Stride: k, Data: aData}
	if transA {
		ta = blas.Trans
		aGen = blas32.General{Rows: k, Cols: m, Stride: m, Data: aData}
	}
	bGen := blas32.General{Rows: k, Cols: n, Stride: n, Data: bData}
	if transB {
		tb = blas.Trans
		bGen = blas32.General{Rows: n, Cols: k, Stride: k, Data: bData}
	}
	cGen := blas32.General{Rows: m, Cols: n, Stride: n, Data: cData}
	blas32.Gemm(ta, tb, 1, aGen, bGen, 0, cGen)
	return nil
}

// ---- Helpers ----

func f32(s backend.Storage) []float32 {
	return s.Float32()
}

func unaryOp(dst, src backend.Storage, fn func(float32) float32) error {
	d, s := f32(dst), f32(src)
	if len(d) != len(s) {
		return errors.Errorf("unary: length mismatch %d != %d", len(d), len(s))
	}
	for i, x := range s {
		d[i] = fn(x)
	}
	return nil
}

func binaryOp(dst, a, b backend.Storage, fn func(float32, float32) float32) error {
	d, x, y := f32(dst), f32(a), f32(b)
	if len(x) != len(y) || len(d) != len(x) {
		return errors.Errorf("binary: length mismatch dst=%d a=%d b=%d", len(d), len(x), len(y))
	}
	for i := range d {
		d[i] = fn(x[i], y[i])
	}
	return nil
}

// ipow raises x to a non-negative integer power. x^0 is 1 for every x.
func ipow(x float32, p int) float32 {
	r := float32(1)
	for ; p > 0; p-- {
		r *= x
	}
	return r
}
