package ops_test

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/autograd"
	"github.com/djeday123/lsoftmax/backend"
	_ "github.com/djeday123/lsoftmax/backend/cpu"
	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/ops"
	"github.com/djeday123/lsoftmax/tensor"
)

func param(t *testing.T, data []float32, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(data, shape)
	if err != nil {
		t.Fatal(err)
	}
	x.SetRequiresGrad(true)
	return x
}

// weighted reduces y to sum(y * r) with a fixed, non-uniform r so every
// output element gets a distinct upstream gradient.
func weighted(y *tensor.Tensor) (*tensor.Tensor, error) {
	r := make([]float32, y.NumElements())
	for i := range r {
		r[i] = 0.5 + 0.25*float32(i%5)
	}
	rt, err := tensor.FromSliceOn(r, y.Shape(), y.Device())
	if err != nil {
		return nil, err
	}
	p, err := ops.Mul(y, rt)
	if err != nil {
		return nil, err
	}
	return ops.Sum(p)
}

// checkGrad compares autograd gradients of f against central differences
// for every input.
func checkGrad(t *testing.T, name string, f func() (*tensor.Tensor, error), inputs ...*tensor.Tensor) {
	t.Helper()
	for _, in := range inputs {
		in.SetGrad(nil)
	}
	loss, err := f()
	if err != nil {
		t.Fatalf("%s: forward failed: %v", name, err)
	}
	if err := autograd.Backward(loss); err != nil {
		t.Fatalf("%s: Backward() failed: %v", name, err)
	}

	eval := func() float64 {
		l, err := f()
		if err != nil {
			t.Fatalf("%s: forward failed: %v", name, err)
		}
		v, _ := l.Item()
		return float64(v)
	}

	const eps = 1e-2
	for n, in := range inputs {
		if in.Grad() == nil {
			t.Fatalf("%s: input %d has no gradient", name, n)
		}
		data, grad := in.ToFloat32Slice(), in.Grad().ToFloat32Slice()
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := eval()
			data[i] = orig - eps
			minus := eval()
			data[i] = orig

			num := (plus - minus) / (2 * eps)
			if math.Abs(num-float64(grad[i])) > 1e-2*(1+math.Abs(num)) {
				t.Errorf("%s: input %d [%d]: analytic %v, numeric %v", name, n, i, grad[i], num)
			}
		}
	}
}

func TestElementwiseGradients(t *testing.T) {
	a := param(t, []float32{0.5, -1.2, 2.0, 0.3, 1.1, -0.7}, tensor.Shape{2, 3})
	b := param(t, []float32{1.5, 0.8, -1.3, 2.2, -0.9, 1.7}, tensor.Shape{2, 3})

	checkGrad(t, "add", func() (*tensor.Tensor, error) {
		y, err := ops.Add(a, b)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, a, b)
	checkGrad(t, "sub", func() (*tensor.Tensor, error) {
		y, err := ops.Sub(a, b)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, a, b)
	checkGrad(t, "mul", func() (*tensor.Tensor, error) {
		y, err := ops.Mul(a, b)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, a, b)
	checkGrad(t, "div", func() (*tensor.Tensor, error) {
		y, err := ops.Div(a, b)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, a, b)
	checkGrad(t, "scalar", func() (*tensor.Tensor, error) {
		y, err := ops.MulScalar(a, -1.5)
		if err != nil {
			return nil, err
		}
		if y, err = ops.AddScalar(y, 3); err != nil {
			return nil, err
		}
		return weighted(y)
	}, a)
	for _, p := range []int{0, 1, 2, 3} {
		checkGrad(t, "pow", func() (*tensor.Tensor, error) {
			y, err := ops.Pow(a, p)
			if err != nil {
				return nil, err
			}
			return weighted(y)
		}, a)
	}
	checkGrad(t, "clamp", func() (*tensor.Tensor, error) {
		y, err := ops.Clamp(a, -1, 1)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, a)
}

func TestMatMulGradients(t *testing.T) {
	a := param(t, []float32{0.5, -1.2, 2.0, 0.3, 1.1, -0.7}, tensor.Shape{2, 3})
	b := param(t, []float32{1.5, 0.8, -1.3, 2.2, -0.9, 1.7, 0.4, -0.6, 1.0, 0.2, -0.3, 0.9}, tensor.Shape{3, 4})
	bt := param(t, []float32{1.5, 0.8, -1.3, 2.2, -0.9, 1.7, 0.4, -0.6, 1.0, 0.2, -0.3, 0.9}, tensor.Shape{4, 3})

	checkGrad(t, "matmul", func() (*tensor.Tensor, error) {
		y, err := ops.MatMul(a, b)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, a, b)
	checkGrad(t, "matmul transB", func() (*tensor.Tensor, error) {
		y, err := ops.MatMulTransB(a, bt)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, a, bt)
}

func TestShapeErrors(t *testing.T) {
	a, _ := tensor.Zeros(tensor.Shape{2, 3}, backend.CPU0)
	b, _ := tensor.Zeros(tensor.Shape{2, 3}, backend.CPU0)
	v, _ := tensor.Zeros(tensor.Shape{3}, backend.CPU0)

	if _, err := ops.MatMul(a, b); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("matmul inner mismatch: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ops.MatMul(a, v); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("matmul 1D operand: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ops.Add(a, v); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("add shape mismatch: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ops.Norm(a, 2); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("norm axis 2: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ops.Pow(a, -1); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("negative power: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ops.ScatterRows(a, []int{0, 1}, v); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("scatter values shape: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ops.AddBias(a, b); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("bias shape: expected ErrInvalidArgument, got %v", err)
	}
}

func TestCheckIndices(t *testing.T) {
	cases := []struct {
		name string
		idx  []int
		ok   bool
	}{
		{"valid", []int{0, 2, 1}, true},
		{"short", []int{0, 1}, false},
		{"negative", []int{0, -1, 1}, false},
		{"too large", []int{0, 3, 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ops.CheckIndices(tc.idx, 3, 3)
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, core.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestNormForward(t *testing.T) {
	x, _ := tensor.FromSlice([]float32{3, 4, 0, 0}, tensor.Shape{2, 2})
	rows, err := ops.Norm(x, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := rows.ToFloat32Slice(); got[0] != 5 || got[1] != 0 {
		t.Errorf("row norms %v, want [5 0]", got)
	}
	cols, err := ops.Norm(x, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := cols.ToFloat32Slice(); got[0] != 3 || got[1] != 4 {
		t.Errorf("column norms %v, want [3 4]", got)
	}
}

func TestNormGradients(t *testing.T) {
	x := param(t, []float32{0.5, -1.2, 2.0, 0.3, 1.1, -0.7}, tensor.Shape{2, 3})
	for _, axis := range []int{0, 1} {
		checkGrad(t, "norm", func() (*tensor.Tensor, error) {
			y, err := ops.Norm(x, axis)
			if err != nil {
				return nil, err
			}
			return weighted(y)
		}, x)
	}
}

func TestNormZeroRowGradient(t *testing.T) {
	x := param(t, []float32{0, 0, 1, 2}, tensor.Shape{2, 2})
	y, err := ops.Norm(x, 1)
	if err != nil {
		t.Fatal(err)
	}
	loss, err := ops.Sum(y)
	if err != nil {
		t.Fatal(err)
	}
	if err := autograd.Backward(loss); err != nil {
		t.Fatal(err)
	}
	g := x.Grad().ToFloat32Slice()
	for i, v := range g {
		if math.IsNaN(float64(v)) {
			t.Fatalf("grad[%d] is NaN", i)
		}
	}
	if g[0] != 0 || g[1] != 0 {
		t.Errorf("zero row gradient %v, want zeros", g[:2])
	}
}

func TestIndexGradients(t *testing.T) {
	x := param(t, []float32{0.5, -1.2, 2.0, 0.3, 1.1, -0.7}, tensor.Shape{2, 3})
	v := param(t, []float32{4, -3}, tensor.Shape{2})
	idx := []int{2, 0}

	checkGrad(t, "gather", func() (*tensor.Tensor, error) {
		y, err := ops.GatherRows(x, idx)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, x)
	// repeated columns accumulate
	checkGrad(t, "select", func() (*tensor.Tensor, error) {
		y, err := ops.SelectColumns(x, []int{1, 1, 2})
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, x)
	checkGrad(t, "scatter", func() (*tensor.Tensor, error) {
		y, err := ops.ScatterRows(x, idx, v)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, x, v)
}

func TestScatterRowsForward(t *testing.T) {
	x, _ := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	v, _ := tensor.FromSlice([]float32{-1, -2}, tensor.Shape{2})
	y, err := ops.ScatterRows(x, []int{1, 0}, v)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1, -1, -2, 4}
	for i, got := range y.ToFloat32Slice() {
		if got != want[i] {
			t.Errorf("y[%d] = %v, want %v", i, got, want[i])
		}
	}
	if x.At(0, 1) != 2 {
		t.Error("ScatterRows modified its input")
	}
}

func TestAddBiasGradients(t *testing.T) {
	x := param(t, []float32{0.5, -1.2, 2.0, 0.3, 1.1, -0.7}, tensor.Shape{2, 3})
	b := param(t, []float32{0.1, -0.2, 0.3}, tensor.Shape{3})
	checkGrad(t, "bias", func() (*tensor.Tensor, error) {
		y, err := ops.AddBias(x, b)
		if err != nil {
			return nil, err
		}
		return weighted(y)
	}, x, b)
}

func TestSoftmaxCrossEntropy(t *testing.T) {
	logits := param(t, []float32{1, 2, 3, 0, 0, 0}, tensor.Shape{2, 3})
	targets := []int{2, 1}

	loss, err := ops.SoftmaxCrossEntropy(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	row0 := math.Log(math.Exp(1)+math.Exp(2)+math.Exp(3)) - 3
	row1 := math.Log(3)
	want := (row0 + row1) / 2
	if got, _ := loss.Item(); math.Abs(float64(got)-want) > 1e-5 {
		t.Errorf("loss = %v, want %v", got, want)
	}

	checkGrad(t, "cross entropy", func() (*tensor.Tensor, error) {
		return ops.SoftmaxCrossEntropy(logits, targets)
	}, logits)

	if _, err := ops.SoftmaxCrossEntropy(logits, []int{3, 0}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSoftmaxCrossEntropyLargeLogits(t *testing.T) {
	logits, _ := tensor.FromSlice([]float32{1000, 0, -1000}, tensor.Shape{1, 3})
	loss, err := ops.SoftmaxCrossEntropy(logits, []int{0})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := loss.Item(); math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) || v > 1e-6 {
		t.Errorf("loss = %v, want ~0", v)
	}
}

func TestNoGradWithoutRequiresGrad(t *testing.T) {
	a, _ := tensor.FromSlice([]float32{1, 2}, tensor.Shape{2})
	b, _ := tensor.FromSlice([]float32{3, 4}, tensor.Shape{2})
	y, err := ops.Mul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if y.RequiresGrad() || y.GradFn() != nil {
		t.Error("ops on constants must not record a graph")
	}

	a.SetRequiresGrad(true)
	for name, f := range map[string]func(*tensor.Tensor) (*tensor.Tensor, error){
		"acos":  ops.Acos,
		"floor": ops.Floor,
	} {
		out, err := f(a)
		if err != nil {
			t.Fatal(err)
		}
		if out.GradFn() != nil {
			t.Errorf("%s recorded a gradient", name)
		}
	}
}
