package ops

import (
	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/backend"
	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/tensor"
)

// ---- Autograd function implementations ----

type addGradFn struct {
	a, b *tensor.Tensor
}

func (f *addGradFn) Name() string             { return "AddBackward" }
func (f *addGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *addGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// d(a+b)/da = 1, d(a+b)/db = 1
	return []*tensor.Tensor{grad, grad}
}

type subGradFn struct {
	a, b *tensor.Tensor
}

func (f *subGradFn) Name() string             { return "SubBackward" }
func (f *subGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *subGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	gradB, _ := MulScalar(grad, -1)
	return []*tensor.Tensor{grad, gradB}
}

type mulGradFn struct {
	a, b *tensor.Tensor
}

func (f *mulGradFn) Name() string             { return "MulBackward" }
func (f *mulGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *mulGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// d(a*b)/da = b, d(a*b)/db = a
	gradA, _ := Mul(grad, f.b.Detach())
	gradB, _ := Mul(grad, f.a.Detach())
	return []*tensor.Tensor{gradA, gradB}
}

type divGradFn struct {
	a, b *tensor.Tensor
}

func (f *divGradFn) Name() string             { return "DivBackward" }
func (f *divGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *divGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// d(a/b)/da = 1/b, d(a/b)/db = -a/b^2
	a, b := f.a.Detach(), f.b.Detach()
	gradA, _ := Div(grad, b)
	q, _ := Div(gradA, b)
	q, _ = Mul(q, a)
	gradB, _ := MulScalar(q, -1)
	return []*tensor.Tensor{gradA, gradB}
}

type scaleGradFn struct {
	input *tensor.Tensor
	s     float32
}

func (f *scaleGradFn) Name() string             { return "MulScalarBackward" }
func (f *scaleGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *scaleGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	g, _ := MulScalar(grad, f.s)
	return []*tensor.Tensor{g}
}

type shiftGradFn struct {
	input *tensor.Tensor
}

func (f *shiftGradFn) Name() string             { return "AddScalarBackward" }
func (f *shiftGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *shiftGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{grad}
}

type powGradFn struct {
	input *tensor.Tensor
	p     int
}

func (f *powGradFn) Name() string             { return "PowBackward" }
func (f *powGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *powGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// d(x^p)/dx = p * x^(p-1), zero for p = 0
	if f.p == 0 {
		g, _ := tensor.Zeros(grad.Shape(), grad.Device())
		return []*tensor.Tensor{g}
	}
	d, _ := Pow(f.input.Detach(), f.p-1)
	d, _ = MulScalar(d, float32(f.p))
	g, _ := Mul(grad, d)
	return []*tensor.Tensor{g}
}

type clampGradFn struct {
	input  *tensor.Tensor
	lo, hi float32
}

func (f *clampGradFn) Name() string             { return "ClampBackward" }
func (f *clampGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *clampGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	x := f.input.ToFloat32Slice()
	gData := grad.ToFloat32Slice()
	out := make([]float32, len(x))
	for i, v := range x {
		if v >= f.lo && v <= f.hi {
			out[i] = gData[i]
		}
	}
	g, _ := tensor.FromSliceOn(out, grad.Shape(), grad.Device())
	return []*tensor.Tensor{g}
}

// ---- Public API ----

func getBackend(t *tensor.Tensor) (backend.Backend, error) {
	return backend.GetForDevice(t.Device())
}

func allocOutput(bk backend.Backend, shape tensor.Shape) (*tensor.Tensor, error) {
	store, err := bk.Alloc(shape.NumElements(), tensor.Float32)
	if err != nil {
		return nil, errors.Wrap(err, "alloc output")
	}
	return tensor.NewTensor(store, shape, tensor.Float32), nil
}

func needsGrad(tensors ...*tensor.Tensor) bool {
	for _, t := range tensors {
		if t.RequiresGrad() {
			return true
		}
	}
	return false
}

func attach(out *tensor.Tensor, fn tensor.GradFn, inputs ...*tensor.Tensor) *tensor.Tensor {
	if needsGrad(inputs...) {
		out.SetRequiresGrad(true)
		out.SetGradFn(fn)
	}
	return out
}

func sameShape(op string, a, b *tensor.Tensor) error {
	if !a.Shape().Equal(b.Shape()) {
		return errors.Wrapf(core.ErrInvalidArgument, "%s: shapes %v and %v differ", op, a.Shape(), b.Shape())
	}
	if a.Device() != b.Device() {
		return errors.Wrapf(core.ErrInvalidArgument, "%s: devices %s and %s differ", op, a.Device(), b.Device())
	}
	return nil
}

type binaryKernel func(bk backend.Backend, dst, a, b backend.Storage) error

func binary(op string, a, b *tensor.Tensor, kernel binaryKernel) (*tensor.Tensor, error) {
	if err := sameShape(op, a, b); err != nil {
		return nil, err
	}
	bk, err := getBackend(a)
	if err != nil {
		return nil, err
	}
	out, err := allocOutput(bk, a.Shape())
	if err != nil {
		return nil, err
	}
	if err := kernel(bk, out.Storage(), a.Storage(), b.Storage()); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return out, nil
}

type unaryKernel func(bk backend.Backend, dst, src backend.Storage) error

func unary(op string, t *tensor.Tensor, kernel unaryKernel) (*tensor.Tensor, error) {
	bk, err := getBackend(t)
	if err != nil {
		return nil, err
	}
	out, err := allocOutput(bk, t.Shape())
	if err != nil {
		return nil, err
	}
	if err := kernel(bk, out.Storage(), t.Storage()); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return out, nil
}

// Add performs element-wise addition of equally shaped tensors.
func Add(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := binary("add", a, b, func(bk backend.Backend, dst, x, y backend.Storage) error {
		return bk.Add(dst, x, y)
	})
	if err != nil {
		return nil, err
	}
	return attach(out, &addGradFn{a: a, b: b}, a, b), nil
}

// Sub performs element-wise subtraction a - b.
func Sub(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := binary("sub", a, b, func(bk backend.Backend, dst, x, y backend.Storage) error {
		return bk.Sub(dst, x, y)
	})
	if err != nil {
		return nil, err
	}
	return attach(out, &subGradFn{a: a, b: b}, a, b), nil
}

// Mul performs element-wise multiplication.
func Mul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := binary("mul", a, b, func(bk backend.Backend, dst, x, y backend.Storage) error {
		return bk.Mul(dst, x, y)
	})
	if err != nil {
		return nil, err
	}
	return attach(out, &mulGradFn{a: a, b: b}, a, b), nil
}

// Div performs element-wise division a / b.
func Div(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := binary("div", a, b, func(bk backend.Backend, dst, x, y backend.Storage) error {
		return bk.Div(dst, x, y)
	})
	if err != nil {
		return nil, err
	}
	return attach(out, &divGradFn{a: a, b: b}, a, b), nil
}

// AddScalar adds s to every element.
func AddScalar(t *tensor.Tensor, s float32) (*tensor.Tensor, error) {
	out, err := unary("add scalar", t, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.AddScalar(dst, src, s)
	})
	if err != nil {
		return nil, err
	}
	return attach(out, &shiftGradFn{input: t}, t), nil
}

// MulScalar multiplies every element by s.
func MulScalar(t *tensor.Tensor, s float32) (*tensor.Tensor, error) {
	out, err := unary("mul scalar", t, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.MulScalar(dst, src, s)
	})
	if err != nil {
		return nil, err
	}
	return attach(out, &scaleGradFn{input: t, s: s}, t), nil
}

// Pow raises every element to the non-negative integer power p.
func Pow(t *tensor.Tensor, p int) (*tensor.Tensor, error) {
	if p < 0 {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "pow: negative exponent %d", p)
	}
	out, err := unary("pow", t, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Pow(dst, src, p)
	})
	if err != nil {
		return nil, err
	}
	return attach(out, &powGradFn{input: t, p: p}, t), nil
}

// Clamp limits every element to [lo, hi].
func Clamp(t *tensor.Tensor, lo, hi float32) (*tensor.Tensor, error) {
	out, err := unary("clamp", t, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Clamp(dst, src, lo, hi)
	})
	if err != nil {
		return nil, err
	}
	return attach(out, &clampGradFn{input: t, lo: lo, hi: hi}, t), nil
}

// Acos computes the element-wise inverse cosine. It records no gradient;
// callers pass detached values.
func Acos(t *tensor.Tensor) (*tensor.Tensor, error) {
	return unary("acos", t, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Acos(dst, src)
	})
}

// Floor rounds every element down. Its derivative is zero almost
// everywhere, so no gradient is recorded.
func Floor(t *tensor.Tensor) (*tensor.Tensor, error) {
	return unary("floor", t, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Floor(dst, src)
	})
}
