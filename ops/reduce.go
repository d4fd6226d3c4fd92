package ops

import (
	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/tensor"
)

type normGradFn struct {
	input, output *tensor.Tensor
	axis          int
}

func (f *normGradFn) Name() string             { return "NormBackward" }
func (f *normGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *normGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// d|x|/dx = x / |x|, taken as zero where |x| = 0
	rows, cols := f.input.Shape()[0], f.input.Shape()[1]
	x := f.input.ToFloat32Slice()
	norms := f.output.ToFloat32Slice()
	g := grad.ToFloat32Slice()
	out := make([]float32, len(x))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r
			if f.axis == 0 {
				i = c
			}
			if norms[i] == 0 {
				continue
			}
			out[r*cols+c] = g[i] * x[r*cols+c] / norms[i]
		}
	}
	dx, _ := tensor.FromSliceOn(out, f.input.Shape(), grad.Device())
	return []*tensor.Tensor{dx}
}

type sumGradFn struct {
	input *tensor.Tensor
}

func (f *sumGradFn) Name() string             { return "SumBackward" }
func (f *sumGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *sumGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	g, _ := grad.Item()
	dx, _ := tensor.Full(f.input.Shape(), g, grad.Device())
	return []*tensor.Tensor{dx}
}

// Norm computes L2 norms of a 2D tensor along axis.
// axis 1: [R, C] → [R] (row norms), axis 0: [R, C] → [C] (column norms)
func Norm(t *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	rows, cols, err := t.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "norm")
	}
	var outShape tensor.Shape
	switch axis {
	case 0:
		outShape = tensor.Shape{cols}
	case 1:
		outShape = tensor.Shape{rows}
	default:
		return nil, errors.Wrapf(core.ErrInvalidArgument, "norm: axis %d out of range for 2D", axis)
	}

	bk, err := getBackend(t)
	if err != nil {
		return nil, err
	}
	out, err := allocOutput(bk, outShape)
	if err != nil {
		return nil, err
	}
	if err := bk.Norm(out.Storage(), t.Storage(), rows, cols, axis); err != nil {
		return nil, errors.Wrap(err, "norm")
	}
	return attach(out, &normGradFn{input: t, output: out.Detach(), axis: axis}, t), nil
}

// Sum reduces all elements to a [1] tensor.
func Sum(t *tensor.Tensor) (*tensor.Tensor, error) {
	bk, err := getBackend(t)
	if err != nil {
		return nil, err
	}
	out, err := allocOutput(bk, tensor.Shape{1})
	if err != nil {
		return nil, err
	}
	if err := bk.Sum(out.Storage(), t.Storage()); err != nil {
		return nil, errors.Wrap(err, "sum")
	}
	return attach(out, &sumGradFn{input: t}, t), nil
}
