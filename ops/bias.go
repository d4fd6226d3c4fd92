package ops

import (
	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/tensor"
)

type biasGradFn struct {
	x, bias *tensor.Tensor
}

func (f *biasGradFn) Name() string             { return "AddBiasBackward" }
func (f *biasGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.x, f.bias} }
func (f *biasGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// dBias = sum(grad, axis=0)
	rows, cols := grad.Shape()[0], grad.Shape()[1]
	g := grad.ToFloat32Slice()
	db := make([]float32, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			db[c] += g[r*cols+c]
		}
	}
	gradBias, _ := tensor.FromSliceOn(db, f.bias.Shape(), grad.Device())
	return []*tensor.Tensor{grad, gradBias}
}

// AddBias adds a row vector to every row of a 2D tensor.
// x: [R, C], bias: [C] → [R, C]
func AddBias(x, bias *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := x.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "add bias")
	}
	if !bias.Shape().Equal(tensor.Shape{cols}) {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "add bias: bias shape %v, want [%d]", bias.Shape(), cols)
	}

	xData, bData := x.ToFloat32Slice(), bias.ToFloat32Slice()
	out := make([]float32, len(xData))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r*cols+c] = xData[r*cols+c] + bData[c]
		}
	}
	res, err := tensor.FromSliceOn(out, x.Shape(), x.Device())
	if err != nil {
		return nil, err
	}
	return attach(res, &biasGradFn{x: x, bias: bias}, x, bias), nil
}
