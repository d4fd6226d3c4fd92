package ops

import (
	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/tensor"
)

type gatherGradFn struct {
	input *tensor.Tensor
	idx   []int
}

func (f *gatherGradFn) Name() string             { return "GatherRowsBackward" }
func (f *gatherGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *gatherGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	cols := f.input.Shape()[1]
	g := grad.ToFloat32Slice()
	out := make([]float32, f.input.NumElements())
	for i, j := range f.idx {
		out[i*cols+j] = g[i]
	}
	dx, _ := tensor.FromSliceOn(out, f.input.Shape(), grad.Device())
	return []*tensor.Tensor{dx}
}

type selectGradFn struct {
	input *tensor.Tensor
	idx   []int
}

func (f *selectGradFn) Name() string             { return "SelectColumnsBackward" }
func (f *selectGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *selectGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	rows, cols := f.input.Shape()[0], f.input.Shape()[1]
	n := len(f.idx)
	g := grad.ToFloat32Slice()
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c, j := range f.idx {
			// repeated indices accumulate
			out[r*cols+j] += g[r*n+c]
		}
	}
	dx, _ := tensor.FromSliceOn(out, f.input.Shape(), grad.Device())
	return []*tensor.Tensor{dx}
}

type scatterGradFn struct {
	input, values *tensor.Tensor
	idx           []int
}

func (f *scatterGradFn) Name() string             { return "ScatterRowsBackward" }
func (f *scatterGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input, f.values} }
func (f *scatterGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	cols := f.input.Shape()[1]
	g := grad.ToFloat32Slice()
	dIn := make([]float32, len(g))
	copy(dIn, g)
	dVal := make([]float32, len(f.idx))
	for i, j := range f.idx {
		dVal[i] = g[i*cols+j]
		dIn[i*cols+j] = 0 // overwritten entries do not reach the input
	}
	gradIn, _ := tensor.FromSliceOn(dIn, f.input.Shape(), grad.Device())
	gradVal, _ := tensor.FromSliceOn(dVal, f.values.Shape(), grad.Device())
	return []*tensor.Tensor{gradIn, gradVal}
}

// CheckIndices verifies one index per row, each in [0, n).
func CheckIndices(idx []int, rows, n int) error {
	if len(idx) != rows {
		return errors.Wrapf(core.ErrInvalidArgument, "got %d indices for %d rows", len(idx), rows)
	}
	for i, j := range idx {
		if j < 0 || j >= n {
			return errors.Wrapf(core.ErrInvalidArgument, "index %d at row %d out of range [0, %d)", j, i, n)
		}
	}
	return nil
}

// GatherRows picks t[i, idx[i]] for every row of a 2D tensor.
// t: [R, C], idx: [R] → [R]
func GatherRows(t *tensor.Tensor, idx []int) (*tensor.Tensor, error) {
	rows, cols, err := t.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "gather")
	}
	if err := CheckIndices(idx, rows, cols); err != nil {
		return nil, errors.Wrap(err, "gather")
	}
	bk, err := getBackend(t)
	if err != nil {
		return nil, err
	}
	out, err := allocOutput(bk, tensor.Shape{rows})
	if err != nil {
		return nil, err
	}
	if err := bk.GatherRows(out.Storage(), t.Storage(), rows, cols, idx); err != nil {
		return nil, errors.Wrap(err, "gather")
	}
	return attach(out, &gatherGradFn{input: t, idx: append([]int(nil), idx...)}, t), nil
}

// SelectColumns returns t[:, idx].
// t: [R, C], idx: [N] → [R, N]
func SelectColumns(t *tensor.Tensor, idx []int) (*tensor.Tensor, error) {
	rows, cols, err := t.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "select columns")
	}
	if err := CheckIndices(idx, len(idx), cols); err != nil {
		return nil, errors.Wrap(err, "select columns")
	}
	bk, err := getBackend(t)
	if err != nil {
		return nil, err
	}
	out, err := allocOutput(bk, tensor.Shape{rows, len(idx)})
	if err != nil {
		return nil, err
	}
	if err := bk.SelectColumns(out.Storage(), t.Storage(), rows, cols, idx); err != nil {
		return nil, errors.Wrap(err, "select columns")
	}
	return attach(out, &selectGradFn{input: t, idx: append([]int(nil), idx...)}, t), nil
}

// ScatterRows returns a copy of t with t[i, idx[i]] replaced by values[i].
// Every other entry is copied unchanged.
// t: [R, C], idx: [R], values: [R] → [R, C]
func ScatterRows(t *tensor.Tensor, idx []int, values *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := t.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "scatter")
	}
	if err := CheckIndices(idx, rows, cols); err != nil {
		return nil, errors.Wrap(err, "scatter")
	}
	if !values.Shape().Equal(tensor.Shape{rows}) {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "scatter: values shape %v, want [%d]", values.Shape(), rows)
	}
	bk, err := getBackend(t)
	if err != nil {
		return nil, err
	}
	out, err := allocOutput(bk, t.Shape())
	if err != nil {
		return nil, err
	}
	if err := bk.ScatterRows(out.Storage(), t.Storage(), values.Storage(), rows, cols, idx); err != nil {
		return nil, errors.Wrap(err, "scatter")
	}
	fn := &scatterGradFn{input: t, values: values, idx: append([]int(nil), idx...)}
	return attach(out, fn, t, values), nil
}
