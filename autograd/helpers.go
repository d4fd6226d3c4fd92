package autograd

import (
	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/backend"
	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/tensor"
)

// AddTensors adds two equally shaped tensors for gradient accumulation.
// It goes straight to the backend so the result carries no graph.
func AddTensors(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "grad shapes %v and %v differ", a.Shape(), b.Shape())
	}
	bk, err := backend.GetForDevice(a.Device())
	if err != nil {
		return nil, err
	}

	store, err := bk.Alloc(a.NumElements(), a.DType())
	if err != nil {
		return nil, err
	}

	if err := bk.Add(store, a.Storage(), b.Storage()); err != nil {
		store.Free()
		return nil, err
	}

	return tensor.NewTensor(store, a.Shape(), a.DType()), nil
}
