package ops

import (
	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/tensor"
)

type matmulGradFn struct {
	a, b           *tensor.Tensor
	transA, transB bool
}

func (f *matmulGradFn) Name() string             { return "MatMulBackward" }
func (f *matmulGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *matmulGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	a, b := f.a.Detach(), f.b.Detach()
	var gradA, gradB *tensor.Tensor
	switch {
	case !f.transA && !f.transB:
		// C = A @ B: dA = G @ B^T, dB = A^T @ G
		gradA, _ = matmul(grad, b, false, true)
		gradB, _ = matmul(a, grad, true, false)
	case !f.transA && f.transB:
		// C = A @ B^T: dA = G @ B, dB = G^T @ A
		gradA, _ = matmul(grad, b, false, false)
		gradB, _ = matmul(grad, a, true, false)
	case f.transA && !f.transB:
		// C = A^T @ B: dA = B @ G^T, dB = A @ G
		gradA, _ = matmul(b, grad, false, true)
		gradB, _ = matmul(a, grad, false, false)
	default:
		// C = A^T @ B^T: dA = B^T @ G^T, dB = G^T @ A^T
		gradA, _ = matmul(b, grad, true, true)
		gradB, _ = matmul(grad, a, true, true)
	}
	return []*tensor.Tensor{gradA, gradB}
}

// MatMul performs matrix multiplication of 2D tensors.
// a: [M, K], b: [K, N] → [M, N]
func MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return matmul(a, b, false, false)
}

// MatMulTransB computes a @ b^T.
// a: [M, K], b: [N, K] → [M, N]
func MatMulTransB(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return matmul(a, b, false, true)
}

func matmul(a, b *tensor.Tensor, transA, transB bool) (*tensor.Tensor, error) {
	ra, ca, err := a.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "matmul A")
	}
	rb, cb, err := b.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "matmul B")
	}
	if a.Device() != b.Device() {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "matmul: devices %s and %s differ", a.Device(), b.Device())
	}

	m, k := ra, ca
	if transA {
		m, k = ca, ra
	}
	kb, n := rb, cb
	if transB {
		kb, n = cb, rb
	}
	if k != kb {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "matmul: inner dims %d and %d differ (%v @ %v)",
			k, kb, a.Shape(), b.Shape())
	}

	bk, err := getBackend(a)
	if err != nil {
		return nil, err
	}
	out, err := allocOutput(bk, tensor.Shape{m, n})
	if err != nil {
		return nil, err
	}
	if err := bk.MatMul(out.Storage(), a.Storage(), b.Storage(), m, k, n, transA, transB); err != nil {
		return nil, errors.Wrap(err, "matmul")
	}
	return attach(out, &matmulGradFn{a: a, b: b, transA: transA, transB: transB}, a, b), nil
}
