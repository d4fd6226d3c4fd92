package autograd

import (
	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/tensor"
)

// Backward computes gradients for all leaf tensors that require grad.
// loss must be a scalar tensor (1 element). Leaf gradients accumulate into
// any gradient already set; clear them with SetGrad(nil) between steps.
func Backward(loss *tensor.Tensor) error {
	if loss.NumElements() != 1 {
		return errors.Wrapf(core.ErrInvalidArgument, "backward requires scalar loss, got shape %v", loss.Shape())
	}
	if !loss.RequiresGrad() {
		return errors.Wrap(core.ErrInvalidArgument, "backward: loss does not require grad")
	}

	// Initialize grad of loss as 1.0
	onesGrad, err := tensor.Ones(loss.Shape(), loss.Device())
	if err != nil {
		return err
	}

	// Topological sort (reverse)
	visited := make(map[*tensor.Tensor]bool)
	var order []*tensor.Tensor
	var topoSort func(t *tensor.Tensor)
	topoSort = func(t *tensor.Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.GradFn() != nil {
			for _, input := range t.GradFn().Inputs() {
				topoSort(input)
			}
		}
		order = append(order, t)
	}
	topoSort(loss)

	// Assign initial gradient
	gradMap := make(map[*tensor.Tensor]*tensor.Tensor)
	gradMap[loss] = onesGrad

	// Backward pass in reverse topological order
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		grad, ok := gradMap[t]
		if !ok || t.GradFn() == nil {
			continue
		}

		inputGrads := t.GradFn().Backward(grad)
		inputs := t.GradFn().Inputs()

		for j, input := range inputs {
			if j >= len(inputGrads) || inputGrads[j] == nil || !input.RequiresGrad() {
				continue
			}
			if existing, ok := gradMap[input]; ok {
				accumulated, err := AddTensors(existing, inputGrads[j])
				if err != nil {
					return errors.Wrapf(err, "accumulate grad for %s", t.GradFn().Name())
				}
				gradMap[input] = accumulated
			} else {
				gradMap[input] = inputGrads[j]
			}
		}
	}

	// Assign gradients to leaf tensors
	for t, grad := range gradMap {
		if !t.IsLeaf() || !t.RequiresGrad() {
			continue
		}
		if existing := t.Grad(); existing != nil {
			accumulated, err := AddTensors(existing, grad)
			if err != nil {
				return err
			}
			grad = accumulated
		}
		t.SetGrad(grad)
	}

	return nil
}
