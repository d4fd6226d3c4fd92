package nn

import (
	"math"
	"math/rand"

	"github.com/djeday123/lsoftmax/backend"
	"github.com/djeday123/lsoftmax/ops"
	"github.com/djeday123/lsoftmax/tensor"
)

// Linear implements y = x @ W^T + bias. It serves as the feature
// projection in front of an LSoftmaxLinear head.
type Linear struct {
	Weight *tensor.Tensor // [outFeatures, inFeatures]
	Bias   *tensor.Tensor // [outFeatures] or nil
	InF    int
	OutF   int
}

// NewLinear creates a linear layer with Kaiming initialization drawn from rng.
func NewLinear(inFeatures, outFeatures int, bias bool, device backend.Device, rng *rand.Rand) (*Linear, error) {
	// Kaiming He init: scale = sqrt(2 / fan_in)
	scale := math.Sqrt(2.0 / float64(inFeatures))

	wData := make([]float32, outFeatures*inFeatures)
	for i := range wData {
		wData[i] = float32(rng.NormFloat64() * scale)
	}

	w, err := tensor.FromSliceOn(wData, tensor.Shape{outFeatures, inFeatures}, device)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)

	l := &Linear{Weight: w, InF: inFeatures, OutF: outFeatures}

	if bias {
		b, err := tensor.Zeros(tensor.Shape{outFeatures}, device)
		if err != nil {
			return nil, err
		}
		b.SetRequiresGrad(true)
		l.Bias = b
	}

	return l, nil
}

// Forward computes y = x @ W^T + bias.
// x shape: [batch, inFeatures] → output: [batch, outFeatures]
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := ops.MatMulTransB(x, l.Weight)
	if err != nil {
		return nil, err
	}

	if l.Bias != nil {
		out, err = ops.AddBias(out, l.Bias)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Parameters returns all trainable parameters.
func (l *Linear) Parameters() []*tensor.Tensor {
	if l.Bias != nil {
		return []*tensor.Tensor{l.Weight, l.Bias}
	}
	return []*tensor.Tensor{l.Weight}
}
