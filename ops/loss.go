package ops

import (
	"math"

	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/tensor"
)

type crossEntropyGradFn struct {
	logits *tensor.Tensor
	probs  []float32 // softmax(logits), row-major
	target []int
}

func (f *crossEntropyGradFn) Name() string             { return "CrossEntropyBackward" }
func (f *crossEntropyGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.logits} }
func (f *crossEntropyGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// Gradient = (softmax(logits) - one_hot(targets)) / batch
	g, _ := grad.Item()
	batch, classes := f.logits.Shape()[0], f.logits.Shape()[1]
	out := make([]float32, len(f.probs))
	scale := g / float32(batch)
	for b := 0; b < batch; b++ {
		for c := 0; c < classes; c++ {
			out[b*classes+c] = f.probs[b*classes+c] * scale
		}
		out[b*classes+f.target[b]] -= scale
	}
	dx, _ := tensor.FromSliceOn(out, f.logits.Shape(), grad.Device())
	return []*tensor.Tensor{dx}
}

// SoftmaxCrossEntropy computes the mean cross-entropy between logits and
// class targets.
// logits: [batch, classes], targets: [batch] → scalar loss tensor [1]
func SoftmaxCrossEntropy(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	batch, classes, err := logits.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "cross entropy")
	}
	if err := CheckIndices(targets, batch, classes); err != nil {
		return nil, errors.Wrap(err, "cross entropy")
	}

	data := logits.ToFloat32Slice()
	probs := make([]float32, len(data))
	totalLoss := float64(0)

	for b := 0; b < batch; b++ {
		off := b * classes

		// Numerically stable softmax: subtract the row max first
		maxVal := math.Inf(-1)
		for c := 0; c < classes; c++ {
			maxVal = math.Max(maxVal, float64(data[off+c]))
		}
		sumExp := float64(0)
		for c := 0; c < classes; c++ {
			sumExp += math.Exp(float64(data[off+c]) - maxVal)
		}
		logSumExp := maxVal + math.Log(sumExp)
		for c := 0; c < classes; c++ {
			probs[off+c] = float32(math.Exp(float64(data[off+c]) - logSumExp))
		}

		totalLoss += logSumExp - float64(data[off+targets[b]])
	}

	if batch > 0 {
		totalLoss /= float64(batch)
	}

	out, err := tensor.FromSliceOn([]float32{float32(totalLoss)}, tensor.Shape{1}, logits.Device())
	if err != nil {
		return nil, err
	}
	fn := &crossEntropyGradFn{logits: logits, probs: probs, target: append([]int(nil), targets...)}
	return attach(out, fn, logits), nil
}
