package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/backend"
	"github.com/djeday123/lsoftmax/core"
	"github.com/djeday123/lsoftmax/ops"
	"github.com/djeday123/lsoftmax/tensor"
)

// ErrInvalidArgument is returned for bad construction parameters and for
// mode/target mismatches in Forward.
var ErrInvalidArgument = core.ErrInvalidArgument

// LSoftmaxConfig holds the construction parameters of an LSoftmaxLinear.
type LSoftmaxConfig struct {
	InFeatures  int      `json:"in_features"`
	OutFeatures int      `json:"out_features"` // number of classes
	Margin      int      `json:"margin"`
	Schedule    Schedule `json:"beta"`
	Seed        int64    `json:"seed"` // 0 draws a random seed
}

// LSoftmaxLinear is a bias-free classifier head that computes
// Large-Margin Softmax logits.
//
// In training mode the logit of each row's target class is replaced by
//
//	(|w||x| * ((-1)^k * cos(m*theta) - 2k) + beta * logit) / (1 + beta)
//
// where theta is the angle between the feature row and the target weight
// column and k = floor(theta*m/pi). beta decays after every training call.
// In eval mode the layer is a plain projection x @ W.
//
// An LSoftmaxLinear is not safe for concurrent use.
type LSoftmaxLinear struct {
	Weight *tensor.Tensor // [inFeatures, outFeatures], one column per class
	InF    int
	OutF   int

	tables   MarginTables
	anneal   Annealer
	training bool
	device   backend.Device
	rng      *rand.Rand
}

// NewLSoftmaxLinear creates a layer with the default beta schedule.
func NewLSoftmaxLinear(inFeatures, outFeatures, margin int, device backend.Device) (*LSoftmaxLinear, error) {
	return NewLSoftmaxLinearFromConfig(LSoftmaxConfig{
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		Margin:      margin,
		Schedule:    DefaultSchedule(),
	}, device)
}

// NewLSoftmaxLinearFromConfig creates a layer with Kaiming-initialized
// weights on device. The layer starts in training mode.
func NewLSoftmaxLinearFromConfig(cfg LSoftmaxConfig, device backend.Device) (*LSoftmaxLinear, error) {
	if cfg.InFeatures < 1 || cfg.OutFeatures < 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "features must be positive, got in=%d out=%d",
			cfg.InFeatures, cfg.OutFeatures)
	}
	tables, err := NewMarginTables(cfg.Margin)
	if err != nil {
		return nil, err
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	w, err := tensor.Zeros(tensor.Shape{cfg.InFeatures, cfg.OutFeatures}, device)
	if err != nil {
		return nil, errors.Wrap(err, "allocate weight")
	}
	w.SetRequiresGrad(true)

	l := &LSoftmaxLinear{
		Weight:   w,
		InF:      cfg.InFeatures,
		OutF:     cfg.OutFeatures,
		tables:   tables,
		anneal:   NewAnnealer(cfg.Schedule),
		training: true,
		device:   device,
		rng:      rand.New(rand.NewSource(seed)),
	}
	if err := l.ResetParameters(); err != nil {
		return nil, err
	}
	return l, nil
}

// ResetParameters redraws the weight with Kaiming normal init over the
// transposed [outFeatures, inFeatures] view: std = sqrt(2 / inFeatures).
func (l *LSoftmaxLinear) ResetParameters() error {
	data := l.Weight.ToFloat32Slice()
	if data == nil {
		return errors.Errorf("weight on %s is not host-visible", l.device)
	}
	scale := math.Sqrt(2.0 / float64(l.InF))
	for i := range data {
		data[i] = float32(l.rng.NormFloat64() * scale)
	}
	return nil
}

// SetMargin recomputes the expansion constants for a new margin.
func (l *LSoftmaxLinear) SetMargin(m int) error {
	tables, err := NewMarginTables(m)
	if err != nil {
		return err
	}
	l.tables = tables
	return nil
}

func (l *LSoftmaxLinear) Margin() int            { return l.tables.Margin }
func (l *LSoftmaxLinear) Tables() MarginTables   { return l.tables }
func (l *LSoftmaxLinear) Device() backend.Device { return l.device }

// Train switches to training mode: Forward requires targets and decays beta.
func (l *LSoftmaxLinear) Train() { l.training = true }

// Eval switches to inference mode: Forward rejects targets and leaves beta alone.
func (l *LSoftmaxLinear) Eval() { l.training = false }

func (l *LSoftmaxLinear) Training() bool { return l.training }

// Beta returns the blend coefficient the next training call will use.
func (l *LSoftmaxLinear) Beta() float64 { return l.anneal.Beta() }

// ResetBeta restarts the annealing schedule.
func (l *LSoftmaxLinear) ResetBeta() { l.anneal = NewAnnealer(l.anneal.Schedule()) }

// Parameters returns all trainable parameters.
func (l *LSoftmaxLinear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.Weight}
}

// Forward computes logits for x: [batch, inFeatures] → [batch, outFeatures].
// targets holds one class index per row; it must be nil in eval mode and
// set in training mode. Arguments are checked before anything is computed,
// so a failed call never changes beta.
func (l *LSoftmaxLinear) Forward(x *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	batch, inF, err := x.Shape().Matrix()
	if err != nil {
		return nil, errors.Wrap(err, "lsoftmax input")
	}
	if inF != l.InF {
		return nil, errors.Wrapf(ErrInvalidArgument, "lsoftmax: input has %d features, want %d", inF, l.InF)
	}

	if !l.training {
		if targets != nil {
			return nil, errors.Wrap(ErrInvalidArgument, "lsoftmax: targets given in eval mode")
		}
		return ops.MatMul(x, l.Weight)
	}

	if targets == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "lsoftmax: targets required in training mode")
	}
	if err := ops.CheckIndices(targets, batch, l.OutF); err != nil {
		return nil, errors.Wrap(err, "lsoftmax targets")
	}

	out, err := l.marginLogits(x, targets, l.anneal.Beta())
	if err != nil {
		return nil, err
	}
	l.anneal = l.anneal.Decay()
	return out, nil
}

// marginLogits runs the training-mode transform with a given beta.
func (l *LSoftmaxLinear) marginLogits(x *tensor.Tensor, targets []int, beta float64) (*tensor.Tensor, error) {
	logit, err := ops.MatMul(x, l.Weight)
	if err != nil {
		return nil, err
	}
	target, err := ops.GatherRows(logit, targets)
	if err != nil {
		return nil, err
	}

	// |w_y| per row and |x| per row
	wTarget, err := ops.SelectColumns(l.Weight, targets)
	if err != nil {
		return nil, err
	}
	wNorm, err := ops.Norm(wTarget, 0)
	if err != nil {
		return nil, err
	}
	xNorm, err := ops.Norm(x, 1)
	if err != nil {
		return nil, err
	}
	normProd, err := ops.Mul(wNorm, xNorm)
	if err != nil {
		return nil, err
	}

	denom, err := ops.AddScalar(normProd, normEps)
	if err != nil {
		return nil, err
	}
	cosTheta, err := ops.Div(target, denom)
	if err != nil {
		return nil, err
	}

	cosMTheta, err := l.cosMTheta(cosTheta)
	if err != nil {
		return nil, err
	}

	// k selects the piecewise segment of cos(m*theta); it is a branch index,
	// not a smooth function of theta, so it is computed on a detached copy.
	k, err := l.intervalIndex(cosTheta.Detach())
	if err != nil {
		return nil, err
	}
	sign, twoK, err := segmentConstants(k)
	if err != nil {
		return nil, err
	}

	// psi = |w||x| * ((-1)^k * cos(m*theta) - 2k)
	psi, err := ops.Mul(cosMTheta, sign)
	if err != nil {
		return nil, err
	}
	psi, err = ops.Sub(psi, twoK)
	if err != nil {
		return nil, err
	}
	psi, err = ops.Mul(normProd, psi)
	if err != nil {
		return nil, err
	}

	// (psi + beta * logit) / (1 + beta)
	scaled, err := ops.MulScalar(target, float32(beta))
	if err != nil {
		return nil, err
	}
	blended, err := ops.Add(psi, scaled)
	if err != nil {
		return nil, err
	}
	blended, err = ops.MulScalar(blended, float32(1/(1+beta)))
	if err != nil {
		return nil, err
	}

	return ops.ScatterRows(logit, targets, blended)
}

// cosMTheta expands cos(m*theta) as a polynomial in cos(theta).
func (l *LSoftmaxLinear) cosMTheta(cosTheta *tensor.Tensor) (*tensor.Tensor, error) {
	cos2, err := ops.Pow(cosTheta, 2)
	if err != nil {
		return nil, err
	}
	negCos2, err := ops.MulScalar(cos2, -1)
	if err != nil {
		return nil, err
	}
	sin2, err := ops.AddScalar(negCos2, 1)
	if err != nil {
		return nil, err
	}

	var sum *tensor.Tensor
	mt := l.tables
	for n := 0; n < mt.Terms(); n++ {
		cosTerm, err := ops.Pow(cosTheta, mt.CosPowers[n])
		if err != nil {
			return nil, err
		}
		sinTerm, err := ops.Pow(sin2, mt.Sin2Powers[n])
		if err != nil {
			return nil, err
		}
		term, err := ops.Mul(cosTerm, sinTerm)
		if err != nil {
			return nil, err
		}
		term, err = ops.MulScalar(term, float32(mt.Signs[n]*mt.Binom[n]))
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = term
			continue
		}
		if sum, err = ops.Add(sum, term); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// intervalIndex computes k = floor(acos(clamp(cos)) / (pi/m)) in [0, m-1].
func (l *LSoftmaxLinear) intervalIndex(cosTheta *tensor.Tensor) (*tensor.Tensor, error) {
	clamped, err := ops.Clamp(cosTheta, -1+acosEps, 1-acosEps)
	if err != nil {
		return nil, err
	}
	theta, err := ops.Acos(clamped)
	if err != nil {
		return nil, err
	}
	q, err := ops.MulScalar(theta, float32(1/l.tables.Divisor))
	if err != nil {
		return nil, err
	}
	k, err := ops.Floor(q)
	if err != nil {
		return nil, err
	}
	return ops.Clamp(k, 0, float32(l.tables.Margin-1))
}

// segmentConstants turns k into the constant tensors (-1)^k and 2k.
func segmentConstants(k *tensor.Tensor) (sign, twoK *tensor.Tensor, err error) {
	kData := k.ToFloat32Slice()
	signData := make([]float32, len(kData))
	twoKData := make([]float32, len(kData))
	for i, v := range kData {
		signData[i] = 1
		if int(v)%2 == 1 {
			signData[i] = -1
		}
		twoKData[i] = 2 * v
	}
	if sign, err = tensor.FromSliceOn(signData, k.Shape(), k.Device()); err != nil {
		return nil, nil, err
	}
	if twoK, err = tensor.FromSliceOn(twoKData, k.Shape(), k.Device()); err != nil {
		return nil, nil, err
	}
	return sign, twoK, nil
}
