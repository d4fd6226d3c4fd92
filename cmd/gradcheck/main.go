package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/autograd"
	"github.com/djeday123/lsoftmax/backend"
	"github.com/djeday123/lsoftmax/backend/cpu"
	"github.com/djeday123/lsoftmax/nn"
	"github.com/djeday123/lsoftmax/ops"
	"github.com/djeday123/lsoftmax/pkg/config"
	"github.com/djeday123/lsoftmax/tensor"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config (defaults are used when empty)")
	margin := flag.Int("margin", 0, "override layer.margin")
	batch := flag.Int("batch", 0, "override check.batch")
	hidden := flag.Int("hidden", -1, "override check.hidden")
	seed := flag.Int64("seed", 0, "override layer.seed")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if *margin > 0 {
		cfg.Layer.Margin = *margin
	}
	if *batch > 0 {
		cfg.Check.Batch = *batch
	}
	if *hidden >= 0 {
		cfg.Check.Hidden = *hidden
	}
	if *seed != 0 {
		cfg.Layer.Seed = *seed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	fmt.Println("=== L-Softmax Gradient Check ===")
	features := cpu.Features()
	if len(features) == 0 {
		features = []string{"none"}
	}
	fmt.Printf("CPU features: %s\n", strings.Join(features, " "))

	rng := rand.New(rand.NewSource(cfg.Layer.Seed + 1))
	m, err := build(cfg, rng)
	if err != nil {
		log.Fatalf("build model: %v", err)
	}
	fmt.Printf("Head: %d -> %d, margin %d, beta %.2f\n",
		m.head.InF, m.head.OutF, m.head.Margin(), m.head.Beta())
	if m.proj != nil {
		fmt.Printf("Projection: %d -> %d\n", m.proj.InF, m.proj.OutF)
	}

	x, targets, err := batchData(cfg, m.inputDim(), rng)
	if err != nil {
		log.Fatalf("make batch: %v", err)
	}

	// Eval vs train on the same batch
	fmt.Println("\n--- Forward ---")
	m.head.Eval()
	plain, err := m.logits(x, nil)
	if err != nil {
		log.Fatalf("eval forward: %v", err)
	}
	m.head.Train()
	m.head.ResetBeta()
	margined, err := m.logits(x, targets)
	if err != nil {
		log.Fatalf("train forward: %v", err)
	}
	for i := 0; i < cfg.Check.Batch && i < 4; i++ {
		y := targets[i]
		fmt.Printf("row %d target %d: raw %.5f  margin %.5f\n", i, y, plain.At(i, y), margined.At(i, y))
	}

	// Beta schedule
	fmt.Println("\n--- Beta Decay ---")
	m.head.ResetBeta()
	start := m.head.Beta()
	for i := 0; i < cfg.Check.Steps; i++ {
		if _, err := m.logits(x, targets); err != nil {
			log.Fatalf("train forward %d: %v", i, err)
		}
	}
	fmt.Printf("beta %.4f -> %.4f after %d training calls\n", start, m.head.Beta(), cfg.Check.Steps)

	// Numerical gradient check at a fixed beta
	fmt.Println("\n--- Numerical Gradient Check ---")
	lossVal, err := m.backward(x, targets)
	if err != nil {
		log.Fatalf("backward: %v", err)
	}
	fmt.Printf("Loss: %.6f (uniform would be %.4f)\n", lossVal, math.Log(float64(cfg.Layer.OutFeatures)))

	failed := false
	for _, p := range m.named() {
		maxErr, err := m.check(p.t, x, targets, cfg.Check)
		if err != nil {
			log.Fatalf("check %s: %v", p.name, err)
		}
		status := "✓"
		if maxErr > cfg.Check.Tolerance {
			status = "✗ BAD"
			failed = true
		}
		fmt.Printf("%-16s max_rel_err=%.6f %s\n", p.name, maxErr, status)
	}

	// Single SGD step
	fmt.Println("\n--- Single Step Test ---")
	fmt.Printf("Loss before: %.6f\n", lossVal)
	lr := float32(0.1)
	for _, p := range m.parameters() {
		if p.Grad() == nil {
			continue
		}
		pData, gData := p.ToFloat32Slice(), p.Grad().ToFloat32Slice()
		for i := range pData {
			pData[i] -= lr * gData[i]
		}
	}
	after, err := m.loss(x, targets)
	if err != nil {
		log.Fatalf("loss after step: %v", err)
	}
	fmt.Printf("Loss after:  %.6f\n", after)
	if after < lossVal {
		fmt.Println("✓ Loss decreased")
	} else {
		fmt.Println("✗ Loss did not decrease")
		failed = true
	}

	if failed {
		log.Fatal("gradient check failed")
	}
}

type model struct {
	proj *nn.Linear // optional
	head *nn.LSoftmaxLinear
}

type namedParam struct {
	name string
	t    *tensor.Tensor
}

func build(cfg *config.Config, rng *rand.Rand) (*model, error) {
	l := cfg.Layer
	m := &model{}
	in := l.InFeatures
	if cfg.Check.Hidden > 0 {
		proj, err := nn.NewLinear(l.InFeatures, cfg.Check.Hidden, true, backend.CPU0, rng)
		if err != nil {
			return nil, err
		}
		m.proj = proj
		in = cfg.Check.Hidden
	}
	head, err := nn.NewLSoftmaxLinearFromConfig(nn.LSoftmaxConfig{
		InFeatures:  in,
		OutFeatures: l.OutFeatures,
		Margin:      l.Margin,
		Schedule:    nn.Schedule{Start: l.Beta.Start, Min: l.Beta.Min, Scale: l.Beta.Scale},
		Seed:        l.Seed,
	}, backend.CPU0)
	if err != nil {
		return nil, err
	}
	m.head = head
	return m, nil
}

func (m *model) inputDim() int {
	if m.proj != nil {
		return m.proj.InF
	}
	return m.head.InF
}

func (m *model) parameters() []*tensor.Tensor {
	var ps []*tensor.Tensor
	if m.proj != nil {
		ps = append(ps, m.proj.Parameters()...)
	}
	return append(ps, m.head.Parameters()...)
}

func (m *model) named() []namedParam {
	var ps []namedParam
	if m.proj != nil {
		ps = append(ps, namedParam{"proj.weight", m.proj.Weight}, namedParam{"proj.bias", m.proj.Bias})
	}
	return append(ps, namedParam{"head.weight", m.head.Weight})
}

func (m *model) logits(x *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	h := x
	if m.proj != nil {
		var err error
		if h, err = m.proj.Forward(x); err != nil {
			return nil, err
		}
	}
	return m.head.Forward(h, targets)
}

// loss evaluates the training loss at the schedule's starting beta.
func (m *model) loss(x *tensor.Tensor, targets []int) (float64, error) {
	m.head.ResetBeta()
	logits, err := m.logits(x, targets)
	if err != nil {
		return 0, err
	}
	l, err := ops.SoftmaxCrossEntropy(logits, targets)
	if err != nil {
		return 0, err
	}
	v, err := l.Item()
	return float64(v), err
}

func (m *model) backward(x *tensor.Tensor, targets []int) (float64, error) {
	for _, p := range m.parameters() {
		p.SetGrad(nil)
	}
	m.head.ResetBeta()
	logits, err := m.logits(x, targets)
	if err != nil {
		return 0, err
	}
	l, err := ops.SoftmaxCrossEntropy(logits, targets)
	if err != nil {
		return 0, err
	}
	if err := autograd.Backward(l); err != nil {
		return 0, err
	}
	v, err := l.Item()
	return float64(v), err
}

// check compares the analytic gradient of p against central differences on
// up to cc.Samples evenly spaced entries and returns the worst relative error.
func (m *model) check(p *tensor.Tensor, x *tensor.Tensor, targets []int, cc config.CheckConfig) (float64, error) {
	if p.Grad() == nil {
		return 0, errors.New("no gradient")
	}
	pData, gData := p.ToFloat32Slice(), p.Grad().ToFloat32Slice()
	stride := len(pData) / cc.Samples
	if stride < 1 {
		stride = 1
	}
	eps := float32(cc.Epsilon)

	maxErr := 0.0
	for j := 0; j < len(pData); j += stride {
		original := pData[j]

		pData[j] = original + eps
		plus, err := m.loss(x, targets)
		if err != nil {
			return 0, err
		}
		pData[j] = original - eps
		minus, err := m.loss(x, targets)
		if err != nil {
			return 0, err
		}
		pData[j] = original

		num := (plus - minus) / (2 * cc.Epsilon)
		ana := float64(gData[j])
		relErr := math.Abs(num-ana) / math.Max(math.Abs(num)+math.Abs(ana), 1e-2)
		if relErr > maxErr {
			maxErr = relErr
		}
	}
	return maxErr, nil
}

// batchData draws a random feature batch and labels.
func batchData(cfg *config.Config, dim int, rng *rand.Rand) (*tensor.Tensor, []int, error) {
	n := cfg.Check.Batch
	data := make([]float32, n*dim)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	x, err := tensor.FromSlice(data, tensor.Shape{n, dim})
	if err != nil {
		return nil, nil, err
	}
	targets := make([]int, n)
	for i := range targets {
		targets[i] = rng.Intn(cfg.Layer.OutFeatures)
	}
	return x, targets, nil
}
