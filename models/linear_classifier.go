package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/fuying-wang/fairseq-signals/tensor"
)

// Global random source for deterministic weight initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// ClassifierOutput is the forward bundle of LinearClassifier. The pooled
// features are kept so the analytic backward pass can reuse them.
type ClassifierOutput struct {
	LogitsTensor *tensor.Tensor
	pooled       *tensor.Tensor
}

// LinearClassifier is a minimal reference head: it mean-pools each lead over
// time and applies a dense layer, y = pool(x)W + b. It exists so the
// criterion and trainer can run end to end without a pretrained encoder.
type LinearClassifier struct {
	weight   *tensor.Tensor // [leads, outputs]
	bias     *tensor.Tensor // [outputs]
	training bool
}

// NewLinearClassifier creates a classifier over `leads` input channels with
// `outputs` binary heads, Xavier-initialized.
func NewLinearClassifier(leads, outputs int) (*LinearClassifier, error) {
	if leads <= 0 || outputs <= 0 {
		return nil, fmt.Errorf("leads and outputs must be positive: %d, %d", leads, outputs)
	}

	// Xavier/Glorot uniform: W ~ U(-sqrt(6/(fan_in+fan_out)), +...)
	bound := math.Sqrt(6.0 / float64(leads+outputs))
	weightData := make([]float32, leads*outputs)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{leads, outputs}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	bias, err := tensor.Zeros([]int{outputs}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %v", err)
	}
	bias.SetRequiresGrad(true)

	return &LinearClassifier{weight: weight, bias: bias, training: true}, nil
}

func (lc *LinearClassifier) Forward(in NetInput) (NetOutput, error) {
	if in.Source == nil {
		return nil, fmt.Errorf("net input has no source tensor")
	}
	if len(in.Source.Shape) != 3 {
		return nil, fmt.Errorf("source must be [batch, leads, samples], got shape %v", in.Source.Shape)
	}

	batch := in.Source.Shape[0]
	leads := in.Source.Shape[1]
	samples := in.Source.Shape[2]

	if leads != lc.weight.Shape[0] {
		return nil, fmt.Errorf("lead count mismatch: model expects %d, source has %d", lc.weight.Shape[0], leads)
	}

	src, err := in.Source.Float32Data()
	if err != nil {
		return nil, err
	}

	// Mean-pool each lead over time.
	pooledData := make([]float32, batch*leads)
	for b := 0; b < batch; b++ {
		for l := 0; l < leads; l++ {
			var sum float32
			base := b*leads*samples + l*samples
			for s := 0; s < samples; s++ {
				sum += src[base+s]
			}
			pooledData[b*leads+l] = sum / float32(samples)
		}
	}

	pooled, err := tensor.NewTensor([]int{batch, leads}, tensor.Float32, pooledData)
	if err != nil {
		return nil, err
	}

	logits, err := tensor.MatMul(pooled, lc.weight)
	if err != nil {
		return nil, fmt.Errorf("dense projection failed: %v", err)
	}

	// Broadcast the bias across rows by tiling it to the logits shape.
	outputs := lc.weight.Shape[1]
	biasData := lc.bias.Data.([]float32)
	tiled := make([]float32, batch*outputs)
	for b := 0; b < batch; b++ {
		copy(tiled[b*outputs:(b+1)*outputs], biasData)
	}
	rowBias, err := tensor.NewTensor([]int{batch, outputs}, tensor.Float32, tiled)
	if err != nil {
		return nil, err
	}
	logits, err = tensor.Add(logits, rowBias)
	if err != nil {
		return nil, fmt.Errorf("bias addition failed: %v", err)
	}

	return &ClassifierOutput{LogitsTensor: logits, pooled: pooled}, nil
}

func (lc *LinearClassifier) Logits(out NetOutput) (*tensor.Tensor, error) {
	co, ok := out.(*ClassifierOutput)
	if !ok {
		return nil, fmt.Errorf("unexpected net output type %T", out)
	}
	return co.LogitsTensor, nil
}

func (lc *LinearClassifier) Targets(sample *Sample, out NetOutput) (*tensor.Tensor, error) {
	if sample.Target == nil {
		return nil, fmt.Errorf("sample has no target tensor")
	}
	return sample.Target, nil
}

// Backward accumulates analytic gradients for the dense layer given
// dL/dlogits. Gradients land on the parameter tensors for the optimizer.
func (lc *LinearClassifier) Backward(out NetOutput, gradLogits *tensor.Tensor) error {
	co, ok := out.(*ClassifierOutput)
	if !ok {
		return fmt.Errorf("unexpected net output type %T", out)
	}

	batch := co.pooled.Shape[0]
	leads := co.pooled.Shape[1]
	outputs := lc.weight.Shape[1]

	grad, err := gradLogits.Float32Data()
	if err != nil {
		return err
	}
	if len(grad) != batch*outputs {
		return fmt.Errorf("gradient length %d does not match batch %d x outputs %d", len(grad), batch, outputs)
	}

	pooled := co.pooled.Data.([]float32)

	// dW = pooled^T . gradLogits, db = column sums of gradLogits.
	gradW := make([]float32, leads*outputs)
	gradB := make([]float32, outputs)
	for b := 0; b < batch; b++ {
		for o := 0; o < outputs; o++ {
			g := grad[b*outputs+o]
			gradB[o] += g
			for l := 0; l < leads; l++ {
				gradW[l*outputs+o] += pooled[b*leads+l] * g
			}
		}
	}

	if err := accumulateGrad(lc.weight, gradW, []int{leads, outputs}); err != nil {
		return err
	}
	return accumulateGrad(lc.bias, gradB, []int{outputs})
}

func accumulateGrad(param *tensor.Tensor, delta []float32, shape []int) error {
	if param.Grad() == nil {
		g, err := tensor.Zeros(shape, tensor.Float32)
		if err != nil {
			return err
		}
		param.SetGrad(g)
	}
	gd := param.Grad().Data.([]float32)
	for i, v := range delta {
		gd[i] += v
	}
	return nil
}

func (lc *LinearClassifier) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{lc.weight, lc.bias}
}

func (lc *LinearClassifier) Train() { lc.training = true }

func (lc *LinearClassifier) Eval() { lc.training = false }

func (lc *LinearClassifier) IsTraining() bool { return lc.training }
