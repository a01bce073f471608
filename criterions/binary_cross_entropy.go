package criterions

import (
	"fmt"
	"math"

	"github.com/fuying-wang/fairseq-signals/metrics"
	"github.com/fuying-wang/fairseq-signals/models"
	"github.com/fuying-wang/fairseq-signals/tensor"
)

func init() {
	Register("binary_cross_entropy", func() Criterion {
		return NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	})
}

const logEps = 1e-10

// BinaryCrossEntropyConfig configures the binary cross-entropy criterion.
type BinaryCrossEntropyConfig struct {
	// Weight is a manual rescaling weight given to the loss of each batch
	// element. If given, it has to broadcast against the logits: one
	// entry per batch row or one per element.
	Weight []float32

	// ReportAUC enables pooling raw scores for AUROC/AUPRC during
	// evaluation steps.
	ReportAUC bool
}

// BinaryCrossEntropyCriterion scores multi-label binary predictions with a
// sigmoid + cross-entropy loss and tracks the confusion statistics the
// metric reduction derives accuracy, precision and recall from.
type BinaryCrossEntropyCriterion struct {
	cfg BinaryCrossEntropyConfig
}

func NewBinaryCrossEntropyCriterion(cfg BinaryCrossEntropyConfig) *BinaryCrossEntropyCriterion {
	return &BinaryCrossEntropyCriterion{cfg: cfg}
}

// Forward computes the loss for the given sample.
//
// Returns the loss, the sample size used as the gradient denominator, and
// the logging output carrying this batch's statistics.
func (c *BinaryCrossEntropyCriterion) Forward(model models.Model, sample *models.Sample, reduce bool) (*tensor.Tensor, int, LoggingOutput, error) {
	netOutput, err := model.Forward(sample.NetInput)
	if err != nil {
		return nil, 0, LoggingOutput{}, fmt.Errorf("model forward failed: %v", err)
	}
	return c.Compute(model, netOutput, sample, reduce)
}

// Compute is Forward with the model's forward pass already done, for
// callers that need the net output afterwards (a trainer running its own
// backward pass).
func (c *BinaryCrossEntropyCriterion) Compute(model models.Model, netOutput models.NetOutput, sample *models.Sample, reduce bool) (*tensor.Tensor, int, LoggingOutput, error) {
	var logOut LoggingOutput

	logits, err := model.Logits(netOutput)
	if err != nil {
		return nil, 0, logOut, fmt.Errorf("logits accessor failed: %v", err)
	}

	probs, err := tensor.Sigmoid(logits)
	if err != nil {
		return nil, 0, logOut, err
	}

	target, err := model.Targets(sample, netOutput)
	if err != nil {
		return nil, 0, logOut, fmt.Errorf("targets accessor failed: %v", err)
	}

	loss, err := c.binaryCrossEntropy(probs, target, reduce)
	if err != nil {
		return nil, 0, logOut, err
	}

	sampleSize, err := resolveSampleSize(sample, target)
	if err != nil {
		return nil, 0, logOut, err
	}

	if reduce {
		logOut.Loss, err = tensor.Sum(loss)
		if err != nil {
			return nil, 0, logOut, err
		}
	} else {
		detached, err := loss.Clone()
		if err != nil {
			return nil, 0, logOut, err
		}
		logOut.LossTensor = detached
	}
	logOut.NSignals = len(sample.ID)
	logOut.SampleSize = sampleSize

	if err := c.collectStatistics(&logOut, probs, target); err != nil {
		return nil, 0, logOut, err
	}

	if !model.IsTraining() && c.cfg.ReportAUC {
		targetData, err := target.Float32Data()
		if err != nil {
			return nil, 0, logOut, err
		}
		probData, err := probs.Float32Data()
		if err != nil {
			return nil, 0, logOut, err
		}
		logOut.YTrue = toFloat64(targetData)
		logOut.YScore = toFloat64(probData)
	}

	return loss, sampleSize, logOut, nil
}

// binaryCrossEntropy computes -(t*log(p) + (1-t)*log(1-p)) per element,
// rescaled by the configured weight, summed when reduce is set.
func (c *BinaryCrossEntropyCriterion) binaryCrossEntropy(probs, target *tensor.Tensor, reduce bool) (*tensor.Tensor, error) {
	probData, err := probs.Float32Data()
	if err != nil {
		return nil, err
	}
	targetData, err := target.Float32Data()
	if err != nil {
		return nil, err
	}
	if len(probData) != len(targetData) {
		return nil, fmt.Errorf("probability and target sizes must match: %d vs %d", len(probData), len(targetData))
	}

	// An empty batch carries zero loss and zero statistics downstream.
	if probs.NumElems == 0 {
		if reduce {
			return tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
		}
		return tensor.NewTensor(probs.Shape, tensor.Float32, []float32{})
	}

	batch := probs.Shape[0]
	numel := probs.NumElems
	perRow := 0
	if batch > 0 {
		perRow = numel / batch
	}

	if c.cfg.Weight != nil && len(c.cfg.Weight) != numel && len(c.cfg.Weight) != batch {
		return nil, fmt.Errorf("weight vector of length %d does not broadcast against batch of shape %v", len(c.cfg.Weight), probs.Shape)
	}

	elementLoss := make([]float32, numel)
	for i := 0; i < numel; i++ {
		p := float64(probData[i])
		if p < logEps {
			p = logEps
		}
		q := 1.0 - float64(probData[i])
		if q < logEps {
			q = logEps
		}
		t := float64(targetData[i])
		l := -(t*math.Log(p) + (1.0-t)*math.Log(q))

		if c.cfg.Weight != nil {
			if len(c.cfg.Weight) == numel {
				l *= float64(c.cfg.Weight[i])
			} else {
				l *= float64(c.cfg.Weight[i/perRow])
			}
		}
		elementLoss[i] = float32(l)
	}

	if !reduce {
		return tensor.NewTensor(probs.Shape, tensor.Float32, elementLoss)
	}

	var sum float32
	for _, l := range elementLoss {
		sum += l
	}
	return tensor.NewTensor([]int{1}, tensor.Float32, []float32{sum})
}

// resolveSampleSize picks the loss denominator: an explicit field on the
// sample wins, then the count of masked positions, then the integer sum of
// positive targets. Task conventions differ, so the order matters.
func resolveSampleSize(sample *models.Sample, target *tensor.Tensor) (int, error) {
	if sample.SampleSize != nil {
		return *sample.SampleSize, nil
	}

	if sample.NetInput.MaskIndices != nil {
		n := 0
		for _, masked := range sample.NetInput.MaskIndices {
			if masked {
				n++
			}
		}
		return n, nil
	}

	targetSum, err := tensor.Sum(target)
	if err != nil {
		return 0, err
	}
	return int(targetSum), nil
}

// collectStatistics fills the confusion cells at the 0.5 threshold. This
// runs outside any gradient path; nothing here may feed backpropagation.
func (c *BinaryCrossEntropyCriterion) collectStatistics(logOut *LoggingOutput, probs, target *tensor.Tensor) error {
	if probs.NumElems == 0 {
		return nil
	}

	probData, err := probs.Float32Data()
	if err != nil {
		return err
	}
	targetData, err := target.Float32Data()
	if err != nil {
		return err
	}

	logOut.Count = float64(probs.NumElems)

	var truePartition, falsePartition float64
	for i := range probData {
		predicted := probData[i] > 0.5

		if targetData[i] == 1 {
			truePartition++
			if predicted {
				logOut.TP++
			}
		} else {
			falsePartition++
			if predicted {
				logOut.FP++
			}
		}
	}
	logOut.FN = truePartition - logOut.TP
	logOut.TN = falsePartition - logOut.FP
	logOut.Correct = logOut.TP + logOut.TN

	return nil
}

// GradLogits returns dL/dlogits for the summed sigmoid cross-entropy:
// probs - target, rescaled by the configured weight.
func (c *BinaryCrossEntropyCriterion) GradLogits(probs, target *tensor.Tensor) (*tensor.Tensor, error) {
	grad, err := tensor.Sub(probs, target)
	if err != nil {
		return nil, err
	}
	if c.cfg.Weight == nil || grad.NumElems == 0 {
		return grad, nil
	}

	batch := grad.Shape[0]
	numel := grad.NumElems
	if len(c.cfg.Weight) == numel {
		weights, err := tensor.NewTensor(grad.Shape, tensor.Float32, c.cfg.Weight)
		if err != nil {
			return nil, err
		}
		return tensor.Mul(grad, weights)
	}
	if len(c.cfg.Weight) != batch {
		return nil, fmt.Errorf("weight vector of length %d does not broadcast against batch of shape %v", len(c.cfg.Weight), grad.Shape)
	}

	gradData := grad.Data.([]float32)
	perRow := numel / batch
	for i := range gradData {
		gradData[i] *= c.cfg.Weight[i/perRow]
	}
	return grad, nil
}

// ReduceMetrics aggregates logging outputs from data parallel training.
//
// Every ratio below is derived from summed numerators and denominators.
// Averaging per-worker ratios instead would bias the result whenever batch
// sizes differ across workers.
func (c *BinaryCrossEntropyCriterion) ReduceMetrics(outputs []LoggingOutput, sink metrics.Sink) error {
	var lossSum float64
	var nsignals, sampleSize int
	for _, out := range outputs {
		if out.LossTensor != nil {
			s, err := tensor.Sum(out.LossTensor)
			if err != nil {
				return err
			}
			lossSum += s
		} else {
			lossSum += out.Loss
		}
		nsignals += out.NSignals
		sampleSize += out.SampleSize
	}

	denom := float64(sampleSize)
	if denom == 0 {
		denom = 1
	}
	// Loss is reported in bits per sample, hence the ln(2).
	sink.LogScalar("loss", lossSum/denom/math.Ln2, float64(sampleSize), 3)

	if allCarryScores(outputs) {
		var yTrue, yScore []float64
		for _, out := range outputs {
			yTrue = append(yTrue, out.YTrue...)
			yScore = append(yScore, out.YScore...)
		}
		sink.LogAUC("_auc", yScore, yTrue)

		if len(yTrue) > 0 {
			sink.LogDerived("auroc", func(v metrics.Values) float64 {
				return metrics.SafeRound(v.AUC("_auc").AUROC(), 3)
			})
			sink.LogDerived("auprc", func(v metrics.Values) float64 {
				return metrics.SafeRound(v.AUC("_auc").AUPRC(), 3)
			})
		}
	}

	sink.LogScalar("nsignals", float64(nsignals), 1, metrics.NoRound)

	var correct, total, tp, fp, tn, fn float64
	for _, out := range outputs {
		correct += out.Correct
		total += out.Count
		tp += out.TP
		fp += out.FP
		tn += out.TN
		fn += out.FN
	}

	sink.LogScalar("_correct", correct, 1, metrics.NoRound)
	sink.LogScalar("_total", total, 1, metrics.NoRound)
	sink.LogScalar("_tp", tp, 1, metrics.NoRound)
	sink.LogScalar("_fp", fp, 1, metrics.NoRound)
	sink.LogScalar("_tn", tn, 1, metrics.NoRound)
	sink.LogScalar("_fn", fn, 1, metrics.NoRound)

	sink.LogDerived("accuracy", func(v metrics.Values) float64 {
		totalSum := v.ScalarSum("_total")
		if totalSum == 0 {
			return math.NaN()
		}
		return metrics.SafeRound(v.ScalarSum("_correct")/totalSum, 5)
	})
	sink.LogDerived("precision", func(v metrics.Values) float64 {
		predictedPos := v.ScalarSum("_tp") + v.ScalarSum("_fp")
		if predictedPos == 0 {
			return math.NaN()
		}
		return metrics.SafeRound(v.ScalarSum("_tp")/predictedPos, 5)
	})
	sink.LogDerived("recall", func(v metrics.Values) float64 {
		actualPos := v.ScalarSum("_tp") + v.ScalarSum("_fn")
		if actualPos == 0 {
			return math.NaN()
		}
		return metrics.SafeRound(v.ScalarSum("_tp")/actualPos, 5)
	})

	return nil
}

// SumLoggingOutputsAllowed is false: YTrue/YScore arrays concatenate, they
// do not sum, so workers' bundles must reach ReduceMetrics intact.
func (c *BinaryCrossEntropyCriterion) SumLoggingOutputsAllowed() bool {
	return false
}

func allCarryScores(outputs []LoggingOutput) bool {
	if len(outputs) == 0 {
		return false
	}
	for _, out := range outputs {
		if out.YTrue == nil || out.YScore == nil {
			return false
		}
	}
	return true
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
