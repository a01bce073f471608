package criterions

import (
	"math"
	"testing"

	"github.com/fuying-wang/fairseq-signals/metrics"
	"github.com/fuying-wang/fairseq-signals/models"
	"github.com/fuying-wang/fairseq-signals/tensor"
)

// fixedLogitsModel returns a canned logits tensor, bypassing any real
// network so criterion behavior can be pinned down exactly.
type fixedLogitsModel struct {
	logits   *tensor.Tensor
	training bool
}

func (m *fixedLogitsModel) Forward(in models.NetInput) (models.NetOutput, error) {
	return m.logits, nil
}

func (m *fixedLogitsModel) Logits(out models.NetOutput) (*tensor.Tensor, error) {
	return out.(*tensor.Tensor), nil
}

func (m *fixedLogitsModel) Targets(sample *models.Sample, out models.NetOutput) (*tensor.Tensor, error) {
	return sample.Target, nil
}

func (m *fixedLogitsModel) Parameters() []*tensor.Tensor { return nil }
func (m *fixedLogitsModel) Train()                       { m.training = true }
func (m *fixedLogitsModel) Eval()                        { m.training = false }
func (m *fixedLogitsModel) IsTraining() bool             { return m.training }

// logit is the inverse sigmoid, letting tests pick exact probabilities.
func logit(p float64) float32 {
	return float32(math.Log(p / (1 - p)))
}

func modelWithProbs(probs []float64, training bool) *fixedLogitsModel {
	logits := make([]float32, len(probs))
	for i, p := range probs {
		logits[i] = logit(p)
	}
	t, _ := tensor.NewTensor([]int{len(probs), 1}, tensor.Float32, logits)
	return &fixedLogitsModel{logits: t, training: training}
}

func sampleWithTargets(targets []float32) *models.Sample {
	target, _ := tensor.NewTensor([]int{len(targets), 1}, tensor.Float32, targets)
	ids := make([]int64, len(targets))
	for i := range ids {
		ids[i] = int64(i)
	}
	return &models.Sample{ID: ids, Target: target}
}

func TestForwardConfusionStatistics(t *testing.T) {
	// Scores [0.9 0.2 0.6 0.1] against targets [1 0 1 0] at threshold
	// 0.5: predictions [1 0 1 0], a perfect split.
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	model := modelWithProbs([]float64{0.9, 0.2, 0.6, 0.1}, true)
	sample := sampleWithTargets([]float32{1, 0, 1, 0})

	_, _, logOut, err := c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	if logOut.TP != 2 || logOut.FP != 0 || logOut.TN != 2 || logOut.FN != 0 {
		t.Errorf("unexpected confusion cells: tp=%v fp=%v tn=%v fn=%v",
			logOut.TP, logOut.FP, logOut.TN, logOut.FN)
	}
	if logOut.Count != logOut.TP+logOut.FP+logOut.TN+logOut.FN {
		t.Error("count must equal tp+fp+tn+fn")
	}
	if logOut.Correct != logOut.TP+logOut.TN {
		t.Error("correct must equal tp+tn")
	}
	if logOut.NSignals != 4 {
		t.Errorf("expected nsignals 4, got %d", logOut.NSignals)
	}
}

func TestForwardConfusionInvariantsMixed(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	model := modelWithProbs([]float64{0.9, 0.7, 0.4, 0.2, 0.6, 0.1}, true)
	sample := sampleWithTargets([]float32{1, 0, 1, 0, 0, 1})

	_, _, logOut, err := c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	if logOut.Count != logOut.TP+logOut.FP+logOut.TN+logOut.FN {
		t.Error("count must equal tp+fp+tn+fn")
	}
	if logOut.Correct != logOut.TP+logOut.TN {
		t.Error("correct must equal tp+tn")
	}
	// targets: 3 positives, predictions > 0.5: [1 1 0 0 1 0]
	if logOut.TP != 1 || logOut.FN != 2 || logOut.FP != 2 || logOut.TN != 1 {
		t.Errorf("unexpected cells: tp=%v fp=%v tn=%v fn=%v",
			logOut.TP, logOut.FP, logOut.TN, logOut.FN)
	}
}

func TestForwardEmptyBatchZeroStatistics(t *testing.T) {
	// A zero-element logits tensor is a legitimate batch: zero loss and
	// all-zero confusion cells, not an error.
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	logits, err := tensor.NewTensor([]int{}, tensor.Float32, []float32{})
	if err != nil {
		t.Fatalf("failed to create empty tensor: %v", err)
	}
	target, err := tensor.NewTensor([]int{}, tensor.Float32, []float32{})
	if err != nil {
		t.Fatalf("failed to create empty tensor: %v", err)
	}
	model := &fixedLogitsModel{logits: logits, training: true}
	sample := &models.Sample{Target: target}

	loss, sampleSize, logOut, err := c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if sum, _ := tensor.Sum(loss); sum != 0 {
		t.Errorf("expected zero loss, got %f", sum)
	}
	if sampleSize != 0 {
		t.Errorf("expected sample size 0, got %d", sampleSize)
	}
	if logOut.TP != 0 || logOut.FP != 0 || logOut.TN != 0 || logOut.FN != 0 ||
		logOut.Correct != 0 || logOut.Count != 0 {
		t.Errorf("expected zero statistics, got %+v", logOut)
	}

	unreduced, _, _, err := c.Forward(model, sample, false)
	if err != nil {
		t.Fatalf("unreduced forward failed: %v", err)
	}
	if unreduced.NumElems != 0 {
		t.Errorf("expected empty per-element loss, got %d entries", unreduced.NumElems)
	}
}

func TestSampleSizeFallbackOrder(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})

	// No explicit size, no mask: falls back to sum of positive targets.
	model := modelWithProbs([]float64{0.5, 0.5, 0.5, 0.5}, true)
	sample := sampleWithTargets([]float32{1, 1, 0, 0})
	_, sampleSize, _, err := c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if sampleSize != 2 {
		t.Errorf("expected target-sum fallback 2, got %d", sampleSize)
	}

	// Mask indices beat the target sum.
	sample = sampleWithTargets([]float32{1, 1, 0, 0})
	sample.NetInput.MaskIndices = []bool{true, false, true, false, true}
	_, sampleSize, _, err = c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if sampleSize != 3 {
		t.Errorf("expected mask count 3, got %d", sampleSize)
	}

	// An explicit sample size beats everything.
	explicit := 7
	sample.SampleSize = &explicit
	_, sampleSize, _, err = c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if sampleSize != 7 {
		t.Errorf("expected explicit size 7, got %d", sampleSize)
	}
}

func TestForwardUnreducedLossMatchesReducedSum(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	model := modelWithProbs([]float64{0.9, 0.2, 0.6}, true)
	sample := sampleWithTargets([]float32{1, 0, 0})

	reduced, _, _, err := c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("reduced forward failed: %v", err)
	}
	unreduced, _, logOut, err := c.Forward(model, sample, false)
	if err != nil {
		t.Fatalf("unreduced forward failed: %v", err)
	}

	if unreduced.NumElems != 3 {
		t.Errorf("expected per-element loss of 3 entries, got %d", unreduced.NumElems)
	}
	if logOut.LossTensor == nil {
		t.Fatal("unreduced forward must detach the loss tensor into the logging output")
	}

	reducedSum, _ := tensor.Sum(reduced)
	elementSum, _ := tensor.Sum(unreduced)
	if math.Abs(reducedSum-elementSum) > 1e-5 {
		t.Errorf("summed per-element loss %f differs from reduced loss %f", elementSum, reducedSum)
	}
}

func TestForwardWeightLengthMismatch(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{
		Weight: []float32{1, 2, 3},
	})
	model := modelWithProbs([]float64{0.5, 0.5}, true)
	sample := sampleWithTargets([]float32{1, 0})

	if _, _, _, err := c.Forward(model, sample, true); err == nil {
		t.Fatal("expected error for weight vector that does not broadcast")
	}
}

func TestForwardPerElementWeight(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{
		Weight: []float32{2, 0},
	})
	model := modelWithProbs([]float64{0.5, 0.5}, true)
	sample := sampleWithTargets([]float32{1, 0})

	loss, _, _, err := c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	got, _ := tensor.Sum(loss)

	// Both elements carry loss ln(2); weights [2, 0] leave 2*ln(2).
	want := 2 * math.Ln2
	if math.Abs(got-want) > 1e-5 {
		t.Errorf("expected weighted loss %f, got %f", want, got)
	}
}

func TestForwardStashesScoresOnlyInEval(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{ReportAUC: true})

	training := modelWithProbs([]float64{0.9, 0.1}, true)
	sample := sampleWithTargets([]float32{1, 0})
	_, _, logOut, err := c.Forward(training, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if logOut.YTrue != nil || logOut.YScore != nil {
		t.Error("training mode must not stash raw scores")
	}

	eval := modelWithProbs([]float64{0.9, 0.1}, false)
	_, _, logOut, err = c.Forward(eval, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if len(logOut.YTrue) != 2 || len(logOut.YScore) != 2 {
		t.Fatalf("eval mode with ReportAUC must stash scores, got %d/%d", len(logOut.YTrue), len(logOut.YScore))
	}
	if math.Abs(logOut.YScore[0]-0.9) > 1e-6 {
		t.Errorf("stashed score mismatch: %f", logOut.YScore[0])
	}
}

func TestReduceMetricsLossNormalization(t *testing.T) {
	// Two probs at exactly 0.5 give per-element loss ln(2): summed
	// L = 2 ln 2 with sample size 1 reports L/1/ln2 = 2.0.
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	model := modelWithProbs([]float64{0.5, 0.5}, true)
	sample := sampleWithTargets([]float32{1, 0})

	_, _, logOut, err := c.Forward(model, sample, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if logOut.SampleSize != 1 {
		t.Fatalf("expected sample size 1, got %d", logOut.SampleSize)
	}

	sink := metrics.NewRegistry()
	if err := c.ReduceMetrics([]LoggingOutput{logOut}, sink); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}

	snap := sink.Snapshot()
	if snap["loss"] != 2.0 {
		t.Errorf("expected loss 2.000, got %f", snap["loss"])
	}
	if snap["nsignals"] != 2 {
		t.Errorf("expected nsignals 2, got %f", snap["nsignals"])
	}
}

func TestReduceMetricsEmptySampleSizeGuard(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	sink := metrics.NewRegistry()

	err := c.ReduceMetrics([]LoggingOutput{{Loss: 1.5, SampleSize: 0}}, sink)
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}

	snap := sink.Snapshot()
	want := metrics.SafeRound(1.5/math.Ln2, 3)
	if snap["loss"] != want {
		t.Errorf("expected loss %f with zero sample size, got %f", want, snap["loss"])
	}
}

func TestReduceMetricsTwoWorkerPooling(t *testing.T) {
	// Worker bundles tp=3,fp=1,fn=2,tn=4 and tp=1,fp=0,fn=1,tn=2 must
	// pool to precision 4/5 and recall 4/7: ratios of sums, not
	// averages of ratios.
	outputs := []LoggingOutput{
		{TP: 3, FP: 1, FN: 2, TN: 4, Correct: 7, Count: 10, SampleSize: 5},
		{TP: 1, FP: 0, FN: 1, TN: 2, Correct: 3, Count: 4, SampleSize: 2},
	}

	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	sink := metrics.NewRegistry()
	if err := c.ReduceMetrics(outputs, sink); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}

	snap := sink.Snapshot()
	if snap["precision"] != 0.8 {
		t.Errorf("expected precision 0.8, got %f", snap["precision"])
	}
	if snap["recall"] != 0.57143 {
		t.Errorf("expected recall 0.57143, got %f", snap["recall"])
	}
	if snap["_tp"] != 4 || snap["_fp"] != 1 || snap["_tn"] != 6 || snap["_fn"] != 3 {
		t.Errorf("unexpected summed cells: %v", snap)
	}
}

func TestReduceMetricsSumThenRatioAssociativity(t *testing.T) {
	single := []LoggingOutput{
		{Correct: 12, Count: 16, TP: 7, FP: 3, TN: 5, FN: 1, SampleSize: 8},
	}
	perWorker := []LoggingOutput{
		{Correct: 3, Count: 4, TP: 2, FP: 1, TN: 1, FN: 0, SampleSize: 2},
		{Correct: 4, Count: 4, TP: 2, FP: 0, TN: 2, FN: 0, SampleSize: 2},
		{Correct: 2, Count: 4, TP: 1, FP: 2, TN: 1, FN: 0, SampleSize: 2},
		{Correct: 3, Count: 4, TP: 2, FP: 0, TN: 1, FN: 1, SampleSize: 2},
	}

	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})

	pooled := metrics.NewRegistry()
	if err := c.ReduceMetrics(single, pooled); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	sharded := metrics.NewRegistry()
	if err := c.ReduceMetrics(perWorker, sharded); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}

	pooledSnap := pooled.Snapshot()
	shardedSnap := sharded.Snapshot()
	for _, name := range []string{"accuracy", "precision", "recall"} {
		if pooledSnap[name] != shardedSnap[name] {
			t.Errorf("%s differs between pooled and sharded reduction: %f vs %f",
				name, pooledSnap[name], shardedSnap[name])
		}
	}
}

func TestReduceMetricsEmptyTotalYieldsNaN(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	sink := metrics.NewRegistry()
	if err := c.ReduceMetrics([]LoggingOutput{{SampleSize: 1}}, sink); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}

	snap := sink.Snapshot()
	for _, name := range []string{"accuracy", "precision", "recall"} {
		if !math.IsNaN(snap[name]) {
			t.Errorf("expected %s NaN on empty total, got %f", name, snap[name])
		}
	}
}

func TestReduceMetricsAUCPooling(t *testing.T) {
	outputs := []LoggingOutput{
		{YScore: []float64{0.9, 0.2}, YTrue: []float64{1, 0}, SampleSize: 1},
		{YScore: []float64{0.6, 0.1}, YTrue: []float64{1, 0}, SampleSize: 1},
	}

	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{ReportAUC: true})
	sink := metrics.NewRegistry()
	if err := c.ReduceMetrics(outputs, sink); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}

	snap := sink.Snapshot()
	if snap["auroc"] != 1.0 {
		t.Errorf("expected pooled auroc 1.0, got %f", snap["auroc"])
	}
	if snap["auprc"] != 1.0 {
		t.Errorf("expected pooled auprc 1.0, got %f", snap["auprc"])
	}
}

func TestReduceMetricsAUCOmittedWhenMissing(t *testing.T) {
	// One bundle without scores disables AUC for the interval.
	outputs := []LoggingOutput{
		{YScore: []float64{0.9}, YTrue: []float64{1}, SampleSize: 1},
		{SampleSize: 1},
	}

	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{ReportAUC: true})
	sink := metrics.NewRegistry()
	if err := c.ReduceMetrics(outputs, sink); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}

	snap := sink.Snapshot()
	if _, ok := snap["auroc"]; ok {
		t.Error("auroc must be omitted, not NaN, when any bundle lacks scores")
	}
	if _, ok := snap["auprc"]; ok {
		t.Error("auprc must be omitted, not NaN, when any bundle lacks scores")
	}
}

func TestLoggingOutputsNotPreSummable(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	if c.SumLoggingOutputsAllowed() {
		t.Error("bundles carry concatenate-only score arrays; pre-summing must be refused")
	}
}

func TestCriterionRegistry(t *testing.T) {
	crit, err := Build("binary_cross_entropy")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := crit.(*BinaryCrossEntropyCriterion); !ok {
		t.Errorf("unexpected criterion type %T", crit)
	}

	if _, err := Build("no_such_criterion"); err == nil {
		t.Error("expected error for unknown criterion name")
	}
}

func TestGradLogits(t *testing.T) {
	c := NewBinaryCrossEntropyCriterion(BinaryCrossEntropyConfig{})
	probs, _ := tensor.NewTensor([]int{2, 1}, tensor.Float32, []float32{0.9, 0.2})
	target, _ := tensor.NewTensor([]int{2, 1}, tensor.Float32, []float32{1, 0})

	grad, err := c.GradLogits(probs, target)
	if err != nil {
		t.Fatalf("grad failed: %v", err)
	}

	data := grad.Data.([]float32)
	if math.Abs(float64(data[0])+0.1) > 1e-6 || math.Abs(float64(data[1])-0.2) > 1e-6 {
		t.Errorf("expected grads [-0.1 0.2], got %v", data)
	}
}
