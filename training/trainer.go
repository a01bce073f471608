package training

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fuying-wang/fairseq-signals/criterions"
	"github.com/fuying-wang/fairseq-signals/metrics"
	"github.com/fuying-wang/fairseq-signals/models"
	"github.com/fuying-wang/fairseq-signals/optimizer"
	"github.com/fuying-wang/fairseq-signals/tensor"
)

// BackpropModel is a model that can push an analytic logits gradient back
// through its trainable parameters.
type BackpropModel interface {
	models.Model
	Backward(out models.NetOutput, gradLogits *tensor.Tensor) error
}

// StepCriterion is the criterion surface the trainer drives: the standard
// reduction contract plus the split forward and the analytic gradient the
// update step needs.
type StepCriterion interface {
	criterions.Criterion
	Compute(model models.Model, out models.NetOutput, sample *models.Sample, reduce bool) (*tensor.Tensor, int, criterions.LoggingOutput, error)
	GradLogits(probs, target *tensor.Tensor) (*tensor.Tensor, error)
}

// MetricsRecorder persists one reduced snapshot per (run, epoch, split).
type MetricsRecorder interface {
	RecordEpoch(run string, epoch int, split string, values map[string]float64) error
}

// updateCounted is implemented by models that gate parameters on the
// number of updates performed (finetuning warmup).
type updateCounted interface {
	SetNumUpdates(n int)
}

// Config holds configuration for training
type Config struct {
	RunID         string
	Epochs        int
	Workers       int // data-parallel criterion workers per step
	LogInterval   int // training steps between metric reductions
	ValidateEvery int // run validation every N epochs (0 = no validation)
	EarlyStopping bool
	Patience      int
	ShowProgress  bool
}

// Trainer manages the training process: data-parallel statistic
// production, interval-level metric reduction, and parameter updates.
type Trainer struct {
	model     BackpropModel
	criterion StepCriterion
	optim     optimizer.Optimizer
	registry  *metrics.Registry
	logger    *zap.Logger
	recorder  MetricsRecorder
	exporter  *metrics.PrometheusExporter
	config    Config

	numUpdates int
	trainLoss  []float64
	validLoss  []float64
}

// NewTrainer creates a new Trainer. recorder and exporter may be nil.
func NewTrainer(
	model BackpropModel,
	criterion StepCriterion,
	optim optimizer.Optimizer,
	config Config,
	logger *zap.Logger,
	recorder MetricsRecorder,
	exporter *metrics.PrometheusExporter,
) (*Trainer, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive: %d", config.Epochs)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.LogInterval <= 0 {
		config.LogInterval = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Trainer{
		model:     model,
		criterion: criterion,
		optim:     optim,
		registry:  metrics.NewRegistry(),
		logger:    logger,
		recorder:  recorder,
		exporter:  exporter,
		config:    config,
	}, nil
}

// TrainLossCurve returns the reduced training loss at each logging
// boundary so far.
func (t *Trainer) TrainLossCurve() []float64 {
	return t.trainLoss
}

// ValidLossCurve returns the reduced validation loss per validation epoch.
func (t *Trainer) ValidLossCurve() []float64 {
	return t.validLoss
}

// Train runs the complete training loop.
func (t *Trainer) Train(trainLoader, validLoader *DataLoader) error {
	t.logger.Info("starting training",
		zap.String("run", t.config.RunID),
		zap.Int("epochs", t.config.Epochs),
		zap.Int("workers", t.config.Workers))

	bestValidLoss := float64(1e10)
	patienceCounter := 0

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		epochStart := time.Now()

		t.model.Train()
		if err := t.trainEpoch(trainLoader, epoch); err != nil {
			return fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}

		if validLoader != nil && t.config.ValidateEvery > 0 && (epoch+1)%t.config.ValidateEvery == 0 {
			t.model.Eval()
			validMetrics, err := t.evalEpoch(validLoader, epoch)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %v", epoch, err)
			}

			validLoss := validMetrics["loss"]
			t.validLoss = append(t.validLoss, validLoss)

			if t.config.EarlyStopping {
				if validLoss < bestValidLoss {
					bestValidLoss = validLoss
					patienceCounter = 0
				} else {
					patienceCounter++
					if patienceCounter >= t.config.Patience {
						t.logger.Info("early stopping triggered",
							zap.Int("epoch", epoch+1),
							zap.Float64("best_valid_loss", bestValidLoss))
						return nil
					}
				}
			}
		}

		t.logger.Info("epoch complete",
			zap.Int("epoch", epoch),
			zap.Duration("duration", time.Since(epochStart)),
			zap.Int("updates", t.numUpdates))
	}

	return nil
}

// trainEpoch runs one training epoch: each step shards work across the
// configured workers, gathers their un-summed logging outputs, and reduces
// them at every logging boundary.
func (t *Trainer) trainEpoch(loader *DataLoader, epoch int) error {
	loader.Reset()

	var progress *ProgressBar
	if t.config.ShowProgress {
		progress = NewProgressBar(fmt.Sprintf("epoch %d", epoch), loader.Len())
	}

	var interval []criterions.LoggingOutput
	step := 0
	done := 0

	for loader.HasNext() {
		samples, err := t.nextShards(loader)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			break
		}

		outputs, err := t.trainStep(samples)
		if err != nil {
			return err
		}
		interval = append(interval, outputs...)

		step++
		done += len(samples)
		if progress != nil {
			progress.Update(done, map[string]float64{"updates": float64(t.numUpdates)})
		}

		if step%t.config.LogInterval == 0 {
			if err := t.reduceInterval(interval, epoch, "train"); err != nil {
				return err
			}
			interval = interval[:0]
		}
	}

	if len(interval) > 0 {
		if err := t.reduceInterval(interval, epoch, "train"); err != nil {
			return err
		}
	}
	if progress != nil {
		progress.Finish()
	}
	return nil
}

// nextShards pulls up to Workers batches for one data-parallel step.
func (t *Trainer) nextShards(loader *DataLoader) ([]*models.Sample, error) {
	samples := make([]*models.Sample, 0, t.config.Workers)
	for i := 0; i < t.config.Workers; i++ {
		sample, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if sample == nil {
			break
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

type stepResult struct {
	netOut     models.NetOutput
	sample     *models.Sample
	sampleSize int
	logOut     criterions.LoggingOutput
	err        error
}

// trainStep runs the criterion forward on every shard in parallel, then
// applies one combined parameter update. The per-shard logging outputs are
// returned intact: they must not be merged before metric reduction.
func (t *Trainer) trainStep(samples []*models.Sample) ([]criterions.LoggingOutput, error) {
	results := make([]stepResult, len(samples))

	var wg sync.WaitGroup
	for i, sample := range samples {
		wg.Add(1)
		go func(i int, sample *models.Sample) {
			defer wg.Done()
			results[i] = t.runShard(sample)
		}(i, sample)
	}
	wg.Wait()

	totalSampleSize := 0
	for i := range results {
		if results[i].err != nil {
			return nil, results[i].err
		}
		totalSampleSize += results[i].sampleSize
	}
	if totalSampleSize < 1 {
		totalSampleSize = 1
	}

	// Gradient accumulation is sequential: shards contribute additively
	// to the same parameter gradients, scaled by the combined sample
	// size so sharding does not change the effective step.
	t.optim.ZeroGrad(t.model.Parameters())
	for i := range results {
		if err := t.backwardShard(&results[i], totalSampleSize); err != nil {
			return nil, err
		}
	}
	if err := t.optim.Step(t.model.Parameters()); err != nil {
		return nil, err
	}

	t.numUpdates++
	if counted, ok := t.model.(updateCounted); ok {
		counted.SetNumUpdates(t.numUpdates)
	}

	outputs := make([]criterions.LoggingOutput, len(results))
	for i := range results {
		outputs[i] = results[i].logOut
	}
	return outputs, nil
}

func (t *Trainer) runShard(sample *models.Sample) stepResult {
	netOut, err := t.model.Forward(sample.NetInput)
	if err != nil {
		return stepResult{err: fmt.Errorf("model forward failed: %v", err)}
	}

	_, sampleSize, logOut, err := t.criterion.Compute(t.model, netOut, sample, true)
	if err != nil {
		return stepResult{err: err}
	}

	return stepResult{
		netOut:     netOut,
		sample:     sample,
		sampleSize: sampleSize,
		logOut:     logOut,
	}
}

func (t *Trainer) backwardShard(result *stepResult, totalSampleSize int) error {
	logits, err := t.model.Logits(result.netOut)
	if err != nil {
		return err
	}
	probs, err := tensor.Sigmoid(logits)
	if err != nil {
		return err
	}
	target, err := t.model.Targets(result.sample, result.netOut)
	if err != nil {
		return err
	}

	gradLogits, err := t.criterion.GradLogits(probs, target)
	if err != nil {
		return err
	}
	gradLogits, err = tensor.Scale(gradLogits, 1.0/float64(totalSampleSize))
	if err != nil {
		return err
	}

	return t.model.Backward(result.netOut, gradLogits)
}

// evalEpoch runs the model over a loader without updates, gathering every
// worker bundle of the epoch into one reduction.
func (t *Trainer) evalEpoch(loader *DataLoader, epoch int) (map[string]float64, error) {
	loader.Reset()

	var outputs []criterions.LoggingOutput
	for loader.HasNext() {
		samples, err := t.nextShards(loader)
		if err != nil {
			return nil, err
		}
		if len(samples) == 0 {
			break
		}

		results := make([]stepResult, len(samples))
		var wg sync.WaitGroup
		for i, sample := range samples {
			wg.Add(1)
			go func(i int, sample *models.Sample) {
				defer wg.Done()
				results[i] = t.runShard(sample)
			}(i, sample)
		}
		wg.Wait()

		for i := range results {
			if results[i].err != nil {
				return nil, results[i].err
			}
			outputs = append(outputs, results[i].logOut)
		}
	}

	return t.reduceIntervalSnapshot(outputs, epoch, "valid")
}

func (t *Trainer) reduceInterval(outputs []criterions.LoggingOutput, epoch int, split string) error {
	snapshot, err := t.reduceIntervalSnapshot(outputs, epoch, split)
	if err != nil {
		return err
	}
	if split == "train" {
		t.trainLoss = append(t.trainLoss, snapshot["loss"])
	}
	return nil
}

// reduceIntervalSnapshot is the logging boundary: a fresh aggregation over
// exactly this interval's bundles, reported and then discarded.
func (t *Trainer) reduceIntervalSnapshot(outputs []criterions.LoggingOutput, epoch int, split string) (map[string]float64, error) {
	if len(outputs) == 0 {
		return map[string]float64{}, nil
	}

	t.registry.Reset()
	if err := t.criterion.ReduceMetrics(outputs, t.registry); err != nil {
		return nil, err
	}
	snapshot := t.registry.Snapshot()

	fields := []zap.Field{
		zap.String("split", split),
		zap.Int("epoch", epoch),
	}
	for _, name := range t.registry.Names() {
		if value, ok := snapshot[name]; ok {
			fields = append(fields, zap.Float64(name, value))
		}
	}
	t.logger.Info("metrics", fields...)

	if t.exporter != nil {
		t.exporter.Publish(snapshot)
	}
	if t.recorder != nil {
		if err := t.recorder.RecordEpoch(t.config.RunID, epoch, split, snapshot); err != nil {
			return nil, fmt.Errorf("failed to record metrics: %v", err)
		}
	}
	return snapshot, nil
}
