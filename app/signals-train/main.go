package main

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"

	"github.com/guptarohit/asciigraph"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fuying-wang/fairseq-signals/checkpoints"
	"github.com/fuying-wang/fairseq-signals/config"
	"github.com/fuying-wang/fairseq-signals/criterions"
	"github.com/fuying-wang/fairseq-signals/history"
	"github.com/fuying-wang/fairseq-signals/metrics"
	"github.com/fuying-wang/fairseq-signals/models"
	"github.com/fuying-wang/fairseq-signals/optimizer"
	"github.com/fuying-wang/fairseq-signals/tensor"
	"github.com/fuying-wang/fairseq-signals/training"
)

const (
	numLeads      = 12
	signalSamples = 256
	trainRecords  = 256
	validRecords  = 64
)

// syntheticDataset generates labeled 12-lead signals on the fly. Positive
// records carry a raised baseline on every lead, the way an elevated segment
// would present, plus per-record noise.
type syntheticDataset struct {
	records []*training.Record
}

func (d *syntheticDataset) Len() int { return len(d.records) }

func (d *syntheticDataset) Get(idx int) (*training.Record, error) {
	if idx < 0 || idx >= len(d.records) {
		return nil, fmt.Errorf("index %d out of range", idx)
	}
	return d.records[idx], nil
}

func newSyntheticDataset(n int, rng *rand.Rand) (*syntheticDataset, error) {
	records := make([]*training.Record, n)
	for i := range records {
		label := float32(i % 2)
		offset := float64(label)*0.8 - 0.4

		data := make([]float32, numLeads*signalSamples)
		for lead := 0; lead < numLeads; lead++ {
			phase := rng.Float64() * 2 * math.Pi
			for s := 0; s < signalSamples; s++ {
				wave := math.Sin(2*math.Pi*float64(s)/float64(signalSamples) + phase)
				noise := rng.NormFloat64() * 0.1
				data[lead*signalSamples+s] = float32(wave*0.5 + offset + noise)
			}
		}

		source, err := tensor.NewTensor([]int{numLeads, signalSamples}, tensor.Float32, data)
		if err != nil {
			return nil, err
		}
		records[i] = &training.Record{
			ID:     int64(i),
			Source: source,
			Target: []float32{label},
		}
	}
	return &syntheticDataset{records: records}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	rng := rand.New(rand.NewSource(cfg.Seed))
	models.SetRandomSeed(cfg.Seed)

	trainData, err := newSyntheticDataset(trainRecords, rng)
	if err != nil {
		return fmt.Errorf("failed to build training data: %v", err)
	}
	validData, err := newSyntheticDataset(validRecords, rng)
	if err != nil {
		return fmt.Errorf("failed to build validation data: %v", err)
	}

	trainLoader, err := training.NewDataLoader(trainData, cfg.BatchSize, true, cfg.Seed)
	if err != nil {
		return err
	}
	validLoader, err := training.NewDataLoader(validData, cfg.BatchSize, false, cfg.Seed)
	if err != nil {
		return err
	}

	model, err := models.NewLinearClassifier(numLeads, 1)
	if err != nil {
		return fmt.Errorf("failed to create model: %v", err)
	}

	criterion := criterions.NewBinaryCrossEntropyCriterion(criterions.BinaryCrossEntropyConfig{
		ReportAUC: cfg.ReportAUC,
	})

	sgd, err := optimizer.NewSGD(optimizer.SGDConfig{
		LearningRate: float32(cfg.LearningRate),
		Momentum:     float32(cfg.Momentum),
		WeightDecay:  float32(cfg.WeightDecay),
	})
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var exporter *metrics.PrometheusExporter
	if cfg.MetricsAddress != "" {
		exporter = metrics.NewPrometheusExporter("fairseq_signals")
		go func() {
			handler := promhttp.HandlerFor(exporter.Gatherer(), promhttp.HandlerOpts{})
			logger.Info("serving metrics", zap.String("address", cfg.MetricsAddress))
			if err := http.ListenAndServe(cfg.MetricsAddress, handler); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	trainer, err := training.NewTrainer(model, criterion, sgd, training.Config{
		RunID:         cfg.RunID,
		Epochs:        cfg.Epochs,
		Workers:       cfg.Workers,
		LogInterval:   cfg.LogInterval,
		ValidateEvery: cfg.ValidateEvery,
		EarlyStopping: cfg.EarlyStopping,
		Patience:      cfg.Patience,
		ShowProgress:  cfg.ShowProgress,
	}, logger, store, exporter)
	if err != nil {
		return err
	}

	if err := trainer.Train(trainLoader, validLoader); err != nil {
		return err
	}

	if err := saveCheckpoint(cfg, model, trainer); err != nil {
		return err
	}

	printLossCurve(trainer.TrainLossCurve())
	return nil
}

func saveCheckpoint(cfg *config.Config, model models.Model, trainer *training.Trainer) error {
	weights, err := checkpoints.ExtractWeights(model)
	if err != nil {
		return err
	}

	// JSON cannot carry NaN, so a run without validation records zero.
	bestLoss := 0.0
	for i, loss := range trainer.ValidLossCurve() {
		if i == 0 || loss < bestLoss {
			bestLoss = loss
		}
	}

	checkpoint := &checkpoints.Checkpoint{
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			RunID:    cfg.RunID,
			Epoch:    cfg.Epochs,
			BestLoss: bestLoss,
		},
		OptimizerState: &checkpoints.OptimizerState{
			Type:         "SGD",
			LearningRate: float32(cfg.LearningRate),
			Momentum:     float32(cfg.Momentum),
			WeightDecay:  float32(cfg.WeightDecay),
		},
	}

	if err := os.MkdirAll(cfg.CheckpointDir, 0o750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	path := filepath.Join(cfg.CheckpointDir, cfg.RunID+".json")
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		return err
	}

	binarySaver := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary)
	binaryPath := filepath.Join(cfg.CheckpointDir, cfg.RunID+".bin")
	return binarySaver.SaveCheckpoint(checkpoint, binaryPath)
}

func printLossCurve(curve []float64) {
	if len(curve) < 2 {
		return
	}
	fmt.Println("\nTraining loss:")
	fmt.Println(asciigraph.Plot(curve, asciigraph.Height(10), asciigraph.Width(60)))
}
