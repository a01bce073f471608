// Package checkpoints serializes model weights and training state so runs
// can be resumed or their best models shipped elsewhere.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fuying-wang/fairseq-signals/models"
	"github.com/fuying-wang/fairseq-signals/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete model state including weights, optimizer
// configuration, and training metadata
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	RunID       string             `json:"run_id"`
	Epoch       int                `json:"epoch"`
	NumUpdates  int                `json:"num_updates"`
	BestLoss    float64            `json:"best_loss"`
	BestMetrics map[string]float64 `json:"best_metrics,omitempty"`
}

// OptimizerState captures optimizer hyperparameters
type OptimizerState struct {
	Type         string  `json:"type"`
	LearningRate float32 `json:"learning_rate"`
	Momentum     float32 `json:"momentum"`
	WeightDecay  float32 `json:"weight_decay"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "fairseq-signals"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		return cs.saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatBinary:
		return cs.loadBinary(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// ExtractWeights snapshots a model's trainable parameters. Names follow the
// parameter order so the same model shape can load them back.
func ExtractWeights(model models.Model) ([]WeightTensor, error) {
	params := model.Parameters()
	weights := make([]WeightTensor, 0, len(params))

	for i, param := range params {
		data, err := param.Float32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract parameter %d: %v", i, err)
		}

		copied := make([]float32, len(data))
		copy(copied, data)
		shape := make([]int, len(param.Shape))
		copy(shape, param.Shape)

		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("param_%d", i),
			Shape: shape,
			Data:  copied,
		})
	}

	return weights, nil
}

// LoadWeights copies checkpoint weights back into a model's parameters.
// The model must expose the same number of parameters with the same shapes.
func LoadWeights(weights []WeightTensor, model models.Model) error {
	params := model.Parameters()
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for i, param := range params {
		weight := weights[i]
		if err := verifyShape(param, weight); err != nil {
			return err
		}

		data, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("failed to access parameter %d: %v", i, err)
		}
		if len(data) != len(weight.Data) {
			return fmt.Errorf("data length mismatch for %s: %d vs %d", weight.Name, len(data), len(weight.Data))
		}
		copy(data, weight.Data)
	}

	return nil
}

func verifyShape(param *tensor.Tensor, weight WeightTensor) error {
	if len(param.Shape) != len(weight.Shape) {
		return fmt.Errorf("shape rank mismatch for %s: parameter %v vs weight %v",
			weight.Name, param.Shape, weight.Shape)
	}
	for j, dim := range param.Shape {
		if dim != weight.Shape[j] {
			return fmt.Errorf("dimension mismatch for %s at index %d: parameter %d vs weight %d",
				weight.Name, j, dim, weight.Shape[j])
		}
	}
	return nil
}
