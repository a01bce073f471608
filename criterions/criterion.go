package criterions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fuying-wang/fairseq-signals/metrics"
	"github.com/fuying-wang/fairseq-signals/models"
	"github.com/fuying-wang/fairseq-signals/tensor"
)

// LoggingOutput is one worker's statistics bundle for one batch. Additive
// fields are summed during reduction; YTrue/YScore can only be
// concatenated, which is why bundles must never be pre-summed upstream.
type LoggingOutput struct {
	// Loss holds the summed loss when the forward pass reduced. When it
	// did not, LossTensor carries the detached per-element losses and
	// Loss is zero.
	Loss       float64
	LossTensor *tensor.Tensor

	// NSignals counts raw input recordings in the batch.
	NSignals int

	// SampleSize is the loss-normalization denominator for this batch.
	SampleSize int

	// Correct and Count back the accuracy ratio.
	Correct float64
	Count   float64

	// Confusion matrix cells at the 0.5 decision threshold.
	TP float64
	FP float64
	TN float64
	FN float64

	// Raw targets and scores for AUC pooling, populated only in
	// evaluation mode when AUC reporting is on. Index-aligned.
	YTrue  []float64
	YScore []float64
}

// Criterion computes a training loss plus the per-batch statistics needed
// for interval-level metric reduction.
type Criterion interface {
	// Forward computes the loss for one sample. reduce selects between a
	// summed scalar loss and the full per-element loss tensor.
	Forward(model models.Model, sample *models.Sample, reduce bool) (*tensor.Tensor, int, LoggingOutput, error)

	// ReduceMetrics aggregates the logging outputs of one interval
	// (across all workers) into the sink. Ratios derive from summed
	// numerators and denominators only.
	ReduceMetrics(outputs []LoggingOutput, sink metrics.Sink) error

	// SumLoggingOutputsAllowed reports whether a distributed driver may
	// collapse workers' bundles into one additive record before
	// ReduceMetrics runs.
	SumLoggingOutputsAllowed() bool
}

// Factory builds a criterion from nothing but its own configuration;
// configs are criterion-specific and bound at registration call sites.
type Factory func() Criterion

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register makes a criterion constructor available by name. Registering
// the same name twice panics, mirroring a misconfigured build.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("criterion %q registered twice", name))
	}
	registry[name] = factory
}

// Build constructs a registered criterion by name.
func Build(name string) (Criterion, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown criterion %q (registered: %v)", name, registeredNamesLocked())
	}
	return factory(), nil
}

func registeredNamesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
