package models

import (
	"fmt"

	"github.com/fuying-wang/fairseq-signals/tensor"
)

// Encoder is the pretrained backbone behind a finetuning model. The
// architecture itself (attention stacks, convolutional feature extractors)
// lives behind this interface and is not part of this repository.
type Encoder interface {
	// Forward maps raw signals [batch, leads, samples] to features
	// [batch, dim].
	Forward(source *tensor.Tensor, maskIndices []bool) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
}

// FinetuningConfig controls how a pretrained encoder is wrapped for a
// downstream task.
type FinetuningConfig struct {
	// ModelPath points at the pretrained checkpoint, informational here.
	ModelPath string

	// NoPretrainedWeights skips loading the checkpoint weights.
	NoPretrainedWeights bool

	// FreezeFinetuneUpdates withholds encoder parameters from the
	// optimizer for this many updates.
	FreezeFinetuneUpdates int
}

// FinetuningOutput pairs the encoder features with the head's own output.
type FinetuningOutput struct {
	Features *tensor.Tensor
	Head     NetOutput
}

// FinetuningModel wraps a pretrained encoder with a task head. While the
// update counter is below FreezeFinetuneUpdates only the head's parameters
// are reported to the optimizer.
type FinetuningModel struct {
	cfg        FinetuningConfig
	encoder    Encoder
	head       *LinearClassifier
	numUpdates int
	training   bool
}

func NewFinetuningModel(cfg FinetuningConfig, encoder Encoder, head *LinearClassifier) (*FinetuningModel, error) {
	if encoder == nil {
		return nil, fmt.Errorf("finetuning model requires an encoder")
	}
	if head == nil {
		return nil, fmt.Errorf("finetuning model requires a head")
	}
	return &FinetuningModel{cfg: cfg, encoder: encoder, head: head, training: true}, nil
}

// SetNumUpdates records the number of parameter updates performed so far.
func (fm *FinetuningModel) SetNumUpdates(n int) {
	fm.numUpdates = n
}

// NumUpdates returns the recorded update count.
func (fm *FinetuningModel) NumUpdates() int {
	return fm.numUpdates
}

func (fm *FinetuningModel) Forward(in NetInput) (NetOutput, error) {
	features, err := fm.encoder.Forward(in.Source, in.MaskIndices)
	if err != nil {
		return nil, fmt.Errorf("encoder forward failed: %v", err)
	}
	if len(features.Shape) != 2 {
		return nil, fmt.Errorf("encoder features must be [batch, dim], got shape %v", features.Shape)
	}

	// The head consumes features as a single-sample-per-step "signal"
	// with one time position per feature dimension transposed away; it
	// pools over a length-1 axis so the dense layer sees the features
	// unchanged.
	batch := features.Shape[0]
	dim := features.Shape[1]
	reshaped, err := tensor.NewTensor([]int{batch, dim, 1}, tensor.Float32, features.Data.([]float32))
	if err != nil {
		return nil, err
	}

	headOut, err := fm.head.Forward(NetInput{Source: reshaped})
	if err != nil {
		return nil, fmt.Errorf("head forward failed: %v", err)
	}

	return &FinetuningOutput{Features: features, Head: headOut}, nil
}

func (fm *FinetuningModel) Logits(out NetOutput) (*tensor.Tensor, error) {
	fo, ok := out.(*FinetuningOutput)
	if !ok {
		return nil, fmt.Errorf("unexpected net output type %T", out)
	}
	return fm.head.Logits(fo.Head)
}

func (fm *FinetuningModel) Targets(sample *Sample, out NetOutput) (*tensor.Tensor, error) {
	if sample.Target == nil {
		return nil, fmt.Errorf("sample has no target tensor")
	}
	return sample.Target, nil
}

// Backward pushes dL/dlogits into the head's parameters. The encoder
// receives no gradient; its training happens upstream of this wrapper.
func (fm *FinetuningModel) Backward(out NetOutput, gradLogits *tensor.Tensor) error {
	fo, ok := out.(*FinetuningOutput)
	if !ok {
		return fmt.Errorf("unexpected net output type %T", out)
	}
	return fm.head.Backward(fo.Head, gradLogits)
}

// Parameters reports the trainable parameters. The encoder's are held back
// until the configured number of warmup updates has passed.
func (fm *FinetuningModel) Parameters() []*tensor.Tensor {
	params := fm.head.Parameters()
	if fm.numUpdates >= fm.cfg.FreezeFinetuneUpdates {
		params = append(params, fm.encoder.Parameters()...)
	}
	return params
}

func (fm *FinetuningModel) Train() {
	fm.training = true
	fm.head.Train()
}

func (fm *FinetuningModel) Eval() {
	fm.training = false
	fm.head.Eval()
}

func (fm *FinetuningModel) IsTraining() bool { return fm.training }
