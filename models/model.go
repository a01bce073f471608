package models

import (
	"github.com/fuying-wang/fairseq-signals/tensor"
)

// NetInput carries the model-facing portion of a batch.
type NetInput struct {
	// Source holds the raw signals, shaped [batch, leads, samples].
	Source *tensor.Tensor

	// MaskIndices flags the positions a masked-prediction task covers.
	// Nil when the task does not mask.
	MaskIndices []bool
}

// Sample is one mini-batch as handed to a criterion.
type Sample struct {
	// ID identifies the underlying recordings; only its length is used
	// when counting signals.
	ID []int64

	NetInput NetInput

	// Target has the same shape as the model's logits.
	Target *tensor.Tensor

	// SampleSize is the explicit loss denominator when the task provides
	// one. Nil means the criterion falls back to mask counts or target
	// sums.
	SampleSize *int
}

// NetOutput is a model-specific prediction bundle. Criterions never look
// inside it; they go through the owning model's Logits accessor.
type NetOutput interface{}

// Model is the capability surface a criterion needs from a network. It is
// deliberately narrow so the loss and metric code can be exercised without
// any particular architecture behind it.
type Model interface {
	Forward(in NetInput) (NetOutput, error)

	// Logits exposes the raw (pre-sigmoid) prediction view of a forward
	// output.
	Logits(out NetOutput) (*tensor.Tensor, error)

	// Targets resolves the training targets for a sample, broadcast to
	// the shape of the logits.
	Targets(sample *Sample, out NetOutput) (*tensor.Tensor, error)

	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}
