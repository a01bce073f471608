package optimizer

import (
	"math"
	"testing"

	"github.com/fuying-wang/fairseq-signals/tensor"
)

func TestNewSGDValidation(t *testing.T) {
	if _, err := NewSGD(SGDConfig{LearningRate: 0}); err == nil {
		t.Error("expected error for zero learning rate")
	}
	if _, err := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 1.5}); err == nil {
		t.Error("expected error for momentum > 1")
	}
	if _, err := NewSGD(SGDConfig{LearningRate: 0.1, WeightDecay: -1}); err == nil {
		t.Error("expected error for negative weight decay")
	}
	if _, err := NewSGD(SGDConfig{LearningRate: 0.1, Nesterov: true}); err == nil {
		t.Error("expected error for nesterov without momentum")
	}
}

func TestSGDVanillaStep(t *testing.T) {
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("failed to create optimizer: %v", err)
	}

	param, _ := tensor.NewTensor([]int{2}, tensor.Float32, []float32{1.0, -1.0})
	grad, _ := tensor.NewTensor([]int{2}, tensor.Float32, []float32{0.5, -0.5})
	param.SetGrad(grad)

	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	data := param.Data.([]float32)
	if math.Abs(float64(data[0])-0.95) > 1e-6 || math.Abs(float64(data[1])+0.95) > 1e-6 {
		t.Errorf("expected [0.95 -0.95], got %v", data)
	}
	if sgd.StepCount() != 1 {
		t.Errorf("expected step count 1, got %d", sgd.StepCount())
	}
}

func TestSGDSkipsParamsWithoutGrad(t *testing.T) {
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("failed to create optimizer: %v", err)
	}

	param, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{3.0})
	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if param.Data.([]float32)[0] != 3.0 {
		t.Error("parameter without gradient must not move")
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	sgd, err := NewSGD(SGDConfig{LearningRate: 1.0, Momentum: 0.5})
	if err != nil {
		t.Fatalf("failed to create optimizer: %v", err)
	}

	param, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
	grad, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{1})
	param.SetGrad(grad)

	// v1 = 1, w = -1; v2 = 0.5 + 1 = 1.5, w = -2.5
	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("first step failed: %v", err)
	}
	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("second step failed: %v", err)
	}

	got := param.Data.([]float32)[0]
	if math.Abs(float64(got)+2.5) > 1e-6 {
		t.Errorf("expected -2.5 after two momentum steps, got %f", got)
	}
}

func TestSGDZeroGrad(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1})
	param, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{1})
	grad, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{1})
	param.SetGrad(grad)

	sgd.ZeroGrad([]*tensor.Tensor{param})
	if param.Grad() != nil {
		t.Error("expected gradient cleared")
	}
}
