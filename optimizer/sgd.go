package optimizer

import (
	"fmt"

	"github.com/fuying-wang/fairseq-signals/tensor"
)

// Optimizer updates parameters in place from the gradients attached to
// them.
type Optimizer interface {
	Step(params []*tensor.Tensor) error
	ZeroGrad(params []*tensor.Tensor)
	StepCount() uint64
}

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// Nesterov lookahead and L2 weight decay over CPU tensors.
type SGD struct {
	config     SGDConfig
	velocities map[*tensor.Tensor][]float32
	stepCount  uint64
}

func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum must be in [0, 1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	return &SGD{
		config:     config,
		velocities: make(map[*tensor.Tensor][]float32),
	}, nil
}

// Step applies one update to every parameter carrying a gradient.
// Parameters without a gradient (frozen, or untouched this step) are
// skipped.
func (s *SGD) Step(params []*tensor.Tensor) error {
	for _, param := range params {
		grad := param.Grad()
		if grad == nil {
			continue
		}

		weights, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter is not Float32: %v", err)
		}
		gradData, err := grad.Float32Data()
		if err != nil {
			return fmt.Errorf("gradient is not Float32: %v", err)
		}
		if len(gradData) != len(weights) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(gradData), len(weights))
		}

		for i := range weights {
			g := gradData[i]
			if s.config.WeightDecay > 0 {
				g += s.config.WeightDecay * weights[i]
			}

			if s.config.Momentum > 0 {
				velocity, ok := s.velocities[param]
				if !ok {
					velocity = make([]float32, len(weights))
					s.velocities[param] = velocity
				}
				velocity[i] = s.config.Momentum*velocity[i] + g
				if s.config.Nesterov {
					g += s.config.Momentum * velocity[i]
				} else {
					g = velocity[i]
				}
			}

			weights[i] -= s.config.LearningRate * g
		}
	}

	s.stepCount++
	return nil
}

// ZeroGrad clears the gradients of all parameters.
func (s *SGD) ZeroGrad(params []*tensor.Tensor) {
	for _, param := range params {
		param.ZeroGrad()
	}
}

// StepCount returns the number of updates applied so far.
func (s *SGD) StepCount() uint64 {
	return s.stepCount
}
