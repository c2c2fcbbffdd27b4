package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Layer types understood by the native classifier.
const (
	LayerDense     = "dense"
	LayerBatchNorm = "batch_normalization"
	LayerDropout   = "dropout"
)

// LayerSpec is one exported network layer. Dense kernels are [inputs][units].
type LayerSpec struct {
	Type       string      `json:"type"`
	Activation string      `json:"activation,omitempty"`
	Weights    [][]float64 `json:"weights,omitempty"`
	Bias       []float64   `json:"bias,omitempty"`

	Gamma          []float64 `json:"gamma,omitempty"`
	Beta           []float64 `json:"beta,omitempty"`
	MovingMean     []float64 `json:"moving_mean,omitempty"`
	MovingVariance []float64 `json:"moving_variance,omitempty"`
	Epsilon        float64   `json:"epsilon,omitempty"`
}

// NetworkSpec is the exported feed-forward network.
type NetworkSpec struct {
	InputDim int         `json:"input_dim"`
	Layers   []LayerSpec `json:"layers"`
}

// NativeClassifier runs the network forward pass in Go. Dropout is the
// identity at inference time.
type NativeClassifier struct {
	spec NetworkSpec
}

// NewNativeClassifier checks layer shapes chain from InputDim to a single output.
func NewNativeClassifier(spec NetworkSpec) (*NativeClassifier, error) {
	if spec.InputDim <= 0 {
		return nil, fmt.Errorf("input_dim must be positive, got %d", spec.InputDim)
	}
	if len(spec.Layers) == 0 {
		return nil, fmt.Errorf("network has no layers")
	}

	width := spec.InputDim
	for i, l := range spec.Layers {
		switch l.Type {
		case LayerDense:
			if len(l.Weights) != width {
				return nil, fmt.Errorf("layer %d: kernel has %d rows, expected %d", i, len(l.Weights), width)
			}
			units := len(l.Bias)
			if units == 0 {
				return nil, fmt.Errorf("layer %d: empty bias", i)
			}
			for r, row := range l.Weights {
				if len(row) != units {
					return nil, fmt.Errorf("layer %d: kernel row %d has %d units, expected %d", i, r, len(row), units)
				}
			}
			if _, err := activation(l.Activation); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			width = units
		case LayerBatchNorm:
			for name, v := range map[string][]float64{
				"gamma": l.Gamma, "beta": l.Beta, "moving_mean": l.MovingMean, "moving_variance": l.MovingVariance,
			} {
				if len(v) != width {
					return nil, fmt.Errorf("layer %d: %s has %d values, expected %d", i, name, len(v), width)
				}
			}
		case LayerDropout:
		default:
			return nil, fmt.Errorf("layer %d: unsupported type %q", i, l.Type)
		}
	}

	if width != 1 {
		return nil, fmt.Errorf("network output width is %d, expected 1", width)
	}

	return &NativeClassifier{spec: spec}, nil
}

// LoadNativeClassifier reads a NetworkSpec from a JSON file.
func LoadNativeClassifier(path string) (*NativeClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}

	var spec NetworkSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}

	return NewNativeClassifier(spec)
}

// InputDim is the expected feature vector length.
func (c *NativeClassifier) InputDim() int {
	return c.spec.InputDim
}

// PredictProba runs the forward pass.
func (c *NativeClassifier) PredictProba(_ context.Context, vector []float64) (float64, error) {
	if len(vector) != c.spec.InputDim {
		return 0, fmt.Errorf("expected %d features, got %d", c.spec.InputDim, len(vector))
	}

	x := vector
	for _, l := range c.spec.Layers {
		switch l.Type {
		case LayerDense:
			act, _ := activation(l.Activation)
			out := make([]float64, len(l.Bias))
			copy(out, l.Bias)
			for i, xi := range x {
				if xi == 0 {
					continue
				}
				for j, w := range l.Weights[i] {
					out[j] += xi * w
				}
			}
			for j := range out {
				out[j] = act(out[j])
			}
			x = out
		case LayerBatchNorm:
			out := make([]float64, len(x))
			for j, xj := range x {
				out[j] = l.Gamma[j]*(xj-l.MovingMean[j])/math.Sqrt(l.MovingVariance[j]+l.Epsilon) + l.Beta[j]
			}
			x = out
		}
	}

	if math.IsNaN(x[0]) {
		return 0, fmt.Errorf("network produced NaN")
	}
	return x[0], nil
}

func activation(name string) (func(float64) float64, error) {
	switch name {
	case "", "linear":
		return func(v float64) float64 { return v }, nil
	case "relu":
		return func(v float64) float64 { return math.Max(0, v) }, nil
	case "sigmoid":
		return sigmoid, nil
	case "tanh":
		return math.Tanh, nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", name)
	}
}

// sigmoid converts a logit to a probability
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
