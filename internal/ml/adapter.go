package ml

import (
	"context"
	"fmt"
	"math"

	"car-forecast/internal/features"
)

// Threshold is the fixed decision boundary. A probability equal to it is Profitable.
const Threshold = 0.5

// InferenceError reports a structural failure of the preprocessor or classifier.
type InferenceError struct {
	Op  string // "transform" or "predict"
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s failed: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Decide maps a probability onto the binary label.
func Decide(probability float64) int {
	if probability >= Threshold {
		return 1
	}
	return 0
}

// Adapter invokes a preprocessor/classifier pair on canonical records.
// It holds no mutable state; both capabilities are shared read-only.
type Adapter struct {
	preprocessor Preprocessor
	classifier   Classifier
}

// NewAdapter creates an adapter over the given capabilities.
func NewAdapter(p Preprocessor, c Classifier) *Adapter {
	return &Adapter{preprocessor: p, classifier: c}
}

// Predict returns the label and the positive-class probability for a record.
func (a *Adapter) Predict(ctx context.Context, rec features.Record) (int, float64, error) {
	if a == nil || a.preprocessor == nil || a.classifier == nil {
		return 0, 0, &InferenceError{Op: "predict", Err: fmt.Errorf("adapter is not initialized")}
	}

	vector, err := a.preprocessor.Transform(ctx, rec.Row())
	if err != nil {
		return 0, 0, &InferenceError{Op: "transform", Err: err}
	}
	if len(vector) == 0 {
		return 0, 0, &InferenceError{Op: "transform", Err: fmt.Errorf("empty feature vector")}
	}

	prob, err := a.classifier.PredictProba(ctx, vector)
	if err != nil {
		return 0, 0, &InferenceError{Op: "predict", Err: err}
	}

	// Validate output
	if math.IsNaN(prob) || prob < 0 || prob > 1 {
		return 0, 0, &InferenceError{Op: "predict", Err: fmt.Errorf("probability %v outside [0, 1]", prob)}
	}

	return Decide(prob), prob, nil
}
