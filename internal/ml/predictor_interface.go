// Package ml provides the prediction capabilities of the car profitability service.
// It defines the preprocessor/classifier capability pair the pipeline depends on,
// the adapter that turns a canonical record into a decision, and the backends that
// implement the capabilities: a native Go forward pass over exported artifacts and
// a long-lived Python bridge over the trained Keras/joblib artifacts.
package ml

import (
	"context"

	"car-forecast/internal/features"
)

// Preprocessor encodes a tabular row into the feature vector the classifier expects.
// Implementations encode categorical columns and scale numeric columns exactly as
// fit at training time; a category unseen during training encodes as all zeros.
type Preprocessor interface {
	Transform(ctx context.Context, row features.Row) ([]float64, error)
}

// Classifier runs forward inference on an encoded feature vector.
// It returns the probability of the positive ("Profitable") class.
type Classifier interface {
	PredictProba(ctx context.Context, vector []float64) (float64, error)
}
