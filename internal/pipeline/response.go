package pipeline

import (
	"car-forecast/internal/common"
	"car-forecast/internal/features"
	"car-forecast/internal/ml"
)

// Result is the prediction response sent to callers.
type Result struct {
	Profitable  bool             `json:"profitable"`
	Probability float64          `json:"probability"`
	Prediction  string           `json:"prediction"`
	Metrics     ml.StaticMetrics `json:"metrics"`
	Input       features.Record  `json:"input"`
}

// ErrorResponse is the uniform failure shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Build packages a decision into a Result.
func Build(label int, probability float64, rec features.Record, metrics ml.StaticMetrics) Result {
	prediction := common.LabelNotProfitable
	if label == 1 {
		prediction = common.LabelProfitable
	}
	return Result{
		Profitable:  label == 1,
		Probability: probability,
		Prediction:  prediction,
		Metrics:     metrics,
		Input:       rec,
	}
}

// NewErrorResponse renders err for the wire.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error()}
}
