package ml

import (
	"context"
	"sync"

	"car-forecast/internal/features"
)

// StubPreprocessor implements Preprocessor for testing
type StubPreprocessor struct {
	mu      sync.Mutex
	Vector  []float64
	Err     error
	rows    []features.Row
	callCnt int
}

func (s *StubPreprocessor) Transform(_ context.Context, row features.Row) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCnt++
	s.rows = append(s.rows, row)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Vector == nil {
		return []float64{1}, nil
	}
	return append([]float64(nil), s.Vector...), nil
}

// Rows returns every row passed to Transform.
func (s *StubPreprocessor) Rows() []features.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]features.Row(nil), s.rows...)
}

func (s *StubPreprocessor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCnt
}

// StubClassifier implements Classifier for testing
type StubClassifier struct {
	mu          sync.Mutex
	Probability float64
	Err         error
	vectors     [][]float64
}

func (s *StubClassifier) PredictProba(_ context.Context, vector []float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = append(s.vectors, vector)
	if s.Err != nil {
		return 0, s.Err
	}
	return s.Probability, nil
}

func (s *StubClassifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vectors)
}

// SampleMetrics is a fixed evaluation snapshot for tests.
var SampleMetrics = StaticMetrics{
	Accuracy:  0.87,
	Precision: 0.84,
	Recall:    0.81,
	F1Score:   0.825,
}
