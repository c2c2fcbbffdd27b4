// Package pipeline runs one request end to end: decode, normalize, predict,
// respond. It also hosts the one-shot and streaming request loops.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"car-forecast/internal/features"
	"car-forecast/internal/ml"
	"car-forecast/internal/storage"

	"github.com/rs/zerolog/log"
)

// Outcome labels for PredictionsInc.
const (
	OutcomeProfitable    = "profitable"
	OutcomeNotProfitable = "not_profitable"
)

// Predictor is the model capability the pipeline needs.
type Predictor interface {
	Predict(ctx context.Context, rec features.Record) (int, float64, error)
	Metrics() ml.StaticMetrics
}

// MetricsInterface defines the metrics methods used by the pipeline
type MetricsInterface interface {
	PredictionsInc(outcome string)
	ValidationErrorsInc()
	MalformedRequestsInc()
	InferenceFailuresInc()
	LatencyObserve(seconds float64)
	ProbabilityObserve(p float64)
}

// Recorder persists served predictions.
type Recorder interface {
	Append(p storage.Prediction) error
}

// Pipeline turns raw requests into results.
type Pipeline struct {
	predictor Predictor
	metrics   MetricsInterface
	recorder  Recorder
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics reports request outcomes to m.
func WithMetrics(m MetricsInterface) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithRecorder logs every successful prediction to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// New creates a pipeline over predictor.
func New(predictor Predictor, opts ...Option) *Pipeline {
	p := &Pipeline{
		predictor: predictor,
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle normalizes raw input and predicts.
func (p *Pipeline) Handle(ctx context.Context, raw features.RawInput) (Result, error) {
	rec, err := features.Normalize(raw)
	if err != nil {
		var ve *features.ValidationError
		if errors.As(err, &ve) {
			p.metrics.ValidationErrorsInc()
			log.Debug().Strs("fields", ve.Fields).Msg("Rejected incomplete request")
		}
		return Result{}, err
	}

	start := time.Now()
	label, prob, err := p.predictor.Predict(ctx, rec)
	latency := time.Since(start)
	p.metrics.LatencyObserve(latency.Seconds())
	if err != nil {
		p.metrics.InferenceFailuresInc()
		log.Error().Err(err).Dur("latency", latency).Msg("Inference failed")
		return Result{}, err
	}

	res := Build(label, prob, rec, p.predictor.Metrics())

	outcome := OutcomeNotProfitable
	if res.Profitable {
		outcome = OutcomeProfitable
	}
	p.metrics.PredictionsInc(outcome)
	p.metrics.ProbabilityObserve(prob)

	log.Debug().
		Float64("probability", prob).
		Str("prediction", res.Prediction).
		Dur("latency", latency).
		Msg("Prediction served")

	if p.recorder != nil {
		entry := storage.Prediction{
			Timestamp:   time.Now(),
			Input:       rec,
			Probability: prob,
			Profitable:  res.Profitable,
			Prediction:  res.Prediction,
		}
		if err := p.recorder.Append(entry); err != nil {
			log.Warn().Err(err).Msg("Failed to record prediction")
		}
	}

	return res, nil
}

// HandleJSON decodes one JSON document and handles it.
func (p *Pipeline) HandleJSON(ctx context.Context, data []byte) (Result, error) {
	raw, err := DecodeRequest(data)
	if err != nil {
		p.metrics.MalformedRequestsInc()
		return Result{}, err
	}
	return p.Handle(ctx, raw)
}

// DecodeRequest parses exactly one JSON object. Numbers keep their literal text.
func DecodeRequest(data []byte) (features.RawInput, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &MalformedRequestError{Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &MalformedRequestError{Err: fmt.Errorf("unexpected data after JSON value")}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &MalformedRequestError{Err: fmt.Errorf("expected a JSON object, got %s", jsonKind(v))}
	}
	return features.RawInput(obj), nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

type noopMetrics struct{}

func (noopMetrics) PredictionsInc(string)      {}
func (noopMetrics) ValidationErrorsInc()       {}
func (noopMetrics) MalformedRequestsInc()      {}
func (noopMetrics) InferenceFailuresInc()      {}
func (noopMetrics) LatencyObserve(float64)     {}
func (noopMetrics) ProbabilityObserve(float64) {}
