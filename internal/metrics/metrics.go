// Package metrics provides Prometheus metrics collection for the car profitability service.
// It defines the request outcome, inference and model metrics exposed via the
// Prometheus metrics endpoint of the HTTP bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Request metrics
	PredictionsTotal  *prometheus.CounterVec // Served predictions by outcome
	ValidationErrors  prometheus.Counter     // Requests rejected for missing or invalid fields
	MalformedRequests prometheus.Counter     // Requests that were not a JSON object

	// Inference metrics
	InferenceFailures     prometheus.Counter   // Preprocessor or classifier failures
	InferenceLatency      prometheus.Histogram // Adapter latency in seconds
	PredictionProbability prometheus.Histogram // Distribution of positive-class probabilities

	// Model metrics
	ModelLoaded   prometheus.Gauge       // Unix time the artifacts were loaded
	ModelAccuracy prometheus.Gauge       // Training-time accuracy of the loaded model
	HTTPRequests  *prometheus.CounterVec // HTTP bridge requests by route and status
}

// New creates a process registry carrying the Go and process collectors and
// registers all service metrics on it.
func New() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(registry), registry
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of predictions served, by outcome",
		}, []string{"outcome"}),
		ValidationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "validation_errors_total",
			Help: "Total number of requests with missing or invalid fields",
		}),
		MalformedRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "malformed_requests_total",
			Help: "Total number of requests that were not a JSON object",
		}),
		InferenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "inference_failures_total",
			Help: "Total number of preprocessor or classifier failures",
		}),
		InferenceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Inference latency in seconds (transform and predict)",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		PredictionProbability: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_probability",
			Help:    "Distribution of predicted Profitable probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ModelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_loaded_timestamp_seconds",
			Help: "Unix time the model artifacts were loaded",
		}),
		ModelAccuracy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_accuracy",
			Help: "Accuracy of the loaded model on its held-out test set",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP bridge requests, by route and status code",
		}, []string{"route", "code"}),
	}
}

// SetModelLoaded records when the model was loaded.
func (m *Metrics) SetModelLoaded(at time.Time) {
	m.ModelLoaded.Set(float64(at.Unix()))
}
