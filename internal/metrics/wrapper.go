package metrics

import "github.com/prometheus/client_golang/prometheus"

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
}

// MetricsWrapper adapts Metrics to the narrow interface the pipeline uses.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) PredictionsInc(outcome string) {
	w.m.PredictionsTotal.WithLabelValues(outcome).Inc()
}

func (w *MetricsWrapper) ValidationErrorsInc() {
	w.m.ValidationErrors.Inc()
}

func (w *MetricsWrapper) MalformedRequestsInc() {
	w.m.MalformedRequests.Inc()
}

func (w *MetricsWrapper) InferenceFailuresInc() {
	w.m.InferenceFailures.Inc()
}

func (w *MetricsWrapper) LatencyObserve(seconds float64) {
	w.m.InferenceLatency.Observe(seconds)
}

func (w *MetricsWrapper) ProbabilityObserve(p float64) {
	w.m.PredictionProbability.Observe(p)
}

// HTTPRequest returns the counter for one route and status code.
func (w *MetricsWrapper) HTTPRequest(route, code string) MetricsCounter {
	return &CounterWrapper{w.m.HTTPRequests.WithLabelValues(route, code)}
}

// ModelAccuracy is the gauge for the loaded model's training-time accuracy.
func (w *MetricsWrapper) ModelAccuracy() MetricsGauge {
	return &GaugeWrapper{w.m.ModelAccuracy}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}
