package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"car-forecast/internal/features"
	"car-forecast/internal/ml"
	"car-forecast/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frontendRequest = `{"bodyType":"suv","transmission":"cvt","fuelType":"CNG","color":"dark blue","horsepower":"180","topSpeed":210,"customInteriors":"y","mileage":14.5,"price":2500000}`

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu            sync.Mutex
	outcomes      map[string]int
	validation    int
	malformed     int
	inference     int
	latencies     int
	probabilities []float64
}

func (m *MockMetrics) PredictionsInc(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[outcome]++
}

func (m *MockMetrics) ValidationErrorsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validation++
}

func (m *MockMetrics) MalformedRequestsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed++
}

func (m *MockMetrics) InferenceFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inference++
}

func (m *MockMetrics) LatencyObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *MockMetrics) ProbabilityObserve(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probabilities = append(m.probabilities, p)
}

type memoryRecorder struct {
	entries []storage.Prediction
	err     error
}

func (r *memoryRecorder) Append(p storage.Prediction) error {
	r.entries = append(r.entries, p)
	return r.err
}

func newTestPipeline(prob float64, opts ...Option) *Pipeline {
	m := ml.NewManagerWith("stub", &ml.StubPreprocessor{}, &ml.StubClassifier{Probability: prob}, ml.SampleMetrics)
	return New(m, opts...)
}

func TestBuild(t *testing.T) {
	rec := features.Record{BodyType: "Sedan"}

	res := Build(1, 0.5, rec, ml.SampleMetrics)
	assert.True(t, res.Profitable)
	assert.Equal(t, "Profitable", res.Prediction)
	assert.Equal(t, 0.5, res.Probability)
	assert.Equal(t, ml.SampleMetrics, res.Metrics)
	assert.Equal(t, rec, res.Input)

	res = Build(0, 0.49, rec, ml.SampleMetrics)
	assert.False(t, res.Profitable)
	assert.Equal(t, "Not Profitable", res.Prediction)
}

func TestResult_WireShape(t *testing.T) {
	data, err := json.Marshal(Build(1, 0.75, features.Record{BodyType: "SUV"}, ml.SampleMetrics))
	require.NoError(t, err)

	s := string(data)
	assert.True(t, strings.HasPrefix(s, `{"profitable":true,"probability":0.75,"prediction":"Profitable","metrics":{"accuracy":0.87,"precision":0.84,"recall":0.81,"f1_score":0.825},"input":{"Body_Type":"SUV"`), s)
}

func TestPipeline_HandleJSON(t *testing.T) {
	metrics := &MockMetrics{}
	recorder := &memoryRecorder{}
	p := newTestPipeline(0.8, WithMetrics(metrics), WithRecorder(recorder))

	res, err := p.HandleJSON(context.Background(), []byte(frontendRequest))
	require.NoError(t, err)

	assert.True(t, res.Profitable)
	assert.Equal(t, 0.8, res.Probability)
	assert.Equal(t, features.Record{
		BodyType:              "SUV",
		Transmission:          "Automatic",
		FuelType:              "Petrol",
		Color:                 "Dark Blue",
		Horsepower:            180,
		TopSpeed:              210,
		CustomisableInteriors: "Yes",
		MileageKmpl:           14.5,
		PriceINR:              2500000,
	}, res.Input)

	assert.Equal(t, 1, metrics.outcomes[OutcomeProfitable])
	assert.Equal(t, []float64{0.8}, metrics.probabilities)
	assert.Equal(t, 1, metrics.latencies)

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, res.Input, recorder.entries[0].Input)
	assert.False(t, recorder.entries[0].Timestamp.IsZero())
}

func TestPipeline_RecorderFailureIgnored(t *testing.T) {
	p := newTestPipeline(0.3, WithRecorder(&memoryRecorder{err: errors.New("disk full")}))

	res, err := p.HandleJSON(context.Background(), []byte(frontendRequest))
	require.NoError(t, err)
	assert.False(t, res.Profitable)
}

func TestPipeline_Errors(t *testing.T) {
	metrics := &MockMetrics{}
	p := newTestPipeline(0.8, WithMetrics(metrics))

	_, err := p.HandleJSON(context.Background(), []byte(`{"bodyType":"SUV"}`))
	var ve *features.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, IsClientError(err))

	_, err = p.HandleJSON(context.Background(), []byte(`{"bodyType":`))
	var me *MalformedRequestError
	require.ErrorAs(t, err, &me)
	assert.True(t, IsClientError(err))

	assert.Equal(t, 1, metrics.validation)
	assert.Equal(t, 1, metrics.malformed)
	assert.Empty(t, metrics.outcomes)
}

func TestPipeline_InferenceFailure(t *testing.T) {
	metrics := &MockMetrics{}
	m := ml.NewManagerWith("stub", &ml.StubPreprocessor{Err: errors.New("shape mismatch")}, &ml.StubClassifier{}, ml.SampleMetrics)
	p := New(m, WithMetrics(metrics))

	_, err := p.HandleJSON(context.Background(), []byte(frontendRequest))
	require.Error(t, err)
	assert.True(t, IsInferenceError(err))
	assert.False(t, IsClientError(err))
	assert.Contains(t, err.Error(), "shape mismatch")
	assert.Equal(t, 1, metrics.inference)
}

func TestDecodeRequest(t *testing.T) {
	raw, err := DecodeRequest([]byte(` {"Horsepower": 150.25} `))
	require.NoError(t, err)
	assert.Equal(t, json.Number("150.25"), raw["Horsepower"])

	for name, input := range map[string]string{
		"array":    `[1, 2]`,
		"string":   `"SUV"`,
		"null":     `null`,
		"number":   `42`,
		"trailing": `{"a":1} {"b":2}`,
		"garbage":  `{"a":1}}`,
		"broken":   `{"a":`,
		"empty":    ``,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(input))
			var me *MalformedRequestError
			assert.ErrorAs(t, err, &me)
		})
	}
}

func TestPipeline_Idempotent(t *testing.T) {
	loop := NewLoop(newTestPipeline(0.61))

	var first, second bytes.Buffer
	require.NoError(t, loop.RunOnce(context.Background(), frontendRequest, nil, &first))
	require.NoError(t, loop.RunOnce(context.Background(), frontendRequest, nil, &second))
	assert.Equal(t, first.String(), second.String())
}
