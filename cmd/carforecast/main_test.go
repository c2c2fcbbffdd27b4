package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"car-forecast/internal/cfg"
	"car-forecast/internal/features"
	"car-forecast/internal/ml"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthHandler(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"ok":true,"backend":"native","uptime_seconds":3}`)
}

func TestRunRemote_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			healthHandler(w)
			return
		}
		assert.Equal(t, "/api/predict", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"profitable":true,"probability":0.8,"prediction":"Profitable","metrics":{"accuracy":0.87,"precision":0.84,"recall":0.81,"f1_score":0.825},"input":{}}`)
	}))
	defer srv.Close()

	var out bytes.Buffer
	code := runRemote(context.Background(), srv.URL, `{"bodyType":"sedan"}`, strings.NewReader(""), &out)

	assert.Equal(t, 0, code)
	assert.Equal(t, "sedan", got["bodyType"])

	var res map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, true, res["profitable"])
	assert.Equal(t, 0.8, res["probability"])
}

func TestRunRemote_BridgeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			healthHandler(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"Missing or invalid fields: Color"}`)
	}))
	defer srv.Close()

	var out bytes.Buffer
	code := runRemote(context.Background(), srv.URL, "", strings.NewReader(`{"bodyType":"sedan"}`), &out)

	assert.Equal(t, 1, code)
	assert.JSONEq(t, `{"error":"Missing or invalid fields: Color"}`, out.String())
}

func TestRunRemote_BridgeUnhealthy(t *testing.T) {
	predicted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		predicted = true
	}))
	defer srv.Close()

	var out bytes.Buffer
	code := runRemote(context.Background(), srv.URL, `{"bodyType":"sedan"}`, strings.NewReader(""), &out)

	assert.Equal(t, 1, code)
	assert.False(t, predicted)
	assert.Contains(t, out.String(), "is not healthy")
}

func TestRunRemote_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	code := runRemote(context.Background(), "http://127.0.0.1:1", "", strings.NewReader("  \n"), &out)

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "No input provided")
}

func TestStartupFailure(t *testing.T) {
	var out bytes.Buffer
	code := startupFailure(&out, io.ErrUnexpectedEOF)

	assert.Equal(t, 1, code)
	assert.Equal(t, "{\"error\":\"unexpected EOF\"}\n", out.String())
}

func TestInitializeStorage(t *testing.T) {
	assert.Nil(t, initializeStorage(cfg.Settings{}))

	store := initializeStorage(cfg.Settings{DataPath: t.TempDir()})
	require.NotNil(t, store)
	assert.NoError(t, store.Close())
}

func TestGetDurationOrDefault(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT", "")
	assert.Equal(t, time.Minute, getDurationOrDefault("HTTP_TIMEOUT", time.Minute))

	t.Setenv("HTTP_TIMEOUT", "15")
	assert.Equal(t, 15*time.Second, getDurationOrDefault("HTTP_TIMEOUT", time.Minute))

	t.Setenv("HTTP_TIMEOUT", "2m")
	assert.Equal(t, 2*time.Minute, getDurationOrDefault("HTTP_TIMEOUT", time.Minute))

	t.Setenv("HTTP_TIMEOUT", "soon")
	assert.Equal(t, time.Minute, getDurationOrDefault("HTTP_TIMEOUT", time.Minute))
}

const validRequest = `{"bodyType":"sedan","transmission":"manual","fuelType":"petrol","color":"black","horsepower":150,"topSpeed":200,"customInteriors":"no","mileage":15,"price":1500000}`

// writeArtifacts installs a tiny native model whose output is always 0.5.
func writeArtifacts(t *testing.T) {
	t.Helper()
	dir := t.TempDir()

	write := func(name string, v any) string {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		return path
	}

	pre := ml.PreprocessorSpec{
		Categorical: []ml.CategoricalEncoding{{Column: features.FieldBodyType, Categories: []string{"Sedan"}}},
		Numeric:     []ml.NumericScaling{{Column: features.FieldPriceINR, Mean: 0, Scale: 1}},
	}
	net := ml.NetworkSpec{
		InputDim: 2,
		Layers: []ml.LayerSpec{
			{Type: ml.LayerDense, Activation: "sigmoid", Weights: [][]float64{{0}, {0}}, Bias: []float64{0}},
		},
	}

	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MODEL_BACKEND", "native")
	t.Setenv("PREPROCESSOR_PATH", write("preprocessor.json", pre))
	t.Setenv("MODEL_PATH", write("model.json", net))
	t.Setenv("METRICS_PATH", write("metrics.json", ml.SampleMetrics))
	t.Setenv("DATA_PATH", "")
	t.Setenv("LOG_LEVEL", "error")
}

func TestRun_ExitCodes(t *testing.T) {
	writeArtifacts(t)

	tests := []struct {
		name     string
		argv     []string
		stdin    string
		wantCode int
		wantOut  []string
	}{
		{
			name:     "one-shot success",
			argv:     []string{"--json", validRequest},
			wantCode: 0,
			wantOut:  []string{`"profitable":true`},
		},
		{
			name:     "one-shot from stdin",
			stdin:    validRequest,
			wantCode: 0,
			wantOut:  []string{`"prediction":"Profitable"`},
		},
		{
			name:     "one-shot failure still prints the error",
			argv:     []string{"--json", `{"bodyType":"sedan"}`},
			wantCode: 1,
			wantOut:  []string{`{"error":"Missing or invalid fields: Transmission, Fuel_Type`},
		},
		{
			name:     "one-shot without input",
			stdin:    "  ",
			wantCode: 1,
			wantOut:  []string{"No input provided"},
		},
		{
			name:     "stdio per-line error keeps exit zero",
			argv:     []string{"--stdio-server"},
			stdin:    validRequest + "\n{\"bodyType\":\n\n" + validRequest + "\n",
			wantCode: 0,
			wantOut:  []string{`"profitable":true`, `"error":"malformed request`},
		},
		{
			name:     "conflicting modes",
			argv:     []string{"--serve", "--stdio-server"},
			wantCode: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			code := run(context.Background(), tt.argv, strings.NewReader(tt.stdin), &out)

			assert.Equal(t, tt.wantCode, code)
			for _, want := range tt.wantOut {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}

func TestRun_StdioLineCount(t *testing.T) {
	writeArtifacts(t)

	var out bytes.Buffer
	stdin := validRequest + "\nnot json\n" + validRequest + "\n"
	code := run(context.Background(), []string{"--stdio-server"}, strings.NewReader(stdin), &out)

	assert.Equal(t, 0, code)
	assert.Len(t, strings.Split(strings.TrimRight(out.String(), "\n"), "\n"), 3)
}

func TestRun_StartupFailure(t *testing.T) {
	writeArtifacts(t)
	t.Setenv("MODEL_PATH", filepath.Join(t.TempDir(), "missing.json"))

	var out bytes.Buffer
	code := run(context.Background(), []string{"--json", validRequest}, strings.NewReader(""), &out)

	assert.Equal(t, 1, code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestRun_StdioStopsOnCancel(t *testing.T) {
	writeArtifacts(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"--stdio-server"}, pr, &out)
	}()

	_, err := pw.Write([]byte(validRequest + "\n"))
	require.NoError(t, err)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("stdio server kept running after cancel")
	}
}

func TestRun_OneShotStopsOnCancel(t *testing.T) {
	writeArtifacts(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, nil, pr, &out)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, 1, code)
		assert.Contains(t, out.String(), "context canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("one-shot read kept running after cancel")
	}
}
