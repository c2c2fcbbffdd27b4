package ml

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"car-forecast/internal/common"

	"github.com/sbinet/npyio/npz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadStaticMetrics_Documents(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"json", "metrics.json", `{"accuracy":0.87,"precision":0.84,"recall":0.81,"f1_score":0.825,"confusion_matrix":[[40,6],[8,46]]}`},
		{"yaml", "metrics.yaml", "accuracy: 0.87\nprecision: 0.84\nrecall: 0.81\nf1_score: 0.825\nconfusion_matrix:\n  - [40, 6]\n  - [8, 46]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)

			art, err := LoadStaticMetrics(path)
			require.NoError(t, err)
			assert.Equal(t, SampleMetrics, art.StaticMetrics)
			assert.Equal(t, [][]int64{{40, 6}, {8, 46}}, art.ConfusionMatrix)
			assert.Equal(t, path, art.Path)
			assert.False(t, art.ModifiedAt.IsZero())
		})
	}
}

func TestLoadStaticMetrics_NPZ(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.npz")

	w, err := npz.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write("cm", []int64{40, 6, 8, 46}))
	require.NoError(t, w.Write("acc", []float64{0.87}))
	require.NoError(t, w.Write("prec", []float64{0.84}))
	require.NoError(t, w.Write("rec", []float64{0.81}))
	require.NoError(t, w.Write("f1", []float64{0.825}))
	require.NoError(t, w.Close())

	art, err := LoadStaticMetrics(path)
	require.NoError(t, err)
	assert.Equal(t, SampleMetrics, art.StaticMetrics)
	assert.Equal(t, [][]int64{{40, 6}, {8, 46}}, art.ConfusionMatrix)
}

func TestLoadStaticMetrics_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadStaticMetrics(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	_, err = LoadStaticMetrics(writeFile(t, dir, "metrics.txt", "accuracy=1"))
	assert.ErrorContains(t, err, "unsupported")

	_, err = LoadStaticMetrics(writeFile(t, dir, "bad.json", `{"accuracy": 1.7}`))
	assert.ErrorContains(t, err, "accuracy")

	_, err = LoadStaticMetrics(writeFile(t, dir, "broken.yaml", "accuracy: [unterminated"))
	assert.Error(t, err)
}

func writeNativeArtifacts(t *testing.T, dir string, inputDim int) ManagerConfig {
	t.Helper()

	pre, err := json.Marshal(testPreprocessorSpec())
	require.NoError(t, err)

	kernel := make([][]float64, inputDim)
	for i := range kernel {
		kernel[i] = []float64{0}
	}
	model, err := json.Marshal(NetworkSpec{
		InputDim: inputDim,
		Layers:   []LayerSpec{{Type: LayerDense, Activation: "sigmoid", Weights: kernel, Bias: []float64{0}}},
	})
	require.NoError(t, err)

	return ManagerConfig{
		Backend:          common.BackendNative,
		ModelPath:        writeFile(t, dir, "model.json", string(model)),
		PreprocessorPath: writeFile(t, dir, "preprocessor.json", string(pre)),
		MetricsPath:      writeFile(t, dir, "metrics.json", `{"accuracy":0.87,"precision":0.84,"recall":0.81,"f1_score":0.825}`),
	}
}

func TestManager_Native(t *testing.T) {
	config := writeNativeArtifacts(t, t.TempDir(), 8)

	m, err := NewManager(config)
	require.NoError(t, err)
	defer m.Close()

	label, prob, err := m.Predict(context.Background(), sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, 0.5, prob)
	assert.Equal(t, 1, label)

	assert.Equal(t, SampleMetrics, m.Metrics())
	assert.Equal(t, common.BackendNative, m.Backend())

	info := m.Info()
	assert.Equal(t, 8, info.FeatureWidth)
	assert.Equal(t, config.ModelPath, info.ModelPath)
	assert.Equal(t, SampleMetrics, info.Metrics)
}

func TestManager_WidthMismatch(t *testing.T) {
	config := writeNativeArtifacts(t, t.TempDir(), 5)

	_, err := NewManager(config)
	assert.ErrorContains(t, err, "expects 5")
}

func TestManager_UnknownBackend(t *testing.T) {
	config := writeNativeArtifacts(t, t.TempDir(), 8)
	config.Backend = "onnx"

	_, err := NewManager(config)
	assert.ErrorContains(t, err, "unknown model backend")
}

func TestManager_With(t *testing.T) {
	m := NewManagerWith("stub", &StubPreprocessor{}, &StubClassifier{Probability: 0.2}, SampleMetrics)

	label, prob, err := m.Predict(context.Background(), sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, 0, label)
	assert.Equal(t, 0.2, prob)
	assert.NoError(t, m.Close())
}
