package ml

import (
	"context"
	"fmt"
	"io"
	"time"

	"car-forecast/internal/common"
	"car-forecast/internal/features"

	"github.com/rs/zerolog/log"
)

// ManagerConfig selects and locates the inference artifacts.
type ManagerConfig struct {
	Backend              string        `yaml:"backend"`
	ModelPath            string        `yaml:"model_path"`
	PreprocessorPath     string        `yaml:"preprocessor_path"`
	MetricsPath          string        `yaml:"metrics_path"`
	PythonPath           string        `yaml:"python_path"`
	PythonStartupTimeout time.Duration `yaml:"python_startup_timeout"`
}

// ModelInfo describes the loaded model for diagnostics.
type ModelInfo struct {
	Backend          string        `json:"backend"`
	ModelPath        string        `json:"model_path,omitempty"`
	PreprocessorPath string        `json:"preprocessor_path,omitempty"`
	MetricsPath      string        `json:"metrics_path,omitempty"`
	FeatureWidth     int           `json:"feature_width,omitempty"`
	LoadedAt         time.Time     `json:"loaded_at"`
	Metrics          StaticMetrics `json:"metrics"`
	ConfusionMatrix  [][]int64     `json:"confusion_matrix,omitempty"`
}

// Manager owns the artifacts loaded at startup and shares them read-only.
type Manager struct {
	config   ManagerConfig
	adapter  *Adapter
	metrics  *MetricsArtifact
	width    int
	loadedAt time.Time
	closer   io.Closer
}

// NewManager loads metrics, preprocessor and classifier for the configured backend.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Backend == "" {
		config.Backend = common.DefaultModelBackend
	}

	metrics, err := LoadStaticMetrics(config.MetricsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}

	m := &Manager{
		config:   config,
		metrics:  metrics,
		loadedAt: time.Now(),
	}

	switch config.Backend {
	case common.BackendNative:
		pre, err := LoadNativePreprocessor(config.PreprocessorPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load preprocessor: %w", err)
		}
		clf, err := LoadNativeClassifier(config.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
		if pre.Width() != clf.InputDim() {
			return nil, fmt.Errorf("preprocessor emits %d features but model expects %d", pre.Width(), clf.InputDim())
		}
		m.adapter = NewAdapter(pre, clf)
		m.width = pre.Width()

	case common.BackendPython:
		bridge, err := NewPythonBackend(PythonConfig{
			PythonPath:       config.PythonPath,
			ModelPath:        config.ModelPath,
			PreprocessorPath: config.PreprocessorPath,
			StartupTimeout:   config.PythonStartupTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start python backend: %w", err)
		}
		m.adapter = NewAdapter(bridge, bridge)
		m.closer = bridge

	default:
		return nil, fmt.Errorf("unknown model backend %q", config.Backend)
	}

	log.Info().
		Str("backend", config.Backend).
		Str("model_path", config.ModelPath).
		Str("preprocessor_path", config.PreprocessorPath).
		Int("feature_width", m.width).
		Msg("Model loaded")

	return m, nil
}

// NewManagerWith wraps already constructed capabilities.
func NewManagerWith(backend string, p Preprocessor, c Classifier, metrics StaticMetrics) *Manager {
	return &Manager{
		config:   ManagerConfig{Backend: backend},
		adapter:  NewAdapter(p, c),
		metrics:  &MetricsArtifact{StaticMetrics: metrics},
		loadedAt: time.Now(),
	}
}

// Predict runs the adapter on a canonical record.
func (m *Manager) Predict(ctx context.Context, rec features.Record) (int, float64, error) {
	if m == nil {
		return 0, 0, &InferenceError{Op: "predict", Err: fmt.Errorf("model manager is nil")}
	}
	return m.adapter.Predict(ctx, rec)
}

// Metrics returns the static evaluation snapshot.
func (m *Manager) Metrics() StaticMetrics {
	return m.metrics.StaticMetrics
}

// Backend is the configured backend name.
func (m *Manager) Backend() string {
	return m.config.Backend
}

// LoadedAt is when the artifacts finished loading.
func (m *Manager) LoadedAt() time.Time {
	return m.loadedAt
}

// Info summarizes the loaded model.
func (m *Manager) Info() ModelInfo {
	return ModelInfo{
		Backend:          m.config.Backend,
		ModelPath:        m.config.ModelPath,
		PreprocessorPath: m.config.PreprocessorPath,
		MetricsPath:      m.config.MetricsPath,
		FeatureWidth:     m.width,
		LoadedAt:         m.loadedAt,
		Metrics:          m.metrics.StaticMetrics,
		ConfusionMatrix:  m.metrics.ConfusionMatrix,
	}
}

// Close releases backend resources.
func (m *Manager) Close() error {
	if m == nil || m.closer == nil {
		return nil
	}
	return m.closer.Close()
}
