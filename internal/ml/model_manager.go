package ml

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sbinet/npyio/npz"
	"gopkg.in/yaml.v3"
)

// StaticMetrics is the evaluation snapshot computed at training time.
// It is echoed unchanged in every prediction response.
type StaticMetrics struct {
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1Score   float64 `json:"f1_score" yaml:"f1_score"`
}

// MetricsArtifact is the full training-time metrics file, including the
// confusion matrix ([actual][predicted], Not Profitable first).
type MetricsArtifact struct {
	StaticMetrics   `yaml:",inline"`
	ConfusionMatrix [][]int64 `json:"confusion_matrix" yaml:"confusion_matrix"`
	Path            string    `json:"path" yaml:"-"`
	ModifiedAt      time.Time `json:"modified_at" yaml:"-"`
}

// npz keys written by the training script
const (
	npzConfusion = "cm"
	npzAccuracy  = "acc"
	npzPrecision = "prec"
	npzRecall    = "rec"
	npzF1        = "f1"
)

// LoadStaticMetrics reads the metrics artifact. The format follows the file
// extension: .npz (NumPy archive), .json or .yaml/.yml.
func LoadStaticMetrics(path string) (*MetricsArtifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("metrics artifact %s: %w", path, err)
	}

	var art *MetricsArtifact
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".npz":
		art, err = loadNPZMetrics(path)
	case ".json", ".yaml", ".yml":
		art, err = loadDocumentMetrics(path)
	default:
		return nil, fmt.Errorf("unsupported metrics format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := art.validate(); err != nil {
		return nil, fmt.Errorf("metrics artifact %s: %w", path, err)
	}

	art.Path = path
	art.ModifiedAt = info.ModTime()

	log.Info().
		Str("metrics_path", path).
		Float64("accuracy", art.Accuracy).
		Float64("precision", art.Precision).
		Float64("recall", art.Recall).
		Float64("f1_score", art.F1Score).
		Msg("Static metrics loaded")

	return art, nil
}

func loadDocumentMetrics(path string) (*MetricsArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics %s: %w", path, err)
	}

	// YAML is a superset of JSON, one decoder serves both.
	var art MetricsArtifact
	if err := yaml.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("failed to parse metrics %s: %w", path, err)
	}
	return &art, nil
}

func loadNPZMetrics(path string) (*MetricsArtifact, error) {
	f, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics archive %s: %w", path, err)
	}
	defer f.Close()

	keys := make(map[string]string)
	for _, k := range f.Keys() {
		keys[strings.TrimSuffix(k, ".npy")] = k
	}

	scalar := func(name string) (float64, error) {
		key, ok := keys[name]
		if !ok {
			return 0, fmt.Errorf("metrics archive %s has no %q array", path, name)
		}
		var v []float64
		if err := f.Read(key, &v); err != nil {
			return 0, fmt.Errorf("read %s: %w", name, err)
		}
		if len(v) != 1 {
			return 0, fmt.Errorf("%s: expected a scalar, got %d values", name, len(v))
		}
		return v[0], nil
	}

	var art MetricsArtifact
	if art.Accuracy, err = scalar(npzAccuracy); err != nil {
		return nil, err
	}
	if art.Precision, err = scalar(npzPrecision); err != nil {
		return nil, err
	}
	if art.Recall, err = scalar(npzRecall); err != nil {
		return nil, err
	}
	if art.F1Score, err = scalar(npzF1); err != nil {
		return nil, err
	}

	if key, ok := keys[npzConfusion]; ok {
		var cells []int64
		if err := f.Read(key, &cells); err != nil {
			log.Warn().Err(err).Str("metrics_path", path).Msg("Failed to read confusion matrix")
		} else if len(cells) == 4 {
			art.ConfusionMatrix = [][]int64{cells[:2], cells[2:]}
		}
	}

	return &art, nil
}

func (a *MetricsArtifact) validate() error {
	for name, v := range map[string]float64{
		"accuracy":  a.Accuracy,
		"precision": a.Precision,
		"recall":    a.Recall,
		"f1_score":  a.F1Score,
	} {
		if v < 0 || v > 1 || v != v {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	return nil
}
