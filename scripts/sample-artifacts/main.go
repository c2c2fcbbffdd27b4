// Command sample-artifacts writes a small, deterministic set of native model
// artifacts so the service can run without a trained model.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"car-forecast/internal/common"
	"car-forecast/internal/features"
	"car-forecast/internal/ml"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sbinet/npyio/npz"
)

var categories = map[string][]string{
	features.FieldBodyType:              {"Sedan", "SUV", "Pickup", "Coupe", "Hatchback"},
	features.FieldTransmission:          {"Manual", "Automatic"},
	features.FieldFuelType:              {"Petrol", "Diesel", "Hybrid", "Electric"},
	features.FieldColor:                 {"Black", "White", "Silver", "Red", "Blue", "Grey"},
	features.FieldCustomisableInteriors: {"No", "Yes"},
}

var scaling = map[string]ml.NumericScaling{
	features.FieldHorsepower:  {Mean: 150, Scale: 60},
	features.FieldTopSpeed:    {Mean: 190, Scale: 35},
	features.FieldMileageKmpl: {Mean: 16, Scale: 5},
	features.FieldPriceINR:    {Mean: 1_200_000, Scale: 600_000},
}

func main() {
	args := struct {
		Out    string `arg:"--out" help:"directory to write artifacts into"`
		Hidden int    `arg:"--hidden" help:"hidden layer width"`
		Seed   int64  `arg:"--seed" help:"weight initialisation seed"`
	}{
		Out:    common.DefaultArtifactsDir,
		Hidden: 8,
		Seed:   42,
	}
	arg.MustParse(&args)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := os.MkdirAll(args.Out, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", args.Out).Msg("Failed to create output directory")
	}

	pre := buildPreprocessor()
	width := 0
	for _, c := range pre.Categorical {
		width += len(c.Categories)
	}
	width += len(pre.Numeric)

	net := buildNetwork(width, args.Hidden, rand.New(rand.NewSource(args.Seed)))
	metrics := ml.MetricsArtifact{
		StaticMetrics:   ml.StaticMetrics{Accuracy: 0.87, Precision: 0.84, Recall: 0.81, F1Score: 0.825},
		ConfusionMatrix: [][]int64{{40, 6}, {8, 46}},
	}

	for name, v := range map[string]any{
		"preprocessor.json": pre,
		"model.json":        net,
		"metrics.json": struct {
			ml.StaticMetrics
			ConfusionMatrix [][]int64 `json:"confusion_matrix"`
		}{metrics.StaticMetrics, metrics.ConfusionMatrix},
	} {
		if err := writeJSON(filepath.Join(args.Out, name), v); err != nil {
			log.Fatal().Err(err).Str("file", name).Msg("Failed to write artifact")
		}
	}
	if err := writeNPZ(filepath.Join(args.Out, "metrics.npz"), metrics); err != nil {
		log.Fatal().Err(err).Msg("Failed to write metrics archive")
	}

	log.Info().
		Str("dir", args.Out).
		Int("feature_width", width).
		Int("hidden", args.Hidden).
		Msg("Sample artifacts written")
}

func buildPreprocessor() ml.PreprocessorSpec {
	var spec ml.PreprocessorSpec
	for _, col := range features.Columns {
		if col.Numeric {
			s := scaling[col.Name]
			s.Column = col.Name
			spec.Numeric = append(spec.Numeric, s)
			continue
		}
		spec.Categorical = append(spec.Categorical, ml.CategoricalEncoding{
			Column:     col.Name,
			Categories: categories[col.Name],
		})
	}
	return spec
}

// buildNetwork mirrors the trained topology: dense, batch norm, dropout,
// then a single sigmoid unit.
func buildNetwork(inputs, hidden int, rng *rand.Rand) ml.NetworkSpec {
	ones := make([]float64, hidden)
	zeros := make([]float64, hidden)
	for i := range ones {
		ones[i] = 1
	}

	return ml.NetworkSpec{
		InputDim: inputs,
		Layers: []ml.LayerSpec{
			{Type: ml.LayerDense, Activation: "relu", Weights: randomKernel(inputs, hidden, rng), Bias: make([]float64, hidden)},
			{Type: ml.LayerBatchNorm, Gamma: ones, Beta: zeros, MovingMean: zeros, MovingVariance: ones, Epsilon: 1e-3},
			{Type: ml.LayerDropout},
			{Type: ml.LayerDense, Activation: "sigmoid", Weights: randomKernel(hidden, 1, rng), Bias: []float64{0}},
		},
	}
}

func randomKernel(rows, cols int, rng *rand.Rand) [][]float64 {
	k := make([][]float64, rows)
	for r := range k {
		k[r] = make([]float64, cols)
		for c := range k[r] {
			k[r][c] = rng.NormFloat64() * 0.3
		}
	}
	return k
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeNPZ(path string, m ml.MetricsArtifact) error {
	w, err := npz.Create(path)
	if err != nil {
		return err
	}

	var cells []int64
	for _, row := range m.ConfusionMatrix {
		cells = append(cells, row...)
	}
	for name, v := range map[string]any{
		"cm":   cells,
		"acc":  []float64{m.Accuracy},
		"prec": []float64{m.Precision},
		"rec":  []float64{m.Recall},
		"f1":   []float64{m.F1Score},
	} {
		if err := w.Write(name, v); err != nil {
			w.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return w.Close()
}
