package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"car-forecast/internal/features"
)

// CategoricalEncoding is one one-hot encoded column. Categories are in the
// order the encoder learned them.
type CategoricalEncoding struct {
	Column     string   `json:"column"`
	Categories []string `json:"categories"`
}

// NumericScaling is one standard-scaled column.
type NumericScaling struct {
	Column string  `json:"column"`
	Mean   float64 `json:"mean"`
	Scale  float64 `json:"scale"`
}

// PreprocessorSpec is the exported form of the fitted column transformer.
// Output layout is every categorical block in order, then every numeric column.
type PreprocessorSpec struct {
	Categorical []CategoricalEncoding `json:"categorical"`
	Numeric     []NumericScaling      `json:"numeric"`
}

// NativePreprocessor applies a PreprocessorSpec in Go.
type NativePreprocessor struct {
	spec  PreprocessorSpec
	index []map[string]int
	width int
}

// NewNativePreprocessor validates a spec and builds its lookup tables.
func NewNativePreprocessor(spec PreprocessorSpec) (*NativePreprocessor, error) {
	if len(spec.Categorical)+len(spec.Numeric) == 0 {
		return nil, fmt.Errorf("preprocessor has no columns")
	}

	p := &NativePreprocessor{spec: spec}
	seen := make(map[string]bool)

	for _, c := range spec.Categorical {
		if seen[c.Column] {
			return nil, fmt.Errorf("column %s encoded twice", c.Column)
		}
		seen[c.Column] = true
		if len(c.Categories) == 0 {
			return nil, fmt.Errorf("column %s has no categories", c.Column)
		}

		idx := make(map[string]int, len(c.Categories))
		for i, cat := range c.Categories {
			idx[cat] = i
		}
		p.index = append(p.index, idx)
		p.width += len(c.Categories)
	}

	for _, n := range spec.Numeric {
		if seen[n.Column] {
			return nil, fmt.Errorf("column %s encoded twice", n.Column)
		}
		seen[n.Column] = true
		p.width++
	}

	return p, nil
}

// LoadNativePreprocessor reads a PreprocessorSpec from a JSON file.
func LoadNativePreprocessor(path string) (*NativePreprocessor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preprocessor %s: %w", path, err)
	}

	var spec PreprocessorSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse preprocessor %s: %w", path, err)
	}

	return NewNativePreprocessor(spec)
}

// Width is the length of the produced feature vector.
func (p *NativePreprocessor) Width() int {
	return p.width
}

// Transform encodes a row. Unknown categories leave their block at zero.
func (p *NativePreprocessor) Transform(_ context.Context, row features.Row) ([]float64, error) {
	out := make([]float64, 0, p.width)

	for i, c := range p.spec.Categorical {
		v, ok := row.Lookup(c.Column)
		if !ok {
			return nil, fmt.Errorf("column %s missing from row", c.Column)
		}
		if v.Numeric {
			return nil, fmt.Errorf("column %s is numeric, expected categorical", c.Column)
		}

		block := make([]float64, len(c.Categories))
		if j, known := p.index[i][v.Text]; known {
			block[j] = 1
		}
		out = append(out, block...)
	}

	for _, n := range p.spec.Numeric {
		v, ok := row.Lookup(n.Column)
		if !ok {
			return nil, fmt.Errorf("column %s missing from row", n.Column)
		}
		if !v.Numeric {
			return nil, fmt.Errorf("column %s is categorical, expected numeric", n.Column)
		}

		scale := n.Scale
		if scale == 0 {
			scale = 1 // constant column at fit time
		}
		out = append(out, (v.Number-n.Mean)/scale)
	}

	return out, nil
}
