package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// LinearModel is a serialized linear classifier: one weight row and one
// intercept per class, scored as W·x + b. LDA and linear SVM exports both
// fit this shape. Classes is the label-encoding table.
type LinearModel struct {
	Classes      []string    `yaml:"classes" json:"classes"`
	Weights      [][]float64 `yaml:"weights" json:"weights"`
	Intercepts   []float64   `yaml:"intercepts" json:"intercepts"`
	FeatureKind  string      `yaml:"feature_kind,omitempty" json:"feature_kind,omitempty"`
	InputSamples int         `yaml:"input_samples,omitempty" json:"input_samples,omitempty"`
}

// LoadModel reads a model bundle. YAML is the native format; JSON bundles
// load too.
func LoadModel(path string) (*LinearModel, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	var m LinearModel
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &m, nil
}

func (m *LinearModel) Save(path string) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (m *LinearModel) Validate() error {
	k := len(m.Classes)
	switch {
	case k == 0:
		return errors.New("no classes")
	case len(m.Weights) != k || len(m.Intercepts) != k:
		return fmt.Errorf("%d classes but %d weight rows and %d intercepts", k, len(m.Weights), len(m.Intercepts))
	}
	n := len(m.Weights[0])
	if n == 0 {
		return errors.New("empty weight rows")
	}
	for i, w := range m.Weights {
		if len(w) != n {
			return fmt.Errorf("weight row %d has %d values, want %d", i, len(w), n)
		}
	}
	return nil
}

// Inputs is the feature vector length the model expects.
func (m *LinearModel) Inputs() int { return len(m.Weights[0]) }

// Predict picks the highest-scoring class. Probabilities are the softmax of
// the scores.
func (m *LinearModel) Predict(ctx context.Context, fv eeg.FeatureVector) (eeg.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return eeg.Prediction{}, err
	}
	if len(fv.Values) != m.Inputs() {
		return eeg.Prediction{}, fmt.Errorf("model expects %d features, got %d", m.Inputs(), len(fv.Values))
	}

	k, n := len(m.Classes), m.Inputs()
	flat := make([]float64, 0, k*n)
	for _, w := range m.Weights {
		flat = append(flat, w...)
	}
	var scores mat.VecDense
	scores.MulVec(mat.NewDense(k, n, flat), mat.NewVecDense(n, fv.Values))
	scores.AddVec(&scores, mat.NewVecDense(k, append([]float64(nil), m.Intercepts...)))

	best := 0
	for i := 1; i < k; i++ {
		if scores.AtVec(i) > scores.AtVec(best) {
			best = i
		}
	}

	// softmax, shifted by the max for stability
	top := scores.AtVec(best)
	probs := make(map[string]float64, k)
	var sum float64
	for i := 0; i < k; i++ {
		e := math.Exp(scores.AtVec(i) - top)
		probs[m.Classes[i]] = e
		sum += e
	}
	for c := range probs {
		probs[c] /= sum
	}
	return eeg.Prediction{Label: m.Classes[best], Confidence: probs[m.Classes[best]], Probabilities: probs}, nil
}

func (m *LinearModel) Close() error { return nil }

// FitCentroid builds a nearest-centroid classifier expressed as a linear
// model: w_k = mu_k and b_k = -|mu_k|^2/2, so argmax(W·x+b) is the closest
// class mean. It is a baseline for bootstrapping live sessions, not a
// substitute for a trained model.
func FitCentroid(rows [][]float64, labels []eeg.Label, featureKind string) (*LinearModel, error) {
	if len(rows) == 0 || len(rows) != len(labels) {
		return nil, fmt.Errorf("fit: %d rows for %d labels", len(rows), len(labels))
	}
	n := len(rows[0])
	sums := map[eeg.Label][]float64{}
	counts := map[eeg.Label]int{}
	for i, r := range rows {
		if len(r) != n {
			return nil, fmt.Errorf("fit: row %d has %d values, want %d", i, len(r), n)
		}
		s, ok := sums[labels[i]]
		if !ok {
			s = make([]float64, n)
			sums[labels[i]] = s
		}
		for j, v := range r {
			s[j] += v
		}
		counts[labels[i]]++
	}

	m := &LinearModel{FeatureKind: featureKind}
	for _, l := range eeg.Labels() {
		s, ok := sums[l]
		if !ok {
			continue
		}
		mu := mat.NewVecDense(n, nil)
		mu.ScaleVec(1/float64(counts[l]), mat.NewVecDense(n, s))
		m.Classes = append(m.Classes, l.String())
		m.Weights = append(m.Weights, mat.Col(nil, 0, mu))
		m.Intercepts = append(m.Intercepts, -mat.Dot(mu, mu)/2)
	}
	return m, nil
}
