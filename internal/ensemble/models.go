package ensemble

import (
	"math"

	"manipwatch/internal/features"
)

// standardize maps x onto z-scores; columns with zero spread stay 0.
func standardize(x, means, stds []float64) ([]float64, bool) {
	if len(x) != len(means) || len(x) != len(stds) || len(x) == 0 {
		return nil, false
	}
	z := make([]float64, len(x))
	for i := range x {
		if stds[i] > 0 {
			z[i] = (x[i] - means[i]) / stds[i]
		}
	}
	return z, true
}

// saturate maps a non-negative distance onto [0,100).
func saturate(d, scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	return 100 * (1 - math.Exp(-d/scale))
}

// ZScoreModel is the outlier model: root-mean-square z-score against the training distribution.
type ZScoreModel struct {
	Means []float64
	Stds  []float64
	Scale float64
}

func (m *ZScoreModel) Name() string { return "zscore_outlier" }

func (m *ZScoreModel) Score(v *features.Vector) (float64, bool) {
	z, ok := standardize(v.Numeric(), m.Means, m.Stds)
	if !ok {
		return 0, false
	}
	var sq float64
	for _, zi := range z {
		sq += zi * zi
	}
	return saturate(math.Sqrt(sq/float64(len(z))), m.Scale), true
}

// PCAModel is the reconstruction model: mean squared error after projecting onto the
// principal components. Components rows are orthonormal loadings in standardized space.
type PCAModel struct {
	Means      []float64
	Stds       []float64
	Components [][]float64
	ErrorScale float64
}

func (m *PCAModel) Name() string { return "pca_reconstruction" }

func (m *PCAModel) Score(v *features.Vector) (float64, bool) {
	z, ok := standardize(v.Numeric(), m.Means, m.Stds)
	if !ok || len(m.Components) == 0 {
		return 0, false
	}
	recon := make([]float64, len(z))
	for _, c := range m.Components {
		if len(c) != len(z) {
			return 0, false
		}
		var p float64
		for i := range z {
			p += c[i] * z[i]
		}
		for i := range z {
			recon[i] += p * c[i]
		}
	}
	var mse float64
	for i := range z {
		d := z[i] - recon[i]
		mse += d * d
	}
	mse /= float64(len(z))
	return saturate(mse, m.ErrorScale), true
}

// LogisticModel is the supervised classifier: probability of manipulation times 100.
type LogisticModel struct {
	Means     []float64
	Stds      []float64
	Coef      []float64
	Intercept float64
}

func (m *LogisticModel) Name() string { return "logistic_classifier" }

func (m *LogisticModel) Score(v *features.Vector) (float64, bool) {
	z, ok := standardize(v.Numeric(), m.Means, m.Stds)
	if !ok || len(m.Coef) != len(z) {
		return 0, false
	}
	logit := m.Intercept
	for i := range z {
		logit += m.Coef[i] * z[i]
	}
	return 100 / (1 + math.Exp(-logit)), true
}

var (
	_ ScoringModel = (*ZScoreModel)(nil)
	_ ScoringModel = (*PCAModel)(nil)
	_ ScoringModel = (*LogisticModel)(nil)
)
