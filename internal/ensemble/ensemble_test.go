package ensemble

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"manipwatch/internal/features"
)

type fixedModel struct {
	name  string
	score float64
	ok    bool
	calls int
}

func (m *fixedModel) Name() string { return m.name }

func (m *fixedModel) Score(*features.Vector) (float64, bool) {
	m.calls++
	return m.score, m.ok
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEnsembleRedistributesMissingClassifierWeight(t *testing.T) {
	ens := New(DefaultWeights(), zerolog.Nop(),
		Member{Role: RoleOutlier, Model: &fixedModel{name: "o", score: 60, ok: true}},
		Member{Role: RoleReconstruction, Model: &fixedModel{name: "r", score: 80, ok: true}},
		Member{Role: RoleClassifier, Model: &fixedModel{name: "c", ok: false}},
	)
	res := ens.Score(&features.Vector{})
	assert.InDelta(t, (0.3*60+0.4*80)/0.7, res.Score, 1e-9)
	assert.Equal(t, 2, res.Available)
	assert.NotContains(t, res.Parts, "c")
}

func TestEnsembleAllUnavailableScoresZero(t *testing.T) {
	ens := New(DefaultWeights(), zerolog.Nop(),
		Member{Role: RoleOutlier, Model: &fixedModel{name: "o"}},
		Member{Role: RoleReconstruction, Model: &fixedModel{name: "r"}},
	)
	res := ens.Score(&features.Vector{})
	assert.Zero(t, res.Score)
	assert.Zero(t, res.Available)

	assert.Zero(t, New(DefaultWeights(), zerolog.Nop()).Score(&features.Vector{}).Score)
}

func TestEnsembleClampsAndIgnoresNaN(t *testing.T) {
	ens := New(DefaultWeights(), zerolog.Nop(),
		Member{Role: RoleOutlier, Model: &fixedModel{name: "o", score: 250, ok: true}},
		Member{Role: RoleReconstruction, Model: &fixedModel{name: "r", score: math.NaN(), ok: true}},
	)
	res := ens.Score(&features.Vector{})
	assert.Equal(t, 100.0, res.Score)
	assert.Equal(t, 1, res.Available)
}

func TestEnsembleWarnsOncePerModel(t *testing.T) {
	var buf bytes.Buffer
	broken := &fixedModel{name: "broken"}
	ens := New(DefaultWeights(), zerolog.New(&buf), Member{Role: RoleOutlier, Model: broken})
	for i := 0; i < 5; i++ {
		ens.Score(&features.Vector{})
	}
	assert.Equal(t, 5, broken.calls)
	assert.Equal(t, 1, strings.Count(buf.String(), "model unavailable"))
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())
	assert.Error(t, Weights{Outlier: -1, Reconstruction: 1}.Validate())
	assert.Error(t, Weights{}.Validate())
}

func TestZScoreModel(t *testing.T) {
	n := len(features.Names())
	m := &ZScoreModel{Means: constant(n, 0), Stds: constant(n, 1), Scale: 3}

	s, ok := m.Score(&features.Vector{})
	require.True(t, ok)
	assert.InDelta(t, 0, s, 1e-9)

	v := &features.Vector{}
	v.Frequency.TradesPerHour = 3 * math.Sqrt(float64(n))
	s, ok = m.Score(v)
	require.True(t, ok)
	assert.InDelta(t, 100*(1-math.Exp(-1)), s, 1e-9)

	_, ok = (&ZScoreModel{Means: []float64{0}, Stds: []float64{1}}).Score(v)
	assert.False(t, ok, "mismatched columns")
}

func TestPCAModelReconstructionError(t *testing.T) {
	n := len(features.Names())
	axis := constant(n, 0)
	axis[0] = 1
	m := &PCAModel{Means: constant(n, 0), Stds: constant(n, 1), Components: [][]float64{axis}, ErrorScale: 1}

	onAxis := &features.Vector{}
	onAxis.Frequency.TradesPerHour = 5
	s, ok := m.Score(onAxis)
	require.True(t, ok)
	assert.InDelta(t, 0, s, 1e-9)

	offAxis := &features.Vector{}
	offAxis.Frequency.OrderToTradeRatio = 1
	s, ok = m.Score(offAxis)
	require.True(t, ok)
	assert.InDelta(t, 100*(1-math.Exp(-1/float64(n))), s, 1e-9)
}

func TestLogisticModel(t *testing.T) {
	n := len(features.Names())
	m := &LogisticModel{Means: constant(n, 0), Stds: constant(n, 1), Coef: constant(n, 0)}
	s, ok := m.Score(&features.Vector{})
	require.True(t, ok)
	assert.InDelta(t, 50, s, 1e-9)

	m.Intercept = 10
	s, _ = m.Score(&features.Vector{})
	assert.Greater(t, s, 99.0)
}

func TestLoadModelFile(t *testing.T) {
	n := len(features.Names())
	mf := ModelFile{
		Features:   features.Names(),
		Outlier:    &outlierSection{Means: constant(n, 0), Stds: constant(n, 1), Scale: 3},
		Classifier: &classifierSection{Means: constant(n, 0), Stds: constant(n, 1), Coef: constant(n, 0.1)},
	}
	raw, err := yaml.Marshal(mf)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := LoadModelFile(path)
	require.NoError(t, err)
	members := loaded.Members()
	require.Len(t, members, 2)
	assert.Equal(t, RoleOutlier, members[0].Role)
	assert.Equal(t, RoleClassifier, members[1].Role)

	mf.Features = mf.Features[:3]
	raw, err = yaml.Marshal(mf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	_, err = LoadModelFile(path)
	assert.Error(t, err)
}

func TestBuildWithoutModelsDegrades(t *testing.T) {
	ens, cleanup := Build(Options{Weights: DefaultWeights(), ModelFile: filepath.Join(t.TempDir(), "missing.yaml")}, zerolog.Nop())
	defer cleanup()
	assert.Empty(t, ens.Members())
	assert.Zero(t, ens.Score(&features.Vector{}).Score)
}
