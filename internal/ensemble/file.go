package ensemble

import (
	"fmt"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"manipwatch/internal/features"
)

// ModelFile is the offline-trained parameter file. Any section may be omitted.
type ModelFile struct {
	Features       []string            `yaml:"features"`
	Outlier        *outlierSection     `yaml:"outlier"`
	Reconstruction *reconstructSection `yaml:"reconstruction"`
	Classifier     *classifierSection  `yaml:"classifier"`
}

type outlierSection struct {
	Means []float64 `yaml:"means"`
	Stds  []float64 `yaml:"stds"`
	Scale float64   `yaml:"scale"`
}

type reconstructSection struct {
	Means      []float64   `yaml:"means"`
	Stds       []float64   `yaml:"stds"`
	Components [][]float64 `yaml:"components"`
	ErrorScale float64     `yaml:"error_scale"`
}

type classifierSection struct {
	Means     []float64 `yaml:"means"`
	Stds      []float64 `yaml:"stds"`
	Coef      []float64 `yaml:"coef"`
	Intercept float64   `yaml:"intercept"`
}

// LoadModelFile reads and checks a model file against the current feature schema.
func LoadModelFile(path string) (*ModelFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	var mf ModelFile
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("parse model file %s: %w", path, err)
	}
	if err := mf.validate(); err != nil {
		return nil, fmt.Errorf("model file %s: %w", path, err)
	}
	return &mf, nil
}

func (mf *ModelFile) validate() error {
	names := features.Names()
	if !slices.Equal(mf.Features, names) {
		return fmt.Errorf("feature columns do not match the extractor schema (want %d columns)", len(names))
	}
	n := len(names)
	check := func(section string, cols ...[]float64) error {
		for _, c := range cols {
			if len(c) != n {
				return fmt.Errorf("%s: expected %d values, got %d", section, n, len(c))
			}
		}
		return nil
	}
	if s := mf.Outlier; s != nil {
		if err := check("outlier", s.Means, s.Stds); err != nil {
			return err
		}
	}
	if s := mf.Reconstruction; s != nil {
		if err := check("reconstruction", s.Means, s.Stds); err != nil {
			return err
		}
		if len(s.Components) == 0 {
			return fmt.Errorf("reconstruction: at least one component required")
		}
		if err := check("reconstruction.components", s.Components...); err != nil {
			return err
		}
	}
	if s := mf.Classifier; s != nil {
		if err := check("classifier", s.Means, s.Stds, s.Coef); err != nil {
			return err
		}
	}
	return nil
}

// Members converts the file sections into ensemble members.
func (mf *ModelFile) Members() []Member {
	var out []Member
	if s := mf.Outlier; s != nil {
		out = append(out, Member{Role: RoleOutlier, Model: &ZScoreModel{Means: s.Means, Stds: s.Stds, Scale: s.Scale}})
	}
	if s := mf.Reconstruction; s != nil {
		out = append(out, Member{Role: RoleReconstruction, Model: &PCAModel{
			Means: s.Means, Stds: s.Stds, Components: s.Components, ErrorScale: s.ErrorScale,
		}})
	}
	if s := mf.Classifier; s != nil {
		out = append(out, Member{Role: RoleClassifier, Model: &LogisticModel{
			Means: s.Means, Stds: s.Stds, Coef: s.Coef, Intercept: s.Intercept,
		}})
	}
	return out
}

// Options configures the ensemble from settings.
type Options struct {
	Weights   Weights     `mapstructure:"weights"`
	ModelFile string      `mapstructure:"model_file"`
	ONNX      ONNXOptions `mapstructure:"onnx"`
}

// Build loads the configured models. Missing files leave the ensemble empty rather than failing,
// so detection falls back to the rule detectors alone.
func Build(opts Options, logger zerolog.Logger) (*Ensemble, func()) {
	log := logger.With().Str("component", "ensemble").Logger()
	var members []Member
	if opts.ModelFile != "" {
		mf, err := LoadModelFile(opts.ModelFile)
		if err != nil {
			log.Warn().Err(err).Msg("model file unavailable, statistical models disabled")
		} else {
			members = append(members, mf.Members()...)
		}
	}

	cleanup := func() {}
	if opts.ONNX.ModelPath != "" {
		clf, err := NewONNXClassifier(opts.ONNX)
		if err != nil {
			log.Warn().Err(err).Msg("onnx classifier unavailable")
		} else {
			members = slices.DeleteFunc(members, func(m Member) bool { return m.Role == RoleClassifier })
			members = append(members, Member{Role: RoleClassifier, Model: clf})
			cleanup = clf.Close
		}
	}

	ens := New(opts.Weights, logger, members...)
	log.Info().Int("models", len(members)).Msg("ensemble ready")
	return ens, cleanup
}
