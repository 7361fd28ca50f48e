package ensemble

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"manipwatch/internal/features"
	"manipwatch/internal/market"
)

// ErrModelUnavailable marks a configured model that cannot score a vector.
var ErrModelUnavailable = errors.New("ensemble: model unavailable")

// ScoringModel scores one feature vector into [0,100]; ok=false means the model cannot score it.
type ScoringModel interface {
	Name() string
	Score(v *features.Vector) (float64, bool)
}

// Role places a model in the weighted combination.
type Role string

const (
	RoleOutlier        Role = "outlier"
	RoleReconstruction Role = "reconstruction"
	RoleClassifier     Role = "classifier"
)

// Member is a model bound to its role.
type Member struct {
	Role  Role
	Model ScoringModel
}

// Weights are the relative model weights; they need not sum to 1.
type Weights struct {
	Outlier        float64 `mapstructure:"outlier"`
	Reconstruction float64 `mapstructure:"reconstruction"`
	Classifier     float64 `mapstructure:"classifier"`
}

// DefaultWeights returns 0.3 / 0.4 / 0.3.
func DefaultWeights() Weights {
	return Weights{Outlier: 0.3, Reconstruction: 0.4, Classifier: 0.3}
}

// Validate rejects negative weights or an all-zero set.
func (w Weights) Validate() error {
	if w.Outlier < 0 || w.Reconstruction < 0 || w.Classifier < 0 {
		return errors.New("ensemble.weights cannot be negative")
	}
	if w.Outlier+w.Reconstruction+w.Classifier <= 0 {
		return errors.New("ensemble.weights must sum to a positive value")
	}
	return nil
}

func (w Weights) of(r Role) float64 {
	switch r {
	case RoleOutlier:
		return w.Outlier
	case RoleReconstruction:
		return w.Reconstruction
	case RoleClassifier:
		return w.Classifier
	default:
		return 0
	}
}

// Result is the combined score plus each model's contribution.
type Result struct {
	Score     float64            `json:"score"`
	Available int                `json:"available"`
	Parts     map[string]float64 `json:"parts,omitempty"`
}

// Ensemble combines member scores by a weighted average over the models that answered.
type Ensemble struct {
	weights Weights
	members []Member
	logger  zerolog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// New builds an ensemble. An ensemble without members always scores 0.
func New(weights Weights, logger zerolog.Logger, members ...Member) *Ensemble {
	kept := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Model != nil {
			kept = append(kept, m)
		}
	}
	return &Ensemble{
		weights: weights,
		members: kept,
		logger:  logger.With().Str("component", "ensemble").Logger(),
		warned:  make(map[string]bool),
	}
}

// Members lists the configured models.
func (e *Ensemble) Members() []Member {
	return append([]Member(nil), e.members...)
}

// Score evaluates every member. Missing models shift their weight onto the rest;
// with no model available the score is 0.
func (e *Ensemble) Score(v *features.Vector) Result {
	res := Result{}
	if e == nil || v == nil || len(e.members) == 0 {
		return res
	}

	var weighted, total float64
	for _, m := range e.members {
		w := e.weights.of(m.Role)
		if w <= 0 {
			continue
		}
		s, ok := m.Model.Score(v)
		if !ok || math.IsNaN(s) || math.IsInf(s, 0) {
			e.warnOnce(m)
			continue
		}
		s = market.ClampScore(s)
		if res.Parts == nil {
			res.Parts = make(map[string]float64, len(e.members))
		}
		res.Parts[m.Model.Name()] = s
		res.Available++
		weighted += w * s
		total += w
	}
	if total > 0 {
		res.Score = market.ClampScore(weighted / total)
	}
	return res
}

func (e *Ensemble) warnOnce(m Member) {
	key := string(m.Role) + "/" + m.Model.Name()
	e.mu.Lock()
	seen := e.warned[key]
	e.warned[key] = true
	e.mu.Unlock()
	if seen {
		return
	}
	e.logger.Warn().
		Err(fmt.Errorf("%w: %s", ErrModelUnavailable, m.Model.Name())).
		Str("role", string(m.Role)).
		Msg("model unavailable, excluded from ensemble")
}
