package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"manipwatch/internal/detector"
	"manipwatch/internal/ensemble"
	"manipwatch/internal/features"
	"manipwatch/internal/market"
)

// DefaultModelFlagScore is the ensemble score above which an alert is raised with no rule triggered.
const DefaultModelFlagScore = 50.0

// Scorer is the model side of detection.
type Scorer interface {
	Score(v *features.Vector) ensemble.Result
}

// Options tunes the engine.
type Options struct {
	Features       features.Options `mapstructure:"features"`
	ModelFlagScore float64          `mapstructure:"model_flag_score"`
}

// Result is the outcome of one market cycle.
type Result struct {
	Market        string
	Vector        *features.Vector
	Score         float64
	Risk          market.RiskLevel
	EnsembleScore float64
	Alerts        []market.Alert
	// Skipped is set when the window produced no vector.
	Skipped error
}

// Engine runs extraction, rule detection and model scoring for one window.
type Engine struct {
	extractor *features.Extractor
	scorer    Scorer
	flagScore float64
	logger    zerolog.Logger
}

// New creates an engine. A nil scorer means rules only.
func New(opts Options, scorer Scorer, logger zerolog.Logger) *Engine {
	if opts.ModelFlagScore <= 0 {
		opts.ModelFlagScore = DefaultModelFlagScore
	}
	return &Engine{
		extractor: features.NewExtractor(opts.Features),
		scorer:    scorer,
		flagScore: opts.ModelFlagScore,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// Analyze is a pure function of the window contents and thresholds.
func (e *Engine) Analyze(w *features.Window, th detector.Thresholds) Result {
	res := Result{Risk: market.RiskLow}
	if w != nil {
		res.Market = w.Market
	}
	if err := features.Check(w); err != nil {
		res.Skipped = err
		e.logger.Debug().Str("market", res.Market).Err(err).Msg("window skipped")
		return res
	}

	v := e.extractor.Extract(w)
	res.Vector = v

	candidates := detector.Evaluate(v, w, th)
	if e.scorer != nil {
		res.EnsembleScore = market.ClampScore(e.scorer.Score(v).Score)
	}

	final := res.EnsembleScore
	for _, c := range candidates {
		score := market.ClampScore(math.Max(c.BaseScore, res.EnsembleScore))
		res.Alerts = append(res.Alerts, newAlert(v, c.Pattern, score, c.Explanation, c.Evidence, c.BaseScore, res.EnsembleScore))
		final = math.Max(final, c.BaseScore)
	}
	if len(candidates) == 0 && res.EnsembleScore > e.flagScore {
		res.Alerts = append(res.Alerts, newAlert(v, market.PatternModelFlagged, res.EnsembleScore,
			fmt.Sprintf("model ensemble scored %.1f with no rule triggered", res.EnsembleScore),
			nil, 0, res.EnsembleScore))
	}

	res.Score = market.ClampScore(final)
	res.Risk = market.RiskLevelFor(res.Score)
	sort.SliceStable(res.Alerts, func(i, j int) bool { return res.Alerts[i].Score > res.Alerts[j].Score })
	return res
}

func newAlert(v *features.Vector, p market.PatternType, score float64, explanation string,
	evidence map[string]any, base, ens float64) market.Alert {
	ev := make(map[string]any, len(evidence)+3)
	for k, val := range evidence {
		ev[k] = val
	}
	if base > 0 {
		ev["base_score"] = base
	}
	ev["ensemble_score"] = math.Round(ens*100) / 100
	ev["window_id"] = v.WindowID

	return market.Alert{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(v.Market+"|"+string(p)+"|"+v.WindowID)).String(),
		Market:      v.Market,
		Time:        v.Time,
		Pattern:     p,
		Score:       score,
		Risk:        market.RiskLevelFor(score),
		Explanation: explanation,
		Evidence:    ev,
	}
}
