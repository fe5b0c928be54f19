// Package ranking filters and orders universe candidates by a configurable
// scoring rule.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/halcyon-quant/trendbt/internal/indicators"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

// Scorer computes a ranking score for one asset at one bar. The second
// return value reports whether the score is defined; an undefined score
// excludes the asset rather than ranking it at zero.
type Scorer interface {
	Name() string
	Score(a *indicators.AssetIndicators, i int) (float64, bool)
}

// ScorerFactory builds a scorer from ranking configuration.
type ScorerFactory func(cfg types.RankingConfig) Scorer

var scorerRegistry = map[types.QualifierType]ScorerFactory{}

// RegisterScorer adds a scorer factory under a qualifier name.
func RegisterScorer(name types.QualifierType, factory ScorerFactory) {
	scorerRegistry[name] = factory
}

// NewScorer creates the scorer selected by cfg.Qualifier. Unknown qualifiers
// fail fast so a misconfiguration never reaches the simulation loop.
func NewScorer(cfg types.RankingConfig) (Scorer, error) {
	factory, ok := scorerRegistry[cfg.Qualifier]
	if !ok {
		return nil, fmt.Errorf("unknown qualifier type %q", cfg.Qualifier)
	}
	return factory(cfg), nil
}

func init() {
	RegisterScorer(types.QualifierMomentum, func(cfg types.RankingConfig) Scorer {
		return &momentumScorer{}
	})
	RegisterScorer(types.QualifierBreakout, func(cfg types.RankingConfig) Scorer {
		return &breakoutScorer{atrMult: cfg.BreakoutATRMult}
	})
	RegisterScorer(types.QualifierTrendQuality, func(cfg types.RankingConfig) Scorer {
		return &trendQualityScorer{atrMult: cfg.BreakoutATRMult, ref: cfg.TrendRefConstant}
	})
	RegisterScorer(types.QualifierRiskAdjusted, func(cfg types.RankingConfig) Scorer {
		return &riskAdjustedScorer{}
	})
}

// momentumScorer ranks by raw rate-of-change.
type momentumScorer struct{}

func (s *momentumScorer) Name() string { return string(types.QualifierMomentum) }

func (s *momentumScorer) Score(a *indicators.AssetIndicators, i int) (float64, bool) {
	if !a.Momentum.Defined(i) {
		return 0, false
	}
	return a.Momentum[i], true
}

// breakoutScorer ranks by volatility-normalized distance above the trend MA.
type breakoutScorer struct {
	atrMult float64
}

func (s *breakoutScorer) Name() string { return string(types.QualifierBreakout) }

func (s *breakoutScorer) Score(a *indicators.AssetIndicators, i int) (float64, bool) {
	return breakoutDistance(a, i, s.atrMult)
}

// trendQualityScorer scales breakout distance by trend strength relative to
// a reference constant, favoring persistent moves over spikes.
type trendQualityScorer struct {
	atrMult float64
	ref     float64
}

func (s *trendQualityScorer) Name() string { return string(types.QualifierTrendQuality) }

func (s *trendQualityScorer) Score(a *indicators.AssetIndicators, i int) (float64, bool) {
	dist, ok := breakoutDistance(a, i, s.atrMult)
	if !ok || !a.TrendStrength.Defined(i) {
		return 0, false
	}
	return dist * (a.TrendStrength[i] / s.ref), true
}

// riskAdjustedScorer penalizes momentum by the asset's trailing drawdown.
type riskAdjustedScorer struct{}

func (s *riskAdjustedScorer) Name() string { return string(types.QualifierRiskAdjusted) }

func (s *riskAdjustedScorer) Score(a *indicators.AssetIndicators, i int) (float64, bool) {
	if !a.Momentum.Defined(i) || !a.TrailingDD.Defined(i) {
		return 0, false
	}
	return a.Momentum[i] * (1 - a.TrailingDD[i]), true
}

func breakoutDistance(a *indicators.AssetIndicators, i int, atrMult float64) (float64, bool) {
	if !a.LastClose.Defined(i) || !a.TrendMA.Defined(i) || !a.ATR.Defined(i) {
		return 0, false
	}
	denom := atrMult * a.ATR[i]
	if denom <= 0 || math.IsNaN(denom) {
		return 0, false
	}
	return (a.LastClose[i] - a.TrendMA[i]) / denom, true
}

// RegisteredQualifiers lists the known qualifier names, sorted.
func RegisteredQualifiers() []types.QualifierType {
	out := make([]types.QualifierType, 0, len(scorerRegistry))
	for name := range scorerRegistry {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
