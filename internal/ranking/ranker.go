package ranking

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/indicators"
	"github.com/halcyon-quant/trendbt/internal/regime"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

// Candidate is one ranked (asset, score) pair.
type Candidate struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

// Ranker filters the universe to relative-strength leaders in uptrends and
// orders the survivors by the configured scorer.
type Ranker struct {
	logger   *zap.Logger
	cfg      types.RankingConfig
	scorer   Scorer
	set      *indicators.Set
	universe []string
}

// NewRanker builds a ranker over the given universe. Fails fast on an
// unknown qualifier type.
func NewRanker(logger *zap.Logger, cfg types.RankingConfig, set *indicators.Set, universe []string) (*Ranker, error) {
	scorer, err := NewScorer(cfg)
	if err != nil {
		return nil, err
	}
	for _, sym := range universe {
		if set.Asset(sym) == nil {
			return nil, fmt.Errorf("universe asset %s has no indicator data", sym)
		}
	}
	sorted := make([]string, len(universe))
	copy(sorted, universe)
	sort.Strings(sorted)

	return &Ranker{
		logger:   logger,
		cfg:      cfg,
		scorer:   scorer,
		set:      set,
		universe: sorted,
	}, nil
}

// Scorer returns the active scoring rule.
func (r *Ranker) Scorer() Scorer { return r.scorer }

// Rank evaluates the universe at bar i under the given regime and returns
// the top candidates, best first. The count is regime-dependent; fewer
// qualifying assets than the count returns only the qualifying subset. In a
// zero-holdings regime the result is always empty.
func (r *Ranker) Rank(i int, state regime.State) []Candidate {
	k := r.cfg.HoldingsFor(string(state))
	if k == 0 {
		return nil
	}

	bench := r.set.Benchmark()
	candidates := make([]Candidate, 0, len(r.universe))
	for _, sym := range r.universe {
		asset := r.set.Asset(sym)
		if !r.passesFilters(asset, bench, i) {
			continue
		}
		score, ok := r.scorer.Score(asset, i)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Symbol: sym, Score: score})
	}

	// Score descending; ties broken by symbol so ordering is deterministic.
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Score != candidates[b].Score {
			return candidates[a].Score > candidates[b].Score
		}
		return candidates[a].Symbol < candidates[b].Symbol
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// passesFilters requires defined signals, a price above its trend MA, and
// momentum exceeding the benchmark's momentum.
func (r *Ranker) passesFilters(asset, bench *indicators.AssetIndicators, i int) bool {
	if asset == nil || !asset.Eligible(i) {
		return false
	}
	if asset.LastClose[i] <= asset.TrendMA[i] {
		return false
	}
	if !bench.Momentum.Defined(i) {
		return false
	}
	return asset.Momentum[i] > bench.Momentum[i]
}
