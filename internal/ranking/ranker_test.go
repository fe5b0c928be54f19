package ranking

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/indicators"
	"github.com/halcyon-quant/trendbt/internal/regime"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

// assetSpec describes one asset's indicator readings at a single bar.
type assetSpec struct {
	price, trendMA, momentum, atr, strength, dd float64
}

func buildSet(specs map[string]assetSpec, benchMomentum float64) *indicators.Set {
	one := func(v float64) indicators.Series { return indicators.Series{v} }
	assets := make(map[string]*indicators.AssetIndicators, len(specs))
	for sym, s := range specs {
		assets[sym] = &indicators.AssetIndicators{
			LastClose:     one(s.price),
			TrendMA:       one(s.trendMA),
			Momentum:      one(s.momentum),
			ATR:           one(s.atr),
			TrendStrength: one(s.strength),
			TrailingDD:    one(s.dd),
		}
	}
	bench := &indicators.AssetIndicators{
		LastClose:     one(100),
		TrendMA:       one(95),
		Momentum:      one(benchMomentum),
		ATR:           one(1),
		TrendStrength: one(20),
		TrailingDD:    one(0),
	}
	index := []time.Time{time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	return indicators.NewSet(index, assets, bench)
}

func testRankingConfig() types.RankingConfig {
	return types.RankingConfig{
		Qualifier:        types.QualifierMomentum,
		HoldingsBull:     8,
		HoldingsNeutral:  4,
		HoldingsBear:     0,
		BreakoutATRMult:  2.0,
		TrendRefConstant: 25.0,
	}
}

func newRanker(t *testing.T, cfg types.RankingConfig, set *indicators.Set, universe []string) *Ranker {
	t.Helper()
	r, err := NewRanker(zap.NewNop(), cfg, set, universe)
	if err != nil {
		t.Fatalf("failed to build ranker: %v", err)
	}
	return r
}

func TestRankFiltersAndOrders(t *testing.T) {
	set := buildSet(map[string]assetSpec{
		"AAA": {price: 110, trendMA: 100, momentum: 0.30, atr: 2, strength: 30, dd: 0.05},
		"BBB": {price: 105, trendMA: 100, momentum: 0.20, atr: 2, strength: 30, dd: 0.05},
		"CCC": {price: 90, trendMA: 100, momentum: 0.40, atr: 2, strength: 30, dd: 0.05}, // below MA
		"DDD": {price: 110, trendMA: 100, momentum: 0.05, atr: 2, strength: 30, dd: 0.05}, // lags benchmark
	}, 0.10)

	r := newRanker(t, testRankingConfig(), set, []string{"AAA", "BBB", "CCC", "DDD"})
	got := r.Rank(0, regime.Bull)

	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Symbol != "AAA" || got[1].Symbol != "BBB" {
		t.Fatalf("order = [%s %s], want [AAA BBB]", got[0].Symbol, got[1].Symbol)
	}
}

func TestRankTieBreakBySymbol(t *testing.T) {
	set := buildSet(map[string]assetSpec{
		"ZZZ": {price: 110, trendMA: 100, momentum: 0.30, atr: 2, strength: 30, dd: 0},
		"AAA": {price: 110, trendMA: 100, momentum: 0.30, atr: 2, strength: 30, dd: 0},
	}, 0.10)

	r := newRanker(t, testRankingConfig(), set, []string{"ZZZ", "AAA"})
	got := r.Rank(0, regime.Bull)

	if len(got) != 2 || got[0].Symbol != "AAA" {
		t.Fatalf("tie not broken by symbol: %+v", got)
	}
}

func TestRankRegimeHoldingsCount(t *testing.T) {
	specs := map[string]assetSpec{}
	for _, sym := range []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF"} {
		specs[sym] = assetSpec{price: 110, trendMA: 100, momentum: 0.30, atr: 2, strength: 30, dd: 0}
	}
	set := buildSet(specs, 0.10)
	cfg := testRankingConfig()
	cfg.HoldingsBull = 5
	cfg.HoldingsNeutral = 2
	r := newRanker(t, cfg, set, []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF"})

	if got := r.Rank(0, regime.Bull); len(got) != 5 {
		t.Fatalf("bull candidates = %d, want 5", len(got))
	}
	if got := r.Rank(0, regime.Neutral); len(got) != 2 {
		t.Fatalf("neutral candidates = %d, want 2", len(got))
	}
	if got := r.Rank(0, regime.Bear); got != nil {
		t.Fatalf("bear candidates = %v, want none", got)
	}
}

func TestRankUndefinedSignalsExcluded(t *testing.T) {
	set := buildSet(map[string]assetSpec{
		"AAA": {price: 110, trendMA: 100, momentum: 0.30, atr: 2, strength: 30, dd: 0},
		"BBB": {price: 110, trendMA: 100, momentum: 0.30, atr: 2, strength: 30, dd: 0},
	}, 0.10)
	set.Asset("BBB").Momentum[0] = math.NaN()

	r := newRanker(t, testRankingConfig(), set, []string{"AAA", "BBB"})
	got := r.Rank(0, regime.Bull)
	if len(got) != 1 || got[0].Symbol != "AAA" {
		t.Fatalf("undefined momentum not excluded: %+v", got)
	}
}

func TestNewRankerUnknownQualifier(t *testing.T) {
	cfg := testRankingConfig()
	cfg.Qualifier = "alpha_blend"
	set := buildSet(map[string]assetSpec{
		"AAA": {price: 110, trendMA: 100, momentum: 0.30, atr: 2, strength: 30, dd: 0},
	}, 0.10)
	if _, err := NewRanker(zap.NewNop(), cfg, set, []string{"AAA"}); err == nil {
		t.Fatal("expected error for unknown qualifier")
	}
}

func TestNewRankerMissingAsset(t *testing.T) {
	set := buildSet(map[string]assetSpec{
		"AAA": {price: 110, trendMA: 100, momentum: 0.30, atr: 2, strength: 30, dd: 0},
	}, 0.10)
	if _, err := NewRanker(zap.NewNop(), testRankingConfig(), set, []string{"AAA", "GHOST"}); err == nil {
		t.Fatal("expected error for asset without indicator data")
	}
}

func TestScorerVariants(t *testing.T) {
	asset := &indicators.AssetIndicators{
		LastClose:     indicators.Series{110},
		TrendMA:       indicators.Series{100},
		Momentum:      indicators.Series{0.40},
		ATR:           indicators.Series{2},
		TrendStrength: indicators.Series{50},
		TrailingDD:    indicators.Series{0.25},
	}
	cfg := testRankingConfig()

	cases := []struct {
		qualifier types.QualifierType
		want      float64
	}{
		{types.QualifierMomentum, 0.40},
		{types.QualifierBreakout, (110.0 - 100.0) / (2.0 * 2.0)},                  // 2.5
		{types.QualifierTrendQuality, (110.0 - 100.0) / (2.0 * 2.0) * (50.0 / 25.0)}, // 5.0
		{types.QualifierRiskAdjusted, 0.40 * (1 - 0.25)},                          // 0.3
	}
	for _, tc := range cases {
		cfg.Qualifier = tc.qualifier
		scorer, err := NewScorer(cfg)
		if err != nil {
			t.Fatalf("%s: %v", tc.qualifier, err)
		}
		got, ok := scorer.Score(asset, 0)
		if !ok {
			t.Fatalf("%s: score undefined", tc.qualifier)
		}
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: score %.6f, want %.6f", tc.qualifier, got, tc.want)
		}
	}
}

func TestBreakoutScorerZeroATRUndefined(t *testing.T) {
	asset := &indicators.AssetIndicators{
		LastClose: indicators.Series{110},
		TrendMA:   indicators.Series{100},
		ATR:       indicators.Series{0},
	}
	cfg := testRankingConfig()
	cfg.Qualifier = types.QualifierBreakout
	scorer, err := NewScorer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := scorer.Score(asset, 0); ok {
		t.Fatal("zero ATR must yield an undefined score, not infinity")
	}
}
