package indicators

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

func testConfig() types.IndicatorConfig {
	return types.IndicatorConfig{
		MomentumLookback:    10,
		TrendMAPeriod:       20,
		ShortMAPeriod:       5,
		SlopeLookback:       3,
		ATRPeriod:           5,
		TrendStrengthPeriod: 5,
		VolWindow:           5,
		VolPercentileWindow: 20,
		DrawdownLookback:    10,
	}
}

func syntheticBars(n int, start, step float64) []types.Bar {
	bars := make([]types.Bar, n)
	t := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		bars[i] = types.Bar{
			Timestamp: t,
			Open:      price,
			High:      price * 1.01,
			Low:       price * 0.99,
			Close:     price,
			Volume:    1000,
		}
		price += step
		t = t.AddDate(0, 0, 1)
	}
	return bars
}

func buildSet(t *testing.T, bars map[string][]types.Bar, bench []types.Bar, cfg types.IndicatorConfig) *Set {
	t.Helper()
	panel, err := types.NewPricePanel(bars)
	if err != nil {
		t.Fatalf("failed to build panel: %v", err)
	}
	set, err := Compute(zap.NewNop(), panel, bench, cfg, 5)
	if err != nil {
		t.Fatalf("failed to compute indicators: %v", err)
	}
	return set
}

func TestComputeOneBarLag(t *testing.T) {
	bars := syntheticBars(60, 100, 1)
	set := buildSet(t, map[string][]types.Bar{"AAA": bars}, syntheticBars(60, 50, 0.5), testConfig())

	asset := set.Asset("AAA")
	if asset == nil {
		t.Fatal("expected indicators for AAA")
	}

	// The last close visible at position i must be the close of bar i-1,
	// never bar i itself.
	for i := 1; i < len(bars); i++ {
		if !asset.LastClose.Defined(i) {
			continue
		}
		if asset.LastClose[i] != bars[i-1].Close {
			t.Fatalf("position %d: last close %.2f, want prior close %.2f",
				i, asset.LastClose[i], bars[i-1].Close)
		}
		if asset.LastClose[i] == bars[i].Close {
			t.Fatalf("position %d: last close equals same-day close, look-ahead leak", i)
		}
	}
	if asset.LastClose.Defined(0) {
		t.Fatal("first bar must have no visible close")
	}
}

func TestComputeFutureDataDoesNotChangePast(t *testing.T) {
	cfg := testConfig()
	base := syntheticBars(60, 100, 1)
	bench := syntheticBars(60, 50, 0.5)

	// Perturb only the final bar; every indicator value before the last
	// position must be bit-identical.
	altered := make([]types.Bar, len(base))
	copy(altered, base)
	last := altered[len(altered)-1]
	last.Close *= 2
	last.High *= 2
	altered[len(altered)-1] = last

	a := buildSet(t, map[string][]types.Bar{"AAA": base}, bench, cfg).Asset("AAA")
	b := buildSet(t, map[string][]types.Bar{"AAA": altered}, bench, cfg).Asset("AAA")

	series := map[string][2]Series{
		"momentum":  {a.Momentum, b.Momentum},
		"trend_ma":  {a.TrendMA, b.TrendMA},
		"atr":       {a.ATR, b.ATR},
		"vol":       {a.Volatility, b.Volatility},
		"dd":        {a.TrailingDD, b.TrailingDD},
		"low":       {a.RollingLow, b.RollingLow},
		"lastclose": {a.LastClose, b.LastClose},
	}
	for name, pair := range series {
		for i := 0; i < len(base)-1; i++ {
			va, vb := pair[0][i], pair[1][i]
			if math.IsNaN(va) && math.IsNaN(vb) {
				continue
			}
			if va != vb {
				t.Fatalf("%s at %d changed after perturbing a future bar: %.6f vs %.6f", name, i, va, vb)
			}
		}
	}
}

func TestMomentumKnownValue(t *testing.T) {
	cfg := testConfig()
	bars := syntheticBars(30, 100, 1) // close at i is 100+i
	set := buildSet(t, map[string][]types.Bar{"AAA": bars}, syntheticBars(30, 50, 0.5), cfg)

	// At position i the visible momentum uses closes at i-1 and i-1-lookback.
	i := 15
	want := (bars[i-1].Close - bars[i-1-cfg.MomentumLookback].Close) / bars[i-1-cfg.MomentumLookback].Close
	got := set.Asset("AAA").Momentum[i]
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("momentum at %d: got %.6f, want %.6f", i, got, want)
	}
}

func TestTrendMAKnownValue(t *testing.T) {
	cfg := testConfig()
	bars := syntheticBars(40, 100, 1)
	set := buildSet(t, map[string][]types.Bar{"AAA": bars}, syntheticBars(40, 50, 0.5), cfg)

	// SMA of an arithmetic sequence is the midpoint of the window. At
	// position i the visible MA covers closes i-20..i-1.
	i := 30
	var sum float64
	for j := i - cfg.TrendMAPeriod; j < i; j++ {
		sum += bars[j].Close
	}
	want := sum / float64(cfg.TrendMAPeriod)
	got := set.Asset("AAA").TrendMA[i]
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("trend MA at %d: got %.6f, want %.6f", i, got, want)
	}
}

func TestInsufficientHistoryIsUndefined(t *testing.T) {
	cfg := testConfig()
	bars := syntheticBars(8, 100, 1) // shorter than the momentum lookback
	set := buildSet(t, map[string][]types.Bar{"AAA": bars}, syntheticBars(8, 50, 0.5), cfg)

	asset := set.Asset("AAA")
	for i := range bars {
		if asset.Momentum.Defined(i) {
			t.Fatalf("momentum defined at %d with only %d bars", i, len(bars))
		}
		if asset.TrendMA.Defined(i) {
			t.Fatalf("trend MA defined at %d with only %d bars", i, len(bars))
		}
		if asset.Eligible(i) {
			t.Fatalf("asset eligible at %d with insufficient history", i)
		}
	}
}

func TestTrailingDrawdownFlatSeriesIsZero(t *testing.T) {
	cfg := testConfig()
	bars := syntheticBars(30, 100, 0)
	set := buildSet(t, map[string][]types.Bar{"AAA": bars}, syntheticBars(30, 50, 0), cfg)

	dd := set.Asset("AAA").TrailingDD
	for i := cfg.DrawdownLookback + 1; i < len(bars); i++ {
		if !dd.Defined(i) {
			t.Fatalf("drawdown undefined at %d", i)
		}
		if dd[i] != 0 {
			t.Fatalf("flat series has drawdown %.6f at %d", dd[i], i)
		}
	}
}

func TestVolPercentileRange(t *testing.T) {
	cfg := testConfig()
	bars := syntheticBars(120, 100, 0)
	// Alternate small moves to produce non-trivial volatility.
	for i := range bars {
		wiggle := 1 + 0.01*float64(i%7)
		bars[i].Close *= wiggle
		bars[i].High = bars[i].Close * 1.01
		bars[i].Low = bars[i].Close * 0.99
	}
	set := buildSet(t, map[string][]types.Bar{"AAA": bars}, syntheticBars(120, 50, 0.5), cfg)

	vp := set.Asset("AAA").VolPercentile
	for i := range bars {
		if !vp.Defined(i) {
			continue
		}
		if vp[i] < 0 || vp[i] > 1 {
			t.Fatalf("vol percentile %.4f out of [0,1] at %d", vp[i], i)
		}
	}
}

func TestRollingLowTracksWindowMinimum(t *testing.T) {
	cfg := testConfig()
	bars := syntheticBars(30, 100, -1) // falling market
	set := buildSet(t, map[string][]types.Bar{"AAA": bars}, syntheticBars(30, 50, 0), cfg)

	low := set.Asset("AAA").RollingLow
	i := 20
	// Visible rolling low covers the 5 bars ending at i-1; in a falling
	// series that is the low of bar i-1.
	want := bars[i-1].Low
	if math.Abs(low[i]-want) > 1e-12 {
		t.Fatalf("rolling low at %d: got %.4f, want %.4f", i, low[i], want)
	}
}

func TestComputeRejectsMisalignedBenchmark(t *testing.T) {
	bars := syntheticBars(30, 100, 1)
	panel, err := types.NewPricePanel(map[string][]types.Bar{"AAA": bars})
	if err != nil {
		t.Fatalf("failed to build panel: %v", err)
	}

	if _, err := Compute(zap.NewNop(), panel, syntheticBars(29, 50, 0.5), testConfig(), 5); err == nil {
		t.Fatal("expected error for short benchmark")
	}

	shifted := syntheticBars(30, 50, 0.5)
	for i := range shifted {
		shifted[i].Timestamp = shifted[i].Timestamp.AddDate(0, 0, 1)
	}
	if _, err := Compute(zap.NewNop(), panel, shifted, testConfig(), 5); err == nil {
		t.Fatal("expected error for misaligned benchmark timestamps")
	}
}
