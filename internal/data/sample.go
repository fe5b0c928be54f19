package data

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

// SampleSpec controls deterministic synthetic history generation, used for
// demos and tests when no CSV data is available.
type SampleSpec struct {
	Symbols []string
	Bars    int
	Seed    int64
	Start   time.Time
	// AnnualDrift and AnnualVol are per-symbol overrides; absent symbols
	// get defaults derived from the seed.
	AnnualDrift map[string]float64
	AnnualVol   map[string]float64
}

// GeneratePanel produces a geometric-random-walk panel. The same spec always
// yields identical bars regardless of symbol ordering.
func GeneratePanel(spec SampleSpec) (*types.PricePanel, error) {
	if len(spec.Symbols) == 0 {
		return nil, fmt.Errorf("sample spec has no symbols")
	}
	if spec.Bars < 2 {
		return nil, fmt.Errorf("sample spec needs at least 2 bars, got %d", spec.Bars)
	}

	start := spec.Start
	if start.IsZero() {
		start = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	symbols := make([]string, len(spec.Symbols))
	copy(symbols, spec.Symbols)
	sort.Strings(symbols)

	index := make([]time.Time, spec.Bars)
	t := start
	for i := range index {
		index[i] = t
		t = t.AddDate(0, 0, 1)
	}

	series := make(map[string][]types.Bar, len(symbols))
	for si, sym := range symbols {
		// Per-symbol generator keyed on the symbol name so adding a
		// symbol never reshuffles the paths of the others.
		h := fnv.New64a()
		h.Write([]byte(sym))
		rng := rand.New(rand.NewSource(spec.Seed ^ int64(h.Sum64())))

		drift := 0.05 + 0.03*float64(h.Sum64()%4)
		if d, ok := spec.AnnualDrift[sym]; ok {
			drift = d
		}
		vol := 0.15 + 0.05*float64(h.Sum64()%3)
		if v, ok := spec.AnnualVol[sym]; ok {
			vol = v
		}

		dailyDrift := drift / 252
		dailyVol := vol / math.Sqrt(252)

		bars := make([]types.Bar, spec.Bars)
		price := 100.0 * (1 + 0.1*float64(si))
		for i := 0; i < spec.Bars; i++ {
			ret := dailyDrift + dailyVol*rng.NormFloat64()
			next := price * math.Exp(ret)

			high := math.Max(price, next) * (1 + 0.002*rng.Float64())
			low := math.Min(price, next) * (1 - 0.002*rng.Float64())
			bars[i] = types.Bar{
				Timestamp: index[i],
				Open:      price,
				High:      high,
				Low:       low,
				Close:     next,
				Volume:    1e6 * (0.5 + rng.Float64()),
			}
			price = next
		}
		series[sym] = bars
	}

	return types.NewPricePanel(series)
}
