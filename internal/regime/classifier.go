// Package regime classifies market state from benchmark indicators.
package regime

import (
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/indicators"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

// State is a discrete market-state label.
type State string

const (
	Bull    State = "bull"
	Neutral State = "neutral"
	Bear    State = "bear"
)

// Snapshot is the confirmed regime at one timestamp.
type Snapshot struct {
	State State     `json:"state"`
	Since time.Time `json:"since"` // timestamp of the last confirmed transition
	Bars  int       `json:"bars"`  // bars spent in the current state, inclusive
}

// Classifier evaluates the benchmark's trend and volatility once per bar and
// maintains a confirmed state with optional transition debouncing. All inputs
// are already lagged by the indicator calculator, so the snapshot at bar i is
// safe to act on at bar i.
type Classifier struct {
	logger *zap.Logger
	cfg    types.RegimeConfig
	bench  *indicators.AssetIndicators
	index  []time.Time

	current State
	since   time.Time
	bars    int

	pending     State
	pendingBars int
}

// NewClassifier creates a classifier over the benchmark indicators of a set.
func NewClassifier(logger *zap.Logger, cfg types.RegimeConfig, set *indicators.Set) *Classifier {
	return NewClassifierFromSeries(logger, cfg, set.Benchmark(), set.Index())
}

// NewClassifierFromSeries creates a classifier from raw benchmark indicator
// series aligned to index.
func NewClassifierFromSeries(logger *zap.Logger, cfg types.RegimeConfig, bench *indicators.AssetIndicators, index []time.Time) *Classifier {
	return &Classifier{
		logger:  logger,
		cfg:     cfg,
		bench:   bench,
		index:   index,
		current: Neutral,
		pending: Neutral,
	}
}

// Step classifies bar i and returns the confirmed snapshot. Must be called
// once per bar in order.
func (c *Classifier) Step(i int) Snapshot {
	raw := c.classify(i)

	if c.since.IsZero() {
		// First evaluation: adopt the raw reading without debouncing.
		c.current = raw
		c.pending = raw
		c.since = c.index[i]
		c.bars = 1
		return c.snapshot()
	}

	if raw == c.current {
		c.pending = c.current
		c.pendingBars = 0
		c.bars++
		return c.snapshot()
	}

	if raw == c.pending {
		c.pendingBars++
	} else {
		c.pending = raw
		c.pendingBars = 1
	}

	if c.pendingBars >= c.cfg.ConfirmBars {
		c.logger.Debug("regime transition",
			zap.String("from", string(c.current)),
			zap.String("to", string(raw)),
			zap.Time("date", c.index[i]),
		)
		c.current = raw
		c.since = c.index[i]
		c.bars = 1
		c.pendingBars = 0
	} else {
		c.bars++
	}
	return c.snapshot()
}

// Current returns the latest confirmed snapshot.
func (c *Classifier) Current() Snapshot { return c.snapshot() }

func (c *Classifier) snapshot() Snapshot {
	return Snapshot{State: c.current, Since: c.since, Bars: c.bars}
}

// classify computes the raw reading for bar i. Undefined inputs yield
// NEUTRAL: without history there is no evidence for either extreme.
func (c *Classifier) classify(i int) State {
	if !c.bench.LastClose.Defined(i) || !c.bench.TrendMA.Defined(i) {
		return Neutral
	}
	price := c.bench.LastClose[i]
	trendMA := c.bench.TrendMA[i]

	if price < trendMA {
		return Bear
	}

	if !c.bench.ShortMASlope.Defined(i) || !c.bench.VolPercentile.Defined(i) {
		return Neutral
	}
	slope := c.bench.ShortMASlope[i]
	volPct := c.bench.VolPercentile[i]

	if price > trendMA && slope > 0 &&
		volPct >= c.cfg.VolPercentileMin && volPct <= c.cfg.VolPercentileMax {
		return Bull
	}
	return Neutral
}

// Recovery reports the regime-recovery event: the state just left BEAR for a
// bullish state while the portfolio holds only cash or the safe-haven asset.
// The defensive flag must be checked explicitly by the caller — a safe-haven
// holding is still a position, so "no open positions" alone is not enough.
func Recovery(prev, curr State, defensive bool) bool {
	return prev == Bear && curr != Bear && defensive
}
