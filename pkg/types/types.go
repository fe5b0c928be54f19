// Package types provides shared type definitions for the backtesting engine.
package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents a single daily OHLCV bar.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// PricePanel holds aligned OHLCV history for a universe of assets.
// All assets share one monotonically increasing timestamp index. The panel
// is immutable once constructed; callers must not mutate the returned slices.
type PricePanel struct {
	symbols []string
	index   []time.Time
	bars    map[string][]Bar
}

// NewPricePanel builds a panel from per-symbol bar series, validating that
// every series shares the same timestamp index.
func NewPricePanel(series map[string][]Bar) (*PricePanel, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("price panel requires at least one symbol")
	}

	symbols := make([]string, 0, len(series))
	for sym := range series {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	ref := series[symbols[0]]
	if len(ref) == 0 {
		return nil, fmt.Errorf("symbol %s has no bars", symbols[0])
	}

	index := make([]time.Time, len(ref))
	for i, bar := range ref {
		if i > 0 && !bar.Timestamp.After(index[i-1]) {
			return nil, fmt.Errorf("symbol %s: timestamps not strictly increasing at %s",
				symbols[0], bar.Timestamp.Format("2006-01-02"))
		}
		index[i] = bar.Timestamp
	}

	for _, sym := range symbols[1:] {
		bars := series[sym]
		if len(bars) != len(index) {
			return nil, fmt.Errorf("symbol %s: %d bars, expected %d (panel must be pre-aligned)",
				sym, len(bars), len(index))
		}
		for i, bar := range bars {
			if !bar.Timestamp.Equal(index[i]) {
				return nil, fmt.Errorf("symbol %s: timestamp mismatch at position %d", sym, i)
			}
		}
	}

	return &PricePanel{symbols: symbols, index: index, bars: series}, nil
}

// Symbols returns the sorted asset identifiers in the panel.
func (p *PricePanel) Symbols() []string {
	out := make([]string, len(p.symbols))
	copy(out, p.symbols)
	return out
}

// Index returns the shared timestamp index.
func (p *PricePanel) Index() []time.Time { return p.index }

// Len returns the number of bars per asset.
func (p *PricePanel) Len() int { return len(p.index) }

// HasSymbol reports whether the panel contains the given asset.
func (p *PricePanel) HasSymbol(symbol string) bool {
	_, ok := p.bars[symbol]
	return ok
}

// Bars returns the bar series for a symbol, or nil if absent.
func (p *PricePanel) Bars(symbol string) []Bar { return p.bars[symbol] }

// Close returns the close price for symbol at position i.
func (p *PricePanel) Close(symbol string, i int) float64 {
	return p.bars[symbol][i].Close
}

// Slice returns a sub-panel covering index positions [from, to).
func (p *PricePanel) Slice(from, to int) (*PricePanel, error) {
	if from < 0 || to > len(p.index) || from >= to {
		return nil, fmt.Errorf("invalid panel slice [%d, %d) over %d bars", from, to, len(p.index))
	}
	sub := make(map[string][]Bar, len(p.symbols))
	for _, sym := range p.symbols {
		sub[sym] = p.bars[sym][from:to]
	}
	return &PricePanel{symbols: p.symbols, index: p.index[from:to], bars: sub}, nil
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss       ExitReason = "stop_loss"
	ExitBreakdown      ExitReason = "breakdown"
	ExitRebalance      ExitReason = "rebalance"
	ExitRegimeChange   ExitReason = "regime_change"
	ExitCircuitBreaker ExitReason = "circuit_breaker"
	ExitEndOfData      ExitReason = "end_of_data"
)

// Trade is an immutable closed-position record on the trade ledger.
type Trade struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	EntryDate   time.Time       `json:"entryDate"`
	ExitDate    time.Time       `json:"exitDate"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	Quantity    decimal.Decimal `json:"quantity"`
	PnL         decimal.Decimal `json:"pnl"`
	ReturnPct   float64         `json:"returnPct"`
	Fees        decimal.Decimal `json:"fees"`
	PyramidAdds int             `json:"pyramidAdds"`
	HoldingDays int             `json:"holdingDays"`
	ExitReason  ExitReason      `json:"exitReason"`
}

// EquityPoint is one point on the simulated equity curve.
type EquityPoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Drawdown      decimal.Decimal `json:"drawdown"`
	GrossExposure float64         `json:"grossExposure"`
	Turnover      float64         `json:"turnover"`
}

// TargetAllocation maps assets to portfolio weights for one rebalance date.
// Weights are fractions of equity; their sum never exceeds the configured
// maximum gross exposure.
type TargetAllocation struct {
	Date      time.Time          `json:"date"`
	Weights   map[string]float64 `json:"weights"`
	VolScalar float64            `json:"volScalar"`
	Gross     float64            `json:"gross"`
	SafeHaven bool               `json:"safeHaven"`
	Trigger   string             `json:"trigger"` // "calendar" or "recovery"
}

// PerformanceMetrics summarizes a backtest run.
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio      decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio     decimal.Decimal `json:"sortinoRatio"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate  time.Time       `json:"maxDrawdownDate"`
	CalmarRatio      decimal.Decimal `json:"calmarRatio"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitFactor     decimal.Decimal `json:"profitFactor"`
	Expectancy       decimal.Decimal `json:"expectancy"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	LosingTrades     int             `json:"losingTrades"`
	AvgWin           decimal.Decimal `json:"avgWin"`
	AvgLoss          decimal.Decimal `json:"avgLoss"`
	AvgHoldingDays   decimal.Decimal `json:"avgHoldingDays"`
	AnnualTurnover   decimal.Decimal `json:"annualTurnover"`
}

// WalkForwardFold holds per-fold walk-forward statistics.
type WalkForwardFold struct {
	Fold        int             `json:"fold"`
	TrainStart  time.Time       `json:"trainStart"`
	TrainEnd    time.Time       `json:"trainEnd"`
	TestStart   time.Time       `json:"testStart"`
	TestEnd     time.Time       `json:"testEnd"`
	Return      decimal.Decimal `json:"return"`
	Sharpe      decimal.Decimal `json:"sharpe"`
	MaxDrawdown decimal.Decimal `json:"maxDrawdown"`
	Trades      int             `json:"trades"`
	Skipped     bool            `json:"skipped"`
	SkipReason  string          `json:"skipReason,omitempty"`
}

// WalkForwardResult aggregates all folds.
type WalkForwardResult struct {
	Folds        []WalkForwardFold `json:"folds"`
	Consistency  decimal.Decimal   `json:"consistency"` // fraction of valid folds with positive return
	MedianReturn decimal.Decimal   `json:"medianReturn"`
	ValidFolds   int               `json:"validFolds"`
}

// MonteCarloResult holds the empirical distribution from trade resampling.
type MonteCarloResult struct {
	Draws           int             `json:"draws"`
	Seed            int64           `json:"seed"`
	MedianReturn    decimal.Decimal `json:"medianReturn"`
	P5Return        decimal.Decimal `json:"p5Return"`
	P95Return       decimal.Decimal `json:"p95Return"`
	ProbabilityLoss decimal.Decimal `json:"probabilityLoss"`
	MaxDrawdownP95  decimal.Decimal `json:"maxDrawdownP95"`
}

// BacktestResult is the full output of one pipeline run.
type BacktestResult struct {
	ID                string              `json:"id"`
	Config            *Config             `json:"config"`
	Metrics           *PerformanceMetrics `json:"metrics"`
	EquityCurve       []EquityPoint       `json:"equityCurve"`
	Trades            []Trade             `json:"trades"`
	FinalAllocation   *TargetAllocation   `json:"finalAllocation,omitempty"`
	Rebalances        int                 `json:"rebalances"`
	ZeroCandidateDays int                 `json:"zeroCandidateDays"`
	Warnings          []string            `json:"warnings,omitempty"`
	WalkForwardResult *WalkForwardResult  `json:"walkForwardResult,omitempty"`
	MonteCarloResult  *MonteCarloResult   `json:"monteCarloResult,omitempty"`
	StartedAt         time.Time           `json:"startedAt"`
	CompletedAt       time.Time           `json:"completedAt"`
	Duration          time.Duration       `json:"duration"`
}
