package simulator

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

const tradingDaysPerYear = 252

// MetricsCalculator summarizes an equity curve and trade ledger.
type MetricsCalculator struct {
	initialCapital float64
}

// NewMetricsCalculator creates a metrics calculator.
func NewMetricsCalculator(initialCapital float64) *MetricsCalculator {
	return &MetricsCalculator{initialCapital: initialCapital}
}

// Calculate computes all performance metrics.
func (mc *MetricsCalculator) Calculate(curve []types.EquityPoint, trades []types.Trade) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{}
	if len(curve) == 0 {
		return metrics
	}

	// Trade statistics.
	var winning, losing int
	var totalWins, totalLosses float64
	var totalHoldingDays int
	for _, trade := range trades {
		pnl, _ := trade.PnL.Float64()
		if pnl > 0 {
			winning++
			totalWins += pnl
		} else if pnl < 0 {
			losing++
			totalLosses += -pnl
		}
		totalHoldingDays += trade.HoldingDays
	}

	metrics.TotalTrades = len(trades)
	metrics.WinningTrades = winning
	metrics.LosingTrades = losing

	if len(trades) > 0 {
		metrics.WinRate = decimal.NewFromFloat(float64(winning) / float64(len(trades)))
		metrics.AvgHoldingDays = decimal.NewFromFloat(float64(totalHoldingDays) / float64(len(trades)))
	}
	avgWin, avgLoss := 0.0, 0.0
	if winning > 0 {
		avgWin = totalWins / float64(winning)
		metrics.AvgWin = decimal.NewFromFloat(avgWin)
	}
	if losing > 0 {
		avgLoss = totalLosses / float64(losing)
		metrics.AvgLoss = decimal.NewFromFloat(avgLoss)
	}
	if totalLosses > 0 {
		metrics.ProfitFactor = decimal.NewFromFloat(totalWins / totalLosses)
	}
	if len(trades) > 0 {
		winPct := float64(winning) / float64(len(trades))
		metrics.Expectancy = decimal.NewFromFloat(winPct*avgWin - (1-winPct)*avgLoss)
	}

	// Return statistics.
	finalEquity, _ := curve[len(curve)-1].Equity.Float64()
	if mc.initialCapital > 0 {
		metrics.TotalReturn = decimal.NewFromFloat((finalEquity - mc.initialCapital) / mc.initialCapital)
	}

	returns := dailyReturns(curve, mc.initialCapital)
	if len(returns) > 0 {
		metrics.AnnualizedReturn = decimal.NewFromFloat(mean(returns) * tradingDaysPerYear)
	}
	if len(returns) > 1 {
		// Zero risk-free rate.
		if sd := stdDev(returns); sd > 0 {
			metrics.SharpeRatio = decimal.NewFromFloat(mean(returns) / sd * math.Sqrt(tradingDaysPerYear))
		}
		if dd := downsideDeviation(returns); dd > 0 {
			metrics.SortinoRatio = decimal.NewFromFloat(mean(returns) / dd * math.Sqrt(tradingDaysPerYear))
		}
	}

	maxDD, maxDDDate := maxDrawdown(curve)
	metrics.MaxDrawdown = decimal.NewFromFloat(maxDD)
	metrics.MaxDrawdownDate = maxDDDate
	if maxDD > 0 {
		ann, _ := metrics.AnnualizedReturn.Float64()
		metrics.CalmarRatio = decimal.NewFromFloat(ann / maxDD)
	}

	// Annualized turnover from daily weight changes.
	var totalTurnover float64
	for _, pt := range curve {
		totalTurnover += pt.Turnover
	}
	years := float64(len(curve)) / tradingDaysPerYear
	if years > 0 {
		metrics.AnnualTurnover = decimal.NewFromFloat(totalTurnover / years)
	}

	return metrics
}

// dailyReturns derives simple daily returns from the equity curve, anchored
// on the initial capital.
func dailyReturns(curve []types.EquityPoint, initialCapital float64) []float64 {
	out := make([]float64, 0, len(curve))
	prev := initialCapital
	for _, pt := range curve {
		eq, _ := pt.Equity.Float64()
		if prev > 0 {
			out = append(out, eq/prev-1)
		}
		prev = eq
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}

// downsideDeviation measures dispersion of negative returns only.
func downsideDeviation(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sq float64
	for _, x := range xs {
		if x < 0 {
			sq += x * x
		}
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}

func maxDrawdown(curve []types.EquityPoint) (float64, time.Time) {
	var peak, maxDD float64
	var when time.Time
	for _, pt := range curve {
		eq, _ := pt.Equity.Float64()
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > maxDD {
				maxDD = dd
				when = pt.Timestamp
			}
		}
	}
	return maxDD, when
}
