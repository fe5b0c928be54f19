// Package simulator runs the daily backtest loop: regime classification,
// scheduled rebalancing, risk overlay enforcement, and portfolio accounting.
package simulator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/allocation"
	"github.com/halcyon-quant/trendbt/internal/config"
	"github.com/halcyon-quant/trendbt/internal/indicators"
	"github.com/halcyon-quant/trendbt/internal/ranking"
	"github.com/halcyon-quant/trendbt/internal/regime"
	"github.com/halcyon-quant/trendbt/internal/risk"
	"github.com/halcyon-quant/trendbt/internal/schedule"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

// Rebalance trades smaller than this fraction of equity are skipped to
// avoid fee churn on dust adjustments.
const rebalanceBand = 0.001

// zeroCandidateWarnFraction is the share of rebalances allowed to find no
// candidates before the run carries a warning.
const zeroCandidateWarnFraction = 0.5

// Engine runs one backtest over an immutable price panel. New computes the
// indicator set once; Run holds all mutable state locally, so a single
// engine value is safe to reuse and engines over panel slices can run in
// parallel.
type Engine struct {
	logger *zap.Logger
	cfg    *types.Config
	panel  *types.PricePanel
	set    *indicators.Set
	ranker *ranking.Ranker
	alloc  *allocation.Engine
	sizer  risk.Sizer
	pyr    *risk.Pyramider
	warmup int
	core   map[string]bool
}

// New validates the configuration against the panel and precomputes
// indicators. Configuration and data-integrity problems fail here, never
// mid-simulation.
func New(logger *zap.Logger, cfg *types.Config, panel *types.PricePanel) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if !panel.HasSymbol(cfg.Benchmark) {
		return nil, fmt.Errorf("benchmark %s absent from price panel", cfg.Benchmark)
	}
	if !cfg.CashFallback && !panel.HasSymbol(cfg.SafeHaven) {
		return nil, fmt.Errorf("safe-haven asset %s absent from price panel", cfg.SafeHaven)
	}
	for _, sym := range cfg.Universe {
		if !panel.HasSymbol(sym) {
			return nil, fmt.Errorf("universe asset %s absent from price panel", sym)
		}
	}
	for sym := range cfg.Allocation.CoreAssets {
		if !panel.HasSymbol(sym) {
			return nil, fmt.Errorf("core asset %s absent from price panel", sym)
		}
	}

	warmup := cfg.Indicators.MaxLookback()
	if panel.Len() <= warmup {
		return nil, fmt.Errorf("panel has %d bars, need more than the %d-bar warm-up", panel.Len(), warmup)
	}

	set, err := indicators.Compute(logger, panel, panel.Bars(cfg.Benchmark), cfg.Indicators, cfg.Risk.BreakdownLookback)
	if err != nil {
		return nil, fmt.Errorf("failed to compute indicators: %w", err)
	}
	ranker, err := ranking.NewRanker(logger, cfg.Ranking, set, cfg.Universe)
	if err != nil {
		return nil, err
	}
	sizer, err := risk.NewSizer(cfg.Risk)
	if err != nil {
		return nil, err
	}

	core := make(map[string]bool, len(cfg.Allocation.CoreAssets))
	for sym := range cfg.Allocation.CoreAssets {
		core[sym] = true
	}

	return &Engine{
		logger: logger,
		cfg:    cfg,
		panel:  panel,
		set:    set,
		ranker: ranker,
		alloc:  allocation.NewEngine(logger, cfg.Allocation, cfg.SafeHaven, cfg.CashFallback),
		sizer:  sizer,
		pyr:    risk.NewPyramider(cfg.Risk),
		warmup: warmup,
		core:   core,
	}, nil
}

// Warmup returns the number of leading bars consumed before trading starts.
func (e *Engine) Warmup() int { return e.warmup }

// Run executes the backtest. The loop is single-threaded and deterministic:
// identical configuration and data always produce a bit-identical equity
// curve and trade ledger.
func (e *Engine) Run(ctx context.Context) (*types.BacktestResult, error) {
	started := time.Now()
	index := e.panel.Index()
	n := e.panel.Len()

	bk := newBook(e.cfg.InitialCapital, e.cfg.Costs)
	classifier := regime.NewClassifier(e.logger, e.cfg.Regime, e.set)
	sched := schedule.NewScheduler(e.logger, e.cfg.Rebalance)
	portfolioBreaker := risk.NewPortfolioBreaker(e.logger, e.cfg.Risk, e.cfg.InitialCapital)
	dailyBreaker := risk.NewDailyLossBreaker(e.logger, e.cfg.Risk.DailyLossLimit)

	var (
		curve        = make([]types.EquityPoint, 0, n-e.warmup)
		priorReturns = make([]float64, 0, n-e.warmup)
		prevEquity   = e.cfg.InitialCapital
		peak         = e.cfg.InitialCapital
		prevState    regime.State
		prevWeights  = map[string]float64{}

		rebalances     int
		zeroCandidates int
		finalAlloc     *types.TargetAllocation
	)

	for i := e.warmup; i < n; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		date := index[i]
		price := func(sym string) float64 { return e.panel.Close(sym, i) }

		dailyBreaker.NewDay(prevEquity)

		// Mark to market first: today's return accrues to the weights that
		// were already active entering today. Decisions made below execute
		// at today's close and only affect tomorrow's return.
		equity := bk.equity(price)

		if dailyBreaker.Check(equity) {
			bk.closeAll(price, date, types.ExitCircuitBreaker, func(*position) bool { return true })
			equity = bk.equity(price)
		}

		if portfolioBreaker.Step(equity) {
			bk.closeAll(price, date, types.ExitCircuitBreaker, func(*position) bool { return true })
			e.parkInSafeHaven(bk, price, date)
			equity = bk.equity(price)
		}

		snap := classifier.Step(i)
		state := snap.State

		// A flip into BEAR forces all satellite positions flat.
		if state == regime.Bear && prevState != regime.Bear {
			bk.closeAll(price, date, types.ExitRegimeChange, func(p *position) bool {
				return !p.safeHaven && !e.core[p.symbol]
			})
		}

		e.enforceStops(bk, sched, portfolioBreaker, dailyBreaker, i, date, price)

		recovery := regime.Recovery(prevState, state, bk.defensiveOnly())
		if portfolioBreaker.CanEnter() && !dailyBreaker.Suspended() {
			if trigger, ok := sched.Check(date, recovery); ok {
				alloc, empty := e.rebalance(bk, sched, i, date, state, trigger, priorReturns)
				sched.Complete(date)
				rebalances++
				if empty {
					zeroCandidates++
				}
				finalAlloc = alloc
			}
		}

		equity = bk.equity(price)
		if equity > peak {
			peak = equity
		}

		weights := map[string]float64{}
		gross := 0.0
		if equity > 0 {
			for _, sym := range bk.symbols() {
				w := bk.positionValue(sym, price(sym)) / equity
				weights[sym] = w
				gross += w
			}
		}

		ret := 0.0
		if prevEquity > 0 {
			ret = equity/prevEquity - 1
		}
		priorReturns = append(priorReturns, ret)

		curve = append(curve, types.EquityPoint{
			Timestamp:     date,
			Equity:        decimal.NewFromFloat(equity),
			Cash:          decimal.NewFromFloat(bk.cash),
			RealizedPnL:   decimal.NewFromFloat(bk.closedPnL),
			UnrealizedPnL: decimal.NewFromFloat(equity - bk.cash - openCostBasis(bk)),
			Drawdown:      decimal.NewFromFloat((peak - equity) / peak),
			GrossExposure: gross,
			Turnover:      turnover(prevWeights, weights),
		})

		prevEquity = equity
		prevWeights = weights
		prevState = state
	}

	// Close out the book at the final bar so every position becomes a trade.
	last := n - 1
	finalPrice := func(sym string) float64 { return e.panel.Close(sym, last) }
	bk.closeAll(finalPrice, index[last], types.ExitEndOfData, func(*position) bool { return true })
	if len(curve) > 0 {
		equity := bk.equity(finalPrice)
		curve[len(curve)-1].Equity = decimal.NewFromFloat(equity)
		curve[len(curve)-1].Cash = decimal.NewFromFloat(bk.cash)
		curve[len(curve)-1].RealizedPnL = decimal.NewFromFloat(bk.closedPnL)
		curve[len(curve)-1].UnrealizedPnL = decimal.Zero
	}

	completed := time.Now()
	result := &types.BacktestResult{
		ID:                e.cfg.ID,
		Config:            e.cfg,
		Metrics:           NewMetricsCalculator(e.cfg.InitialCapital).Calculate(curve, bk.trades),
		EquityCurve:       curve,
		Trades:            bk.trades,
		FinalAllocation:   finalAlloc,
		Rebalances:        rebalances,
		ZeroCandidateDays: zeroCandidates,
		StartedAt:         started,
		CompletedAt:       completed,
		Duration:          completed.Sub(started),
	}
	if rebalances > 0 && float64(zeroCandidates)/float64(rebalances) > zeroCandidateWarnFraction {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"%d of %d rebalances found no eligible candidates; check universe and filter configuration",
			zeroCandidates, rebalances))
	}

	e.logger.Info("backtest complete",
		zap.String("id", e.cfg.ID),
		zap.Int("bars", n-e.warmup),
		zap.Int("trades", len(bk.trades)),
		zap.Int("rebalances", rebalances),
		zap.Duration("elapsed", result.Duration),
	)
	return result, nil
}

// enforceStops walks open satellite positions in sorted order, tightening
// trailing stops and exiting on stop or breakdown breaches, then evaluates
// pyramid adds.
func (e *Engine) enforceStops(bk *book, sched *schedule.Scheduler, pb *risk.PortfolioBreaker, dlb *risk.DailyLossBreaker, i int, date time.Time, price func(string) float64) {
	for _, sym := range bk.symbols() {
		pos := bk.positions[sym]
		if pos.safeHaven || e.core[sym] {
			continue
		}
		p := price(sym)
		if p > pos.highestClose {
			pos.highestClose = p
		}

		asset := e.set.Asset(sym)
		atrDefined := asset != nil && asset.ATR.Defined(i)
		if atrDefined {
			pos.stop = risk.TrailingStop(pos.stop, pos.highestClose, asset.ATR[i], e.cfg.Risk.StopATRMultiple)
		}
		if pos.stop > 0 && p <= pos.stop {
			bk.close(sym, p, date, types.ExitStopLoss)
			continue
		}
		if asset != nil && asset.RollingLow.Defined(i) && risk.Breakdown(p, asset.RollingLow[i]) {
			bk.close(sym, p, date, types.ExitBreakdown)
			continue
		}

		if e.cfg.Risk.MaxPyramidAdds == 0 || !atrDefined {
			continue
		}
		if !pb.CanEnter() || dlb.Suspended() || !sched.CanEnter(sym, date) {
			continue
		}
		if !e.pyr.ShouldAdd(pos.pyramidAdds, p, pos.lastAddRef, asset.ATR[i]) {
			continue
		}
		addValue := e.pyr.AddFraction(pos.pyramidAdds) * pos.initialValue
		if room := e.pyr.MaxValue(pos.initialValue) - pos.costBasis; addValue > room {
			addValue = room
		}
		if addValue <= 0 || addValue > bk.cash {
			continue
		}
		bk.addTo(pos, addValue, p)
		pos.pyramidAdds++
		sched.MarkEntry(sym, date)
	}
}

// rebalance builds targets for bar i and trades the book toward them at
// today's close. Returns the allocation and whether no candidate qualified.
func (e *Engine) rebalance(bk *book, sched *schedule.Scheduler, i int, date time.Time, state regime.State, trigger string, priorReturns []float64) (*types.TargetAllocation, bool) {
	candidates := e.ranker.Rank(i, state)
	alloc := e.alloc.Build(date, candidates, state, priorReturns, trigger)

	price := func(sym string) float64 { return e.panel.Close(sym, i) }
	equity := bk.equity(price)
	if equity <= 0 {
		return alloc, len(candidates) == 0
	}

	targets := make(map[string]float64, len(alloc.Weights))
	for sym, w := range alloc.Weights {
		if e.panel.HasSymbol(sym) {
			targets[sym] = w * equity
		}
	}
	invVolShares := e.invVolShares(i, alloc)

	// Exits first, freeing cash for the buys below.
	for _, sym := range bk.symbols() {
		if _, keep := targets[sym]; !keep {
			bk.close(sym, price(sym), date, types.ExitRebalance)
		}
	}

	syms := make([]string, 0, len(targets))
	for sym := range targets {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	for _, sym := range syms {
		target := targets[sym]
		p := price(sym)
		if p <= 0 {
			continue
		}

		if pos, held := bk.positions[sym]; held {
			diff := target - pos.units*p
			if math.Abs(diff) < rebalanceBand*equity {
				continue
			}
			if diff < 0 {
				bk.reduce(pos, -diff/p, p)
			} else if diff <= bk.cash/(1+e.cfg.Costs.FeeRate) {
				bk.addTo(pos, diff, p)
			}
			continue
		}

		if !sched.CanEnter(sym, date) {
			continue
		}
		isSafeHaven := sym == e.cfg.SafeHaven && alloc.SafeHaven

		// Defensive and core holdings take the full allocation target; the
		// risk sizer only governs satellite entries.
		value := target
		if !isSafeHaven && !e.core[sym] {
			value = e.sizer.Value(e.sizeInput(bk, sym, i, equity, target, p, invVolShares))
			if value > target {
				value = target
			}
		}
		if maxAffordable := bk.cash / (1 + e.cfg.Costs.FeeRate); value > maxAffordable {
			value = maxAffordable
		}
		if value < rebalanceBand*equity {
			continue
		}

		stop := 0.0
		if !isSafeHaven && !e.core[sym] {
			if asset := e.set.Asset(sym); asset != nil && asset.ATR.Defined(i) {
				stop = p - e.cfg.Risk.StopATRMultiple*asset.ATR[i]
			}
		}
		bk.open(sym, value, p, date, stop, isSafeHaven)
		sched.MarkEntry(sym, date)
	}
	return alloc, len(candidates) == 0
}

func (e *Engine) sizeInput(bk *book, sym string, i int, equity, target, p float64, invVolShares map[string]float64) risk.SizeInput {
	in := risk.SizeInput{
		Equity:      equity,
		TargetValue: target,
		Price:       p,
		Stats:       bk.stats,
	}
	if asset := e.set.Asset(sym); asset != nil && asset.ATR.Defined(i) {
		in.ATR = asset.ATR[i]
		in.StopDistance = e.cfg.Risk.StopATRMultiple * asset.ATR[i]
	}
	if invVolShares != nil {
		in.InvVolShare = invVolShares[sym]
	}
	return in
}

// invVolShares computes per-asset inverse-volatility shares of gross
// exposure for the volatility-target sizer. Assets with undefined vol are
// left to the allocation target fallback.
func (e *Engine) invVolShares(i int, alloc *types.TargetAllocation) map[string]float64 {
	if e.cfg.Risk.Sizing != types.SizingVolTarget {
		return nil
	}
	inv := make(map[string]float64, len(alloc.Weights))
	var sum float64
	for sym := range alloc.Weights {
		if asset := e.set.Asset(sym); asset != nil && asset.Volatility.Defined(i) && asset.Volatility[i] > 0 {
			inv[sym] = 1 / asset.Volatility[i]
			sum += inv[sym]
		}
	}
	if sum == 0 {
		return nil
	}
	out := make(map[string]float64, len(inv))
	for sym, v := range inv {
		out[sym] = alloc.Gross * v / sum
	}
	return out
}

// parkInSafeHaven moves all free cash into the safe haven after a portfolio
// breaker trip, unless the configuration prefers cash.
func (e *Engine) parkInSafeHaven(bk *book, price func(string) float64, date time.Time) {
	if e.cfg.CashFallback || bk.cash <= 0 {
		return
	}
	value := bk.cash / (1 + e.cfg.Costs.FeeRate)
	if value <= 0 {
		return
	}
	bk.open(e.cfg.SafeHaven, value, price(e.cfg.SafeHaven), date, 0, true)
}

func openCostBasis(bk *book) float64 {
	var total float64
	for _, pos := range bk.positions {
		total += pos.costBasis
	}
	return total
}

// turnover is the sum of absolute weight changes across the union of
// holdings on consecutive days.
func turnover(prev, curr map[string]float64) float64 {
	var t float64
	seen := make(map[string]bool, len(prev)+len(curr))
	for sym, w := range curr {
		t += math.Abs(w - prev[sym])
		seen[sym] = true
	}
	for sym, w := range prev {
		if !seen[sym] {
			t += math.Abs(w)
		}
	}
	return t
}
