package simulator

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/halcyon-quant/trendbt/internal/risk"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

// position is one open holding. Owned exclusively by the simulation loop;
// converted to a types.Trade on exit.
type position struct {
	symbol     string
	entryDate  time.Time
	units      float64
	costBasis  float64 // total cash paid for current units, ex fees
	avgEntry   float64 // costBasis / units

	initialUnits float64
	initialValue float64

	highestClose float64
	stop         float64
	pyramidAdds  int
	lastAddRef   float64

	fees        float64 // accumulated fees attributed to this position
	realizedPnL float64 // realized on partial reductions
	safeHaven   bool
}

// book tracks cash and open positions with proportional fees and slippage
// on every fill. Trade records use decimal so the ledger is exact.
type book struct {
	cash      float64
	feeRate   float64
	slipRate  float64
	positions map[string]*position
	trades    []types.Trade
	stats     *risk.TradeStats
	totalFees float64
	closedPnL float64
}

func newBook(initialCapital float64, costs types.CostConfig) *book {
	return &book{
		cash:      initialCapital,
		feeRate:   costs.FeeRate,
		slipRate:  costs.SlippageRate,
		positions: make(map[string]*position),
		stats:     &risk.TradeStats{},
	}
}

// symbols returns open position symbols in sorted order, so iteration over
// the book is deterministic.
func (b *book) symbols() []string {
	out := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// equity is cash plus positions marked at the given prices.
func (b *book) equity(price func(string) float64) float64 {
	eq := b.cash
	for _, sym := range b.symbols() {
		eq += b.positions[sym].units * price(sym)
	}
	return eq
}

// positionValue marks one position, zero if absent.
func (b *book) positionValue(sym string, price float64) float64 {
	pos, ok := b.positions[sym]
	if !ok {
		return 0
	}
	return pos.units * price
}

// defensiveOnly reports whether current holdings are cash only or safe-haven
// only. A safe-haven holding is still a position, checked explicitly.
func (b *book) defensiveOnly() bool {
	for _, pos := range b.positions {
		if !pos.safeHaven {
			return false
		}
	}
	return true
}

// open buys a new position worth value at the quoted price, paying slippage
// and fees from cash.
func (b *book) open(sym string, value, price float64, date time.Time, stop float64, safeHaven bool) *position {
	execPrice := price * (1 + b.slipRate)
	units := value / execPrice
	fee := value * b.feeRate

	b.cash -= value + fee
	b.totalFees += fee

	pos := &position{
		symbol:       sym,
		entryDate:    date,
		units:        units,
		costBasis:    value,
		avgEntry:     execPrice,
		initialUnits: units,
		initialValue: value,
		highestClose: price,
		stop:         stop,
		lastAddRef:   execPrice,
		fees:         fee,
		safeHaven:    safeHaven,
	}
	b.positions[sym] = pos
	return pos
}

// addTo increases an existing position (pyramid add or rebalance top-up).
func (b *book) addTo(pos *position, value, price float64) {
	execPrice := price * (1 + b.slipRate)
	units := value / execPrice
	fee := value * b.feeRate

	b.cash -= value + fee
	b.totalFees += fee

	pos.units += units
	pos.costBasis += value
	pos.avgEntry = pos.costBasis / pos.units
	pos.fees += fee
	pos.lastAddRef = execPrice
}

// reduce sells part of a position, realizing P&L proportionally. The
// remaining position keeps its entry metadata.
func (b *book) reduce(pos *position, sellUnits, price float64) {
	if sellUnits >= pos.units {
		return
	}
	execPrice := price * (1 - b.slipRate)
	proceeds := sellUnits * execPrice
	fee := proceeds * b.feeRate

	basis := pos.costBasis * sellUnits / pos.units
	pos.realizedPnL += proceeds - basis
	pos.costBasis -= basis
	pos.units -= sellUnits
	pos.fees += fee

	b.cash += proceeds - fee
	b.totalFees += fee
}

// close exits a position entirely, appending an immutable Trade to the
// ledger and feeding the running trade statistics.
func (b *book) close(sym string, price float64, date time.Time, reason types.ExitReason) {
	pos, ok := b.positions[sym]
	if !ok {
		return
	}
	execPrice := price * (1 - b.slipRate)
	proceeds := pos.units * execPrice
	fee := proceeds * b.feeRate

	b.cash += proceeds - fee
	b.totalFees += fee

	pnl := proceeds - pos.costBasis + pos.realizedPnL - pos.fees - fee
	retPct := 0.0
	if pos.initialValue > 0 {
		retPct = pnl / pos.initialValue
	}

	trade := types.Trade{
		ID:          uuid.New().String(),
		Symbol:      sym,
		EntryDate:   pos.entryDate,
		ExitDate:    date,
		EntryPrice:  decimal.NewFromFloat(pos.avgEntry),
		ExitPrice:   decimal.NewFromFloat(execPrice),
		Quantity:    decimal.NewFromFloat(pos.units),
		PnL:         decimal.NewFromFloat(pnl),
		ReturnPct:   retPct,
		Fees:        decimal.NewFromFloat(pos.fees + fee),
		PyramidAdds: pos.pyramidAdds,
		HoldingDays: int(date.Sub(pos.entryDate).Hours() / 24),
		ExitReason:  reason,
	}
	b.trades = append(b.trades, trade)
	b.stats.Record(pnl)
	b.closedPnL += pnl
	delete(b.positions, sym)
}

// closeAll exits every position matching the filter.
func (b *book) closeAll(price func(string) float64, date time.Time, reason types.ExitReason, match func(*position) bool) {
	for _, sym := range b.symbols() {
		if match(b.positions[sym]) {
			b.close(sym, price(sym), date, reason)
		}
	}
}
