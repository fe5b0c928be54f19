// Package risk implements position sizing, stop management, pyramiding, and
// circuit breakers.
package risk

import (
	"fmt"
	"math"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

// TradeStats accumulates closed-trade outcomes, feeding the Kelly sizer with
// running win-rate and payoff estimates.
type TradeStats struct {
	wins    int
	losses  int
	winSum  float64
	lossSum float64
}

// Record adds one closed trade's P&L. Zero-P&L trades are ignored.
func (s *TradeStats) Record(pnl float64) {
	if pnl > 0 {
		s.wins++
		s.winSum += pnl
	} else if pnl < 0 {
		s.losses++
		s.lossSum += -pnl
	}
}

// Count returns the number of recorded trades.
func (s *TradeStats) Count() int { return s.wins + s.losses }

// WinRate returns the fraction of winning trades.
func (s *TradeStats) WinRate() float64 {
	if s.Count() == 0 {
		return 0
	}
	return float64(s.wins) / float64(s.Count())
}

// PayoffRatio returns average win over average loss, and whether it is
// defined.
func (s *TradeStats) PayoffRatio() (float64, bool) {
	if s.wins == 0 || s.losses == 0 || s.lossSum == 0 {
		return 0, false
	}
	avgWin := s.winSum / float64(s.wins)
	avgLoss := s.lossSum / float64(s.losses)
	return avgWin / avgLoss, true
}

// SizeInput carries everything a sizer may consult for one entry decision.
type SizeInput struct {
	Equity       float64 // current portfolio equity
	TargetValue  float64 // value implied by the allocation weight
	Price        float64 // execution price
	ATR          float64 // current ATR of the asset
	StopDistance float64 // entry-to-stop distance in price terms
	InvVolShare  float64 // inverse-volatility share of gross, for vol targeting
	Stats        *TradeStats
}

// Sizer computes the position value for a new entry. A sizer only ever caps
// the allocation's target, never inflates it beyond its own model.
type Sizer interface {
	Name() string
	Value(in SizeInput) float64
}

// NewSizer creates the sizer selected by cfg.Sizing, failing fast on an
// unknown method.
func NewSizer(cfg types.RiskConfig) (Sizer, error) {
	switch cfg.Sizing {
	case types.SizingFixedFractional:
		return &fixedFractionalSizer{riskPerTrade: cfg.RiskPerTrade}, nil
	case types.SizingKelly:
		return &kellySizer{fraction: cfg.KellyFraction}, nil
	case types.SizingVolTarget:
		return &volTargetSizer{}, nil
	default:
		return nil, fmt.Errorf("unknown sizing method %q", cfg.Sizing)
	}
}

// fixedFractionalSizer risks a fixed fraction of equity per trade: the
// position is sized so that a move to the stop loses equity*riskPerTrade.
type fixedFractionalSizer struct {
	riskPerTrade float64
}

func (s *fixedFractionalSizer) Name() string { return string(types.SizingFixedFractional) }

func (s *fixedFractionalSizer) Value(in SizeInput) float64 {
	if in.StopDistance <= 0 || in.Price <= 0 {
		return in.TargetValue
	}
	units := in.Equity * s.riskPerTrade / in.StopDistance
	return math.Min(in.TargetValue, units*in.Price)
}

// kellySizer bets a fractional-Kelly share of equity from running trade
// statistics. Without enough history it defers to the allocation target.
type kellySizer struct {
	fraction float64
}

const kellyMinTrades = 10

func (s *kellySizer) Name() string { return string(types.SizingKelly) }

func (s *kellySizer) Value(in SizeInput) float64 {
	if in.Stats == nil || in.Stats.Count() < kellyMinTrades {
		return in.TargetValue
	}
	payoff, ok := in.Stats.PayoffRatio()
	if !ok {
		return in.TargetValue
	}

	winRate := in.Stats.WinRate()
	edge := (winRate*payoff - (1 - winRate)) / payoff
	f := s.fraction * edge
	if f <= 0 {
		return 0
	}
	if f > 1 {
		f = 1
	}
	return math.Min(in.TargetValue, f*in.Equity)
}

// volTargetSizer equalizes each position's volatility contribution by
// sizing on the inverse-volatility share computed across the entry set.
type volTargetSizer struct{}

func (s *volTargetSizer) Name() string { return string(types.SizingVolTarget) }

func (s *volTargetSizer) Value(in SizeInput) float64 {
	if in.InvVolShare <= 0 || math.IsNaN(in.InvVolShare) {
		return in.TargetValue
	}
	return in.Equity * in.InvVolShare
}
