package risk

import (
	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

// BreakerState is the portfolio circuit breaker's re-entry machine state.
type BreakerState string

const (
	BreakerNormal   BreakerState = "normal"
	BreakerHalted   BreakerState = "halted"
	BreakerCooldown BreakerState = "cooldown"
)

// PortfolioBreaker flattens the book when equity falls a configured fraction
// below its running peak, then gates re-entry behind BOTH a minimum elapsed
// cooldown and a minimum recovery from the post-trigger trough. The two
// gates together prevent whipsaw re-entry into a still-falling market.
type PortfolioBreaker struct {
	logger *zap.Logger
	cfg    types.RiskConfig

	state      BreakerState
	peak       float64
	trough     float64
	haltedDays int
}

// NewPortfolioBreaker creates a breaker in the NORMAL state.
func NewPortfolioBreaker(logger *zap.Logger, cfg types.RiskConfig, initialEquity float64) *PortfolioBreaker {
	return &PortfolioBreaker{
		logger: logger,
		cfg:    cfg,
		state:  BreakerNormal,
		peak:   initialEquity,
	}
}

// State returns the current machine state.
func (b *PortfolioBreaker) State() BreakerState { return b.state }

// CanEnter reports whether new entries are permitted.
func (b *PortfolioBreaker) CanEnter() bool { return b.state == BreakerNormal }

// Step advances the machine with today's equity. It returns true exactly on
// the day the breaker trips, signalling the caller to flatten into the safe
// haven.
func (b *PortfolioBreaker) Step(equity float64) bool {
	switch b.state {
	case BreakerNormal:
		if equity > b.peak {
			b.peak = equity
		}
		if equity < b.peak*(1-b.cfg.PortfolioStopLoss) {
			b.state = BreakerHalted
			b.trough = equity
			b.haltedDays = 0
			b.logger.Warn("portfolio circuit breaker tripped",
				zap.Float64("equity", equity),
				zap.Float64("peak", b.peak),
			)
			return true
		}

	case BreakerHalted:
		if equity < b.trough {
			b.trough = equity
		}
		b.haltedDays++
		if b.haltedDays >= b.cfg.ReentryCooldownDays {
			b.state = BreakerCooldown
		}
		// Fall through in the same step if recovery already holds.
		if b.state == BreakerCooldown && b.recovered(equity) {
			b.reenter(equity)
		}

	case BreakerCooldown:
		if equity < b.trough {
			b.trough = equity
		}
		if b.recovered(equity) {
			b.reenter(equity)
		}
	}
	return false
}

func (b *PortfolioBreaker) recovered(equity float64) bool {
	return equity >= b.trough*(1+b.cfg.ReentryRecoveryPct)
}

func (b *PortfolioBreaker) reenter(equity float64) {
	b.state = BreakerNormal
	b.peak = equity
	b.logger.Info("portfolio circuit breaker re-entry",
		zap.Float64("equity", equity),
		zap.Float64("trough", b.trough),
	)
}

// DailyLossBreaker flattens and suspends entries for the remainder of the
// day when intraday P&L breaches the loss limit. It re-arms the next day.
type DailyLossBreaker struct {
	logger *zap.Logger
	limit  float64

	dayStart  float64
	suspended bool
}

// NewDailyLossBreaker creates a daily loss breaker.
func NewDailyLossBreaker(logger *zap.Logger, limit float64) *DailyLossBreaker {
	return &DailyLossBreaker{logger: logger, limit: limit}
}

// NewDay re-arms the breaker with the day's starting equity.
func (b *DailyLossBreaker) NewDay(equity float64) {
	b.dayStart = equity
	b.suspended = false
}

// Check evaluates today's P&L and returns true exactly when the breaker
// trips. Once tripped it stays suspended until NewDay.
func (b *DailyLossBreaker) Check(equity float64) bool {
	if b.suspended || b.limit <= 0 || b.dayStart <= 0 {
		return false
	}
	if (equity-b.dayStart)/b.dayStart <= -b.limit {
		b.suspended = true
		b.logger.Warn("daily loss limit breached",
			zap.Float64("day_start", b.dayStart),
			zap.Float64("equity", equity),
		)
		return true
	}
	return false
}

// Suspended reports whether new entries are blocked for the rest of the day.
func (b *DailyLossBreaker) Suspended() bool { return b.suspended }
