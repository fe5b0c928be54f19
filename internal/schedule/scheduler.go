// Package schedule decides when the allocation engine recomputes targets.
package schedule

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

// State is the scheduler's machine state.
type State string

const (
	Waiting     State = "waiting"
	Rebalancing State = "rebalancing"
)

// Trigger labels why a rebalance fired.
const (
	TriggerCalendar = "calendar"
	TriggerRecovery = "recovery"
)

// Scheduler fires on fixed calendar boundaries and on regime-recovery
// events, and tracks per-asset entry dates so an asset is never entered
// twice in one trading day.
type Scheduler struct {
	logger *zap.Logger
	cfg    types.RebalanceConfig

	state      State
	lastPeriod string
	lastEntry  map[string]time.Time
}

// NewScheduler creates a scheduler in the WAITING state.
func NewScheduler(logger *zap.Logger, cfg types.RebalanceConfig) *Scheduler {
	return &Scheduler{
		logger:    logger,
		cfg:       cfg,
		state:     Waiting,
		lastEntry: make(map[string]time.Time),
	}
}

// State returns the current machine state.
func (s *Scheduler) State() State { return s.state }

// Check evaluates the triggers for one trading day. On a trigger it
// transitions WAITING -> REBALANCING and returns the trigger label; the
// caller must call Complete once targets are applied. A recovery event
// outrules the calendar: waiting for the next scheduled date would forfeit
// the early-recovery opportunity.
func (s *Scheduler) Check(date time.Time, recovery bool) (string, bool) {
	if s.state == Rebalancing {
		return "", false
	}

	if recovery && s.cfg.RebalanceOnRecovery {
		s.state = Rebalancing
		s.logger.Debug("recovery rebalance triggered", zap.Time("date", date))
		return TriggerRecovery, true
	}

	period := periodKey(s.cfg.Frequency, date)
	if period == "" {
		return "", false
	}
	if period != s.lastPeriod {
		s.state = Rebalancing
		return TriggerCalendar, true
	}
	return "", false
}

// Complete finishes a rebalance, recording the period so the calendar
// trigger does not fire again until the next boundary.
func (s *Scheduler) Complete(date time.Time) {
	s.state = Waiting
	if period := periodKey(s.cfg.Frequency, date); period != "" {
		s.lastPeriod = period
	}
}

// CanEnter reports whether a new entry in symbol is allowed on date. At
// most one entry per asset per trading day, however many signal checks run
// within that day.
func (s *Scheduler) CanEnter(symbol string, date time.Time) bool {
	last, ok := s.lastEntry[symbol]
	if !ok {
		return true
	}
	return !sameDay(last, date)
}

// MarkEntry records that an entry in symbol was acted on at date.
func (s *Scheduler) MarkEntry(symbol string, date time.Time) {
	s.lastEntry[symbol] = date
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// periodKey buckets a date by the configured frequency. Dates in the same
// bucket share a key; a key change marks the first trading day of a new
// period. The none frequency never produces a key.
func periodKey(freq types.RebalanceFrequency, date time.Time) string {
	switch freq {
	case types.RebalanceWeekly:
		year, week := date.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case types.RebalanceMonthly:
		return date.Format("2006-01")
	case types.RebalanceQuarterly:
		return fmt.Sprintf("%04d-Q%d", date.Year(), (int(date.Month())-1)/3+1)
	case types.RebalanceAnnual:
		return date.Format("2006")
	default:
		return ""
	}
}
