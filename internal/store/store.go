// Package store persists run artifacts to Postgres. Persistence is
// optional: the pipeline runs fully in memory and only writes here when a
// DSN is configured.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

// RunRecord is the top-level row for one backtest run. Nested analysis
// results are stored as JSON blobs; trades and equity points get their own
// tables for querying.
type RunRecord struct {
	ID                string `gorm:"primaryKey;size:64"`
	ConfigJSON        []byte `gorm:"type:jsonb"`
	MetricsJSON       []byte `gorm:"type:jsonb"`
	WalkForwardJSON   []byte `gorm:"type:jsonb"`
	MonteCarloJSON    []byte `gorm:"type:jsonb"`
	Rebalances        int
	ZeroCandidateDays int
	TotalTrades       int
	FinalEquity       float64
	StartedAt         time.Time
	CompletedAt       time.Time
	DurationMS        int64
	CreatedAt         time.Time
}

// TradeRecord is one closed trade belonging to a run.
type TradeRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	RunID       string    `gorm:"size:64;index:idx_trades_run"`
	Symbol      string    `gorm:"size:16;index:idx_trades_symbol"`
	EntryDate   time.Time `gorm:"index"`
	ExitDate    time.Time
	EntryPrice  string `gorm:"type:numeric"`
	ExitPrice   string `gorm:"type:numeric"`
	Quantity    string `gorm:"type:numeric"`
	PnL         string `gorm:"type:numeric"`
	ReturnPct   float64
	Fees        string `gorm:"type:numeric"`
	PyramidAdds int
	HoldingDays int
	ExitReason  string `gorm:"size:32;index:idx_trades_reason"`
}

// EquityRecord is one equity-curve point belonging to a run.
type EquityRecord struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	RunID         string `gorm:"size:64;index:idx_equity_run"`
	Timestamp     time.Time
	Equity        string `gorm:"type:numeric"`
	Cash          string `gorm:"type:numeric"`
	Drawdown      string `gorm:"type:numeric"`
	GrossExposure float64
	Turnover      float64
}

// Store wraps the GORM connection.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(logger *zap.Logger, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store requires a postgres DSN")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &TradeRecord{}, &EquityRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migration failed: %w", err)
	}
	logger.Info("store connected")
	return &Store{logger: logger, db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveResult persists a completed run, its trades, and its equity curve in
// one transaction. Re-saving a run ID replaces the previous artifacts.
func (s *Store) SaveResult(result *types.BacktestResult) error {
	record, err := buildRunRecord(result)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", result.ID).Delete(&TradeRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear trades for run %s: %w", result.ID, err)
		}
		if err := tx.Where("run_id = ?", result.ID).Delete(&EquityRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear equity for run %s: %w", result.ID, err)
		}
		if err := tx.Save(record).Error; err != nil {
			return fmt.Errorf("failed to save run %s: %w", result.ID, err)
		}

		for _, trade := range result.Trades {
			if err := tx.Create(tradeRecord(result.ID, trade)).Error; err != nil {
				return fmt.Errorf("failed to save trade %s: %w", trade.ID, err)
			}
		}
		for _, pt := range result.EquityCurve {
			if err := tx.Create(equityRecord(result.ID, pt)).Error; err != nil {
				return fmt.Errorf("failed to save equity point: %w", err)
			}
		}
		return nil
	})
}

// GetResult loads a persisted run back into a BacktestResult. Trades and
// equity points are restored from their tables; analysis blobs from JSON.
func (s *Store) GetResult(id string) (*types.BacktestResult, error) {
	var record RunRecord
	if err := s.db.First(&record, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}

	result := &types.BacktestResult{
		ID:                record.ID,
		Rebalances:        record.Rebalances,
		ZeroCandidateDays: record.ZeroCandidateDays,
		StartedAt:         record.StartedAt,
		CompletedAt:       record.CompletedAt,
		Duration:          time.Duration(record.DurationMS) * time.Millisecond,
	}
	if len(record.ConfigJSON) > 0 {
		if err := json.Unmarshal(record.ConfigJSON, &result.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config for run %s: %w", id, err)
		}
	}
	if len(record.MetricsJSON) > 0 {
		if err := json.Unmarshal(record.MetricsJSON, &result.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics for run %s: %w", id, err)
		}
	}
	if len(record.WalkForwardJSON) > 0 {
		if err := json.Unmarshal(record.WalkForwardJSON, &result.WalkForwardResult); err != nil {
			return nil, fmt.Errorf("failed to decode walk-forward result for run %s: %w", id, err)
		}
	}
	if len(record.MonteCarloJSON) > 0 {
		if err := json.Unmarshal(record.MonteCarloJSON, &result.MonteCarloResult); err != nil {
			return nil, fmt.Errorf("failed to decode monte carlo result for run %s: %w", id, err)
		}
	}

	trades, err := s.GetTrades(id, "", 0)
	if err != nil {
		return nil, err
	}
	result.Trades = trades

	var points []EquityRecord
	if err := s.db.Where("run_id = ?", id).Order("timestamp ASC").Find(&points).Error; err != nil {
		return nil, err
	}
	result.EquityCurve = make([]types.EquityPoint, 0, len(points))
	for _, pt := range points {
		result.EquityCurve = append(result.EquityCurve, equityPoint(pt))
	}
	return result, nil
}

// GetTrades returns trades for a run, optionally filtered by exit reason.
func (s *Store) GetTrades(runID string, reason string, limit int) ([]types.Trade, error) {
	query := s.db.Where("run_id = ?", runID).Order("exit_date ASC")
	if reason != "" {
		query = query.Where("exit_reason = ?", reason)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []TradeRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	trades := make([]types.Trade, 0, len(records))
	for _, record := range records {
		trades = append(trades, trade(record))
	}
	return trades, nil
}

// ListRuns returns recent run summaries, newest first.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	query := s.db.Order("completed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []RunRecord
	err := query.Find(&records).Error
	return records, err
}

// DeleteRun removes a run and its artifacts.
func (s *Store) DeleteRun(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).Delete(&TradeRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", id).Delete(&EquityRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&RunRecord{}, "id = ?", id).Error
	})
}

func buildRunRecord(result *types.BacktestResult) (*RunRecord, error) {
	record := &RunRecord{
		ID:                result.ID,
		Rebalances:        result.Rebalances,
		ZeroCandidateDays: result.ZeroCandidateDays,
		TotalTrades:       len(result.Trades),
		StartedAt:         result.StartedAt,
		CompletedAt:       result.CompletedAt,
		DurationMS:        result.Duration.Milliseconds(),
	}
	if n := len(result.EquityCurve); n > 0 {
		record.FinalEquity, _ = result.EquityCurve[n-1].Equity.Float64()
	}

	var err error
	if result.Config != nil {
		if record.ConfigJSON, err = json.Marshal(result.Config); err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
	}
	if result.Metrics != nil {
		if record.MetricsJSON, err = json.Marshal(result.Metrics); err != nil {
			return nil, fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	if result.WalkForwardResult != nil {
		if record.WalkForwardJSON, err = json.Marshal(result.WalkForwardResult); err != nil {
			return nil, fmt.Errorf("failed to encode walk-forward result: %w", err)
		}
	}
	if result.MonteCarloResult != nil {
		if record.MonteCarloJSON, err = json.Marshal(result.MonteCarloResult); err != nil {
			return nil, fmt.Errorf("failed to encode monte carlo result: %w", err)
		}
	}
	return record, nil
}

func tradeRecord(runID string, t types.Trade) *TradeRecord {
	return &TradeRecord{
		ID:          t.ID,
		RunID:       runID,
		Symbol:      t.Symbol,
		EntryDate:   t.EntryDate,
		ExitDate:    t.ExitDate,
		EntryPrice:  t.EntryPrice.String(),
		ExitPrice:   t.ExitPrice.String(),
		Quantity:    t.Quantity.String(),
		PnL:         t.PnL.String(),
		ReturnPct:   t.ReturnPct,
		Fees:        t.Fees.String(),
		PyramidAdds: t.PyramidAdds,
		HoldingDays: t.HoldingDays,
		ExitReason:  string(t.ExitReason),
	}
}

func trade(r TradeRecord) types.Trade {
	return types.Trade{
		ID:          r.ID,
		Symbol:      r.Symbol,
		EntryDate:   r.EntryDate,
		ExitDate:    r.ExitDate,
		EntryPrice:  mustDecimal(r.EntryPrice),
		ExitPrice:   mustDecimal(r.ExitPrice),
		Quantity:    mustDecimal(r.Quantity),
		PnL:         mustDecimal(r.PnL),
		ReturnPct:   r.ReturnPct,
		Fees:        mustDecimal(r.Fees),
		PyramidAdds: r.PyramidAdds,
		HoldingDays: r.HoldingDays,
		ExitReason:  types.ExitReason(r.ExitReason),
	}
}

func equityRecord(runID string, pt types.EquityPoint) *EquityRecord {
	return &EquityRecord{
		RunID:         runID,
		Timestamp:     pt.Timestamp,
		Equity:        pt.Equity.String(),
		Cash:          pt.Cash.String(),
		Drawdown:      pt.Drawdown.String(),
		GrossExposure: pt.GrossExposure,
		Turnover:      pt.Turnover,
	}
}

// mustDecimal parses a numeric column written by this package. Values come
// from decimal.String, so parse failures mean a corrupted row; fall back to
// zero rather than fail the whole load.
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func equityPoint(r EquityRecord) types.EquityPoint {
	return types.EquityPoint{
		Timestamp:     r.Timestamp,
		Equity:        mustDecimal(r.Equity),
		Cash:          mustDecimal(r.Cash),
		Drawdown:      mustDecimal(r.Drawdown),
		GrossExposure: r.GrossExposure,
		Turnover:      r.Turnover,
	}
}
