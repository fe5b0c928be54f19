// Package types provides configuration types for the backtesting engine.
package types

import "time"

// QualifierType selects the ranking score formula.
type QualifierType string

const (
	QualifierMomentum     QualifierType = "momentum"
	QualifierBreakout     QualifierType = "breakout_strength"
	QualifierTrendQuality QualifierType = "trend_quality"
	QualifierRiskAdjusted QualifierType = "risk_adjusted"
)

// RebalanceFrequency selects the calendar rebalancing cadence.
type RebalanceFrequency string

const (
	RebalanceWeekly    RebalanceFrequency = "weekly"
	RebalanceMonthly   RebalanceFrequency = "monthly"
	RebalanceQuarterly RebalanceFrequency = "quarterly"
	RebalanceAnnual    RebalanceFrequency = "annual"
	RebalanceNone      RebalanceFrequency = "none"
)

// SizingMethod selects the position sizing strategy.
type SizingMethod string

const (
	SizingFixedFractional SizingMethod = "fixed_fractional"
	SizingKelly           SizingMethod = "kelly"
	SizingVolTarget       SizingMethod = "volatility_target"
)

// WeightingMode selects how selected assets are weighted.
type WeightingMode string

const (
	WeightByScore WeightingMode = "score"
	WeightEqual   WeightingMode = "equal"
)

// Config is the full configuration for one backtest run.
type Config struct {
	ID             string   `mapstructure:"id" json:"id"`
	Universe       []string `mapstructure:"universe" json:"universe" validate:"min=1"`
	Benchmark      string   `mapstructure:"benchmark" json:"benchmark" validate:"required"`
	SafeHaven      string   `mapstructure:"safe_haven" json:"safeHaven" validate:"required"`
	InitialCapital float64  `mapstructure:"initial_capital" json:"initialCapital" default:"100000" validate:"gt=0"`
	CashFallback   bool     `mapstructure:"cash_fallback" json:"cashFallback"`

	Indicators IndicatorConfig  `mapstructure:"indicators" json:"indicators"`
	Regime     RegimeConfig     `mapstructure:"regime" json:"regime"`
	Ranking    RankingConfig    `mapstructure:"ranking" json:"ranking"`
	Allocation AllocationConfig `mapstructure:"allocation" json:"allocation"`
	Risk       RiskConfig       `mapstructure:"risk" json:"risk"`
	Rebalance  RebalanceConfig  `mapstructure:"rebalance" json:"rebalance"`
	Costs      CostConfig       `mapstructure:"costs" json:"costs"`
	Validation ValidationConfig `mapstructure:"validation" json:"validation"`
	Store      StoreConfig      `mapstructure:"store" json:"store"`
	Server     ServerConfig     `mapstructure:"server" json:"server"`
}

// IndicatorConfig holds lookback windows for the indicator calculator.
type IndicatorConfig struct {
	MomentumLookback    int `mapstructure:"momentum_lookback" json:"momentumLookback" default:"126" validate:"gt=1"`
	TrendMAPeriod       int `mapstructure:"trend_ma_period" json:"trendMaPeriod" default:"200" validate:"gt=1"`
	ShortMAPeriod       int `mapstructure:"short_ma_period" json:"shortMaPeriod" default:"50" validate:"gt=1"`
	SlopeLookback       int `mapstructure:"slope_lookback" json:"slopeLookback" default:"20" validate:"gt=0"`
	ATRPeriod           int `mapstructure:"atr_period" json:"atrPeriod" default:"14" validate:"gt=1"`
	TrendStrengthPeriod int `mapstructure:"trend_strength_period" json:"trendStrengthPeriod" default:"14" validate:"gt=1"`
	VolWindow           int `mapstructure:"vol_window" json:"volWindow" default:"20" validate:"gt=2"`
	VolPercentileWindow int `mapstructure:"vol_percentile_window" json:"volPercentileWindow" default:"252" validate:"gt=10"`
	DrawdownLookback    int `mapstructure:"drawdown_lookback" json:"drawdownLookback" default:"63" validate:"gt=1"`
}

// MaxLookback returns the longest window any indicator needs, which is the
// minimum warm-up history before signals become defined.
func (c IndicatorConfig) MaxLookback() int {
	max := c.MomentumLookback
	for _, v := range []int{
		c.TrendMAPeriod, c.ShortMAPeriod + c.SlopeLookback,
		c.VolWindow + c.VolPercentileWindow, c.DrawdownLookback,
		c.ATRPeriod, c.TrendStrengthPeriod * 2,
	} {
		if v > max {
			max = v
		}
	}
	return max + 1 // one extra bar for the look-ahead shift
}

// RegimeConfig tunes the benchmark regime classifier.
type RegimeConfig struct {
	// Volatility percentile band within which BULL is allowed.
	VolPercentileMin float64 `mapstructure:"vol_percentile_min" json:"volPercentileMin" default:"0.0" validate:"gte=0,lte=1"`
	VolPercentileMax float64 `mapstructure:"vol_percentile_max" json:"volPercentileMax" default:"0.9" validate:"gte=0,lte=1"`
	// Bars a new state must persist before a transition is confirmed.
	ConfirmBars int `mapstructure:"confirm_bars" json:"confirmBars" default:"1" validate:"gte=1"`
}

// RankingConfig tunes candidate filtering and scoring.
type RankingConfig struct {
	Qualifier        QualifierType `mapstructure:"qualifier" json:"qualifier" default:"momentum" validate:"oneof=momentum breakout_strength trend_quality risk_adjusted"`
	HoldingsBull     int           `mapstructure:"holdings_bull" json:"holdingsBull" default:"8" validate:"gte=0"`
	HoldingsNeutral  int           `mapstructure:"holdings_neutral" json:"holdingsNeutral" default:"4" validate:"gte=0"`
	HoldingsBear     int           `mapstructure:"holdings_bear" json:"holdingsBear" default:"0" validate:"gte=0"`
	BreakoutATRMult  float64       `mapstructure:"breakout_atr_mult" json:"breakoutAtrMult" default:"2.0" validate:"gt=0"`
	TrendRefConstant float64       `mapstructure:"trend_ref_constant" json:"trendRefConstant" default:"25.0" validate:"gt=0"`
}

// AllocationConfig tunes weight construction.
type AllocationConfig struct {
	Weighting        WeightingMode      `mapstructure:"weighting" json:"weighting" default:"score" validate:"oneof=score equal"`
	MaxAssetWeight   float64            `mapstructure:"max_asset_weight" json:"maxAssetWeight" default:"0.25" validate:"gt=0,lte=1"`
	GrossExposure    float64            `mapstructure:"gross_exposure" json:"grossExposure" default:"1.0" validate:"gt=0"`
	LeverageCaps     map[string]float64 `mapstructure:"leverage_caps" json:"leverageCaps"`
	TargetVolatility float64            `mapstructure:"target_volatility" json:"targetVolatility" default:"0" validate:"gte=0"`
	VolLookback      int                `mapstructure:"vol_lookback" json:"volLookback" default:"20" validate:"gt=2"`
	MaxLeverage      float64            `mapstructure:"max_leverage" json:"maxLeverage" default:"1.5" validate:"gte=1"`
	CoreFraction     float64            `mapstructure:"core_fraction" json:"coreFraction" default:"0" validate:"gte=0,lt=1"`
	CoreAssets       map[string]float64 `mapstructure:"core_assets" json:"coreAssets"`
}

// RiskConfig tunes the risk overlay.
type RiskConfig struct {
	Sizing              SizingMethod `mapstructure:"sizing" json:"sizing" default:"fixed_fractional" validate:"oneof=fixed_fractional kelly volatility_target"`
	RiskPerTrade        float64      `mapstructure:"risk_per_trade" json:"riskPerTrade" default:"0.01" validate:"gt=0,lte=0.1"`
	KellyFraction       float64      `mapstructure:"kelly_fraction" json:"kellyFraction" default:"0.25" validate:"gt=0,lte=1"`
	StopATRMultiple     float64      `mapstructure:"stop_atr_multiple" json:"stopAtrMultiple" default:"3.0" validate:"gt=0"`
	BreakdownLookback   int          `mapstructure:"breakdown_lookback" json:"breakdownLookback" default:"20" validate:"gt=1"`
	MaxPyramidAdds      int          `mapstructure:"max_pyramid_adds" json:"maxPyramidAdds" default:"0" validate:"gte=0,lte=5"`
	PyramidATRStep      float64      `mapstructure:"pyramid_atr_step" json:"pyramidAtrStep" default:"1.0" validate:"gt=0"`
	MaxPositionMultiple float64      `mapstructure:"max_position_multiple" json:"maxPositionMultiple" default:"2.0" validate:"gte=1"`
	DailyLossLimit      float64      `mapstructure:"daily_loss_limit" json:"dailyLossLimit" default:"0.05" validate:"gt=0,lte=0.5"`
	PortfolioStopLoss   float64      `mapstructure:"portfolio_stop_loss" json:"portfolioStopLoss" default:"0.20" validate:"gt=0,lte=0.9"`
	ReentryCooldownDays int          `mapstructure:"reentry_cooldown_days" json:"reentryCooldownDays" default:"10" validate:"gte=0"`
	ReentryRecoveryPct  float64      `mapstructure:"reentry_recovery_pct" json:"reentryRecoveryPct" default:"0.05" validate:"gte=0"`
}

// RebalanceConfig tunes the rebalance scheduler.
type RebalanceConfig struct {
	Frequency          RebalanceFrequency `mapstructure:"frequency" json:"frequency" default:"monthly" validate:"oneof=weekly monthly quarterly annual none"`
	RebalanceOnRecovery bool              `mapstructure:"rebalance_on_recovery" json:"rebalanceOnRecovery" default:"true"`
}

// CostConfig holds transaction cost assumptions.
type CostConfig struct {
	FeeRate      float64 `mapstructure:"fee_rate" json:"feeRate" default:"0.001" validate:"gte=0,lt=0.1"`
	SlippageRate float64 `mapstructure:"slippage_rate" json:"slippageRate" default:"0.0005" validate:"gte=0,lt=0.1"`
}

// ValidationConfig controls walk-forward and Monte Carlo analyses.
type ValidationConfig struct {
	Workers     int               `mapstructure:"workers" json:"workers" default:"0"` // 0 = NumCPU
	WalkForward WalkForwardConfig `mapstructure:"walk_forward" json:"walkForward"`
	MonteCarlo  MonteCarloConfig  `mapstructure:"monte_carlo" json:"monteCarlo"`
}

// WalkForwardConfig controls rolling train/test analysis.
type WalkForwardConfig struct {
	Enabled        bool    `mapstructure:"enabled" json:"enabled"`
	Folds          int     `mapstructure:"folds" json:"folds" default:"6" validate:"omitempty,gte=1"`
	TrainTestRatio float64 `mapstructure:"train_test_ratio" json:"trainTestRatio" default:"3.0" validate:"omitempty,gt=0"`
}

// MonteCarloConfig controls trade-sequence resampling.
type MonteCarloConfig struct {
	Enabled bool  `mapstructure:"enabled" json:"enabled"`
	Draws   int   `mapstructure:"draws" json:"draws" default:"1000" validate:"omitempty,gte=1"`
	Seed    int64 `mapstructure:"seed" json:"seed" default:"42"`
}

// StoreConfig enables optional Postgres persistence of run artifacts.
type StoreConfig struct {
	DSN string `mapstructure:"dsn" json:"dsn"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Host         string        `mapstructure:"host" json:"host" default:"localhost"`
	Port         int           `mapstructure:"port" json:"port" default:"8080" validate:"omitempty,gt=0,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"readTimeout" default:"30s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"writeTimeout" default:"30s"`
}

// HoldingsFor returns the configured holdings count for a regime label.
func (c RankingConfig) HoldingsFor(regime string) int {
	switch regime {
	case "bull":
		return c.HoldingsBull
	case "neutral":
		return c.HoldingsNeutral
	case "bear":
		return c.HoldingsBear
	default:
		return 0
	}
}

// LeverageCapFor returns the gross-exposure multiplier for a regime label,
// defaulting to 1.0 when no cap is configured.
func (c AllocationConfig) LeverageCapFor(regime string) float64 {
	if c.LeverageCaps == nil {
		return 1.0
	}
	if cap, ok := c.LeverageCaps[regime]; ok {
		return cap
	}
	return 1.0
}
