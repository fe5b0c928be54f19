// Package config loads and validates backtest configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

var validate = validator.New()

// Load reads a YAML configuration file, applies defaults, and validates it.
// Configuration errors fail here, before any simulation work starts.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRENDBT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &types.Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a fully defaulted configuration for the given universe,
// useful for tests and programmatic runs.
func Default(universe []string, benchmark, safeHaven string) *types.Config {
	cfg := &types.Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(err) // defaults on our own struct cannot fail
	}
	cfg.ID = uuid.New().String()
	cfg.Universe = universe
	cfg.Benchmark = benchmark
	cfg.SafeHaven = safeHaven
	return cfg
}

// Validate runs declarative and cross-field validation on a config.
func Validate(cfg *types.Config) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, sym := range cfg.Universe {
		if sym == cfg.Benchmark {
			return fmt.Errorf("benchmark %q must not be part of the tradable universe", sym)
		}
	}

	if cfg.Regime.VolPercentileMin >= cfg.Regime.VolPercentileMax {
		return fmt.Errorf("regime vol percentile band is empty: min %.2f >= max %.2f",
			cfg.Regime.VolPercentileMin, cfg.Regime.VolPercentileMax)
	}

	if cfg.Allocation.CoreFraction > 0 && len(cfg.Allocation.CoreAssets) == 0 {
		return fmt.Errorf("core_fraction %.2f set but no core_assets configured", cfg.Allocation.CoreFraction)
	}
	for sym, w := range cfg.Allocation.CoreAssets {
		if w <= 0 {
			return fmt.Errorf("core asset %s has non-positive weight %.4f", sym, w)
		}
	}

	for regime, cap := range cfg.Allocation.LeverageCaps {
		switch regime {
		case "bull", "neutral", "bear":
		default:
			return fmt.Errorf("leverage cap references unknown regime %q", regime)
		}
		if cap < 0 {
			return fmt.Errorf("leverage cap for %s is negative", regime)
		}
	}

	if cfg.Indicators.ShortMAPeriod >= cfg.Indicators.TrendMAPeriod {
		return fmt.Errorf("short MA period %d must be below trend MA period %d",
			cfg.Indicators.ShortMAPeriod, cfg.Indicators.TrendMAPeriod)
	}

	return nil
}
