// Package data loads and aligns daily OHLCV history for a backtest universe.
package data

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/pkg/types"
)

const dateLayout = "2006-01-02"

// Loader reads per-symbol CSV files from a directory. Files are named
// SYMBOL.csv with a date,open,high,low,close,volume header row.
type Loader struct {
	logger *zap.Logger
	dir    string
}

// NewLoader creates a CSV loader rooted at dir.
func NewLoader(logger *zap.Logger, dir string) *Loader {
	return &Loader{logger: logger, dir: dir}
}

// LoadPanel reads history for every symbol, aligns all series to the dates
// common to the whole set, and returns an immutable panel. Symbols should
// include the benchmark and safe haven alongside the tradable universe.
func (l *Loader) LoadPanel(symbols []string) (*types.PricePanel, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to load")
	}

	raw := make(map[string][]types.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := l.loadSymbol(sym)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", sym, err)
		}
		raw[sym] = bars
	}

	aligned, dropped := Align(raw)
	if dropped > 0 {
		l.logger.Warn("dropped bars during panel alignment",
			zap.Int("dropped", dropped),
			zap.Int("symbols", len(symbols)),
		)
	}

	panel, err := types.NewPricePanel(aligned)
	if err != nil {
		return nil, fmt.Errorf("failed to build price panel: %w", err)
	}

	l.logger.Info("price panel loaded",
		zap.Int("symbols", len(panel.Symbols())),
		zap.Int("bars", panel.Len()),
		zap.Time("start", panel.Index()[0]),
		zap.Time("end", panel.Index()[panel.Len()-1]),
	)
	return panel, nil
}

func (l *Loader) loadSymbol(symbol string) ([]types.Bar, error) {
	path := filepath.Join(l.dir, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}

	bars := make([]types.Bar, 0, len(rows)-1)
	for i, row := range rows[1:] {
		bar, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("duplicate date %s", bars[i].Timestamp.Format(dateLayout))
		}
	}
	return bars, nil
}

func parseRow(row []string) (types.Bar, error) {
	if len(row) < 6 {
		return types.Bar{}, fmt.Errorf("expected 6 columns, got %d", len(row))
	}

	ts, err := time.Parse(dateLayout, row[0])
	if err != nil {
		return types.Bar{}, fmt.Errorf("invalid date %q: %w", row[0], err)
	}

	fields := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return types.Bar{}, fmt.Errorf("invalid number %q: %w", row[i+1], err)
		}
		fields[i] = v
	}

	bar := types.Bar{
		Timestamp: ts.UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}
	if bar.Close <= 0 || bar.High < bar.Low {
		return types.Bar{}, fmt.Errorf("invalid bar on %s", row[0])
	}
	return bar, nil
}

// Align restricts every series to the timestamps present in all of them,
// returning the aligned series and the number of bars dropped.
func Align(series map[string][]types.Bar) (map[string][]types.Bar, int) {
	counts := make(map[time.Time]int)
	total := 0
	for _, bars := range series {
		total += len(bars)
		for _, bar := range bars {
			counts[bar.Timestamp] = counts[bar.Timestamp] + 1
		}
	}

	common := make(map[time.Time]bool, len(counts))
	for ts, n := range counts {
		if n == len(series) {
			common[ts] = true
		}
	}

	out := make(map[string][]types.Bar, len(series))
	kept := 0
	for sym, bars := range series {
		filtered := make([]types.Bar, 0, len(bars))
		for _, bar := range bars {
			if common[bar.Timestamp] {
				filtered = append(filtered, bar)
			}
		}
		out[sym] = filtered
		kept += len(filtered)
	}
	return out, total - kept
}
