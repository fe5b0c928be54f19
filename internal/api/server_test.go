package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/data"
	"github.com/halcyon-quant/trendbt/internal/metrics"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

func testServer() *Server {
	return NewServer(zap.NewNop(), &types.ServerConfig{Host: "localhost", Port: 8080}, nil, nil, metrics.New())
}

func runConfig() *types.Config {
	return &types.Config{
		ID:             "api-test",
		Universe:       []string{"AAA", "BBB"},
		Benchmark:      "SPY",
		SafeHaven:      "GLD",
		InitialCapital: 100_000,
		Indicators: types.IndicatorConfig{
			MomentumLookback:    10,
			TrendMAPeriod:       20,
			ShortMAPeriod:       5,
			SlopeLookback:       3,
			ATRPeriod:           5,
			TrendStrengthPeriod: 5,
			VolWindow:           5,
			VolPercentileWindow: 20,
			DrawdownLookback:    10,
		},
		Regime: types.RegimeConfig{VolPercentileMin: 0, VolPercentileMax: 1.0, ConfirmBars: 1},
		Ranking: types.RankingConfig{
			Qualifier:        types.QualifierMomentum,
			HoldingsBull:     2,
			HoldingsNeutral:  1,
			BreakoutATRMult:  2.0,
			TrendRefConstant: 25.0,
		},
		Allocation: types.AllocationConfig{
			Weighting:      types.WeightByScore,
			MaxAssetWeight: 1.0,
			GrossExposure:  1.0,
			VolLookback:    20,
			MaxLeverage:    1.5,
		},
		Risk: types.RiskConfig{
			Sizing:              types.SizingFixedFractional,
			RiskPerTrade:        0.1,
			KellyFraction:       0.25,
			StopATRMultiple:     50,
			BreakdownLookback:   5,
			PyramidATRStep:      1.0,
			MaxPositionMultiple: 2.0,
			DailyLossLimit:      0.5,
			PortfolioStopLoss:   0.9,
			ReentryCooldownDays: 5,
			ReentryRecoveryPct:  0.05,
		},
		Rebalance: types.RebalanceConfig{Frequency: types.RebalanceMonthly, RebalanceOnRecovery: true},
		Costs:     types.CostConfig{FeeRate: 0.001, SlippageRate: 0.0005},
	}
}

func postRun(t *testing.T, s *Server, req RunRequest) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/runs", bytes.NewReader(body)))
	if rec.Code != 202 {
		t.Fatalf("start run returned %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid start response: %v", err)
	}
	return resp
}

func waitForRun(t *testing.T, s *Server, id string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/runs/"+id, nil))
		if rec.Code != 200 {
			t.Fatalf("get run returned %d", rec.Code)
		}

		var resp map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid run response: %v", err)
		}
		switch resp["status"] {
		case "completed":
			return resp
		case "failed":
			t.Fatalf("run failed: %v", resp["error"])
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("run did not complete in time")
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	if rec.Code != 200 {
		t.Fatalf("health returned %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid health response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Fatalf("status = %v", resp["status"])
	}
}

func TestRunLifecycle(t *testing.T) {
	s := testServer()

	started := postRun(t, s, RunRequest{
		Config: runConfig(),
		Sample: &data.SampleSpec{Bars: 300, Seed: 7},
	})
	id, _ := started["id"].(string)
	if id == "" {
		t.Fatal("start response missing run id")
	}

	final := waitForRun(t, s, id)
	result, ok := final["result"].(map[string]interface{})
	if !ok {
		t.Fatal("completed run has no result")
	}
	curve, ok := result["equityCurve"].([]interface{})
	if !ok || len(curve) == 0 {
		t.Fatal("result has no equity curve")
	}

	// Trades endpoint serves the same ledger.
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", fmt.Sprintf("/api/v1/runs/%s/trades", id), nil))
	if rec.Code != 200 {
		t.Fatalf("trades returned %d", rec.Code)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	s := testServer()
	cfg := runConfig()
	cfg.Universe = nil

	body, _ := json.Marshal(RunRequest{Config: cfg, Sample: &data.SampleSpec{Bars: 300}})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/runs", bytes.NewReader(body)))
	if rec.Code != 400 {
		t.Fatalf("invalid config returned %d, want 400", rec.Code)
	}
}

func TestRunWithoutDataSource(t *testing.T) {
	s := testServer() // no loader configured
	body, _ := json.Marshal(RunRequest{Config: runConfig()})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/runs", bytes.NewReader(body)))
	if rec.Code != 400 {
		t.Fatalf("missing data source returned %d, want 400", rec.Code)
	}
}

func TestGetUnknownRun(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/runs/nope", nil))
	if rec.Code != 404 {
		t.Fatalf("unknown run returned %d, want 404", rec.Code)
	}
}

func TestRunSymbolsUnion(t *testing.T) {
	cfg := runConfig()
	cfg.Allocation.CoreAssets = map[string]float64{"TLT": 0.5, "SPY": 0.5}

	got := runSymbols(cfg)
	want := []string{"AAA", "BBB", "GLD", "SPY", "TLT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("symbols = %v, want %v", got, want)
	}
}

func TestMetricsEndpointMounted(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics returned %d", rec.Code)
	}
}
