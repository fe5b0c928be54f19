// Package api provides the HTTP and WebSocket server for launching and
// inspecting backtest runs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/config"
	"github.com/halcyon-quant/trendbt/internal/data"
	"github.com/halcyon-quant/trendbt/internal/metrics"
	"github.com/halcyon-quant/trendbt/internal/simulator"
	"github.com/halcyon-quant/trendbt/internal/store"
	"github.com/halcyon-quant/trendbt/internal/validation"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	loader     *data.Loader
	store      *store.Store // nil when persistence is disabled
	recorder   *metrics.Recorder
	runs       map[string]*RunState
}

// RunState tracks one backtest run through its lifecycle.
type RunState struct {
	ID      string
	Config  *types.Config
	Status  string
	Started time.Time
	Result  *types.BacktestResult
	Error   string
	cancel  context.CancelFunc
}

// RunRequest starts a backtest. When Sample is set the panel is generated
// synthetically; otherwise bars are loaded from the server's data directory.
type RunRequest struct {
	Config *types.Config    `json:"config"`
	Sample *data.SampleSpec `json:"sample,omitempty"`
}

// NewServer creates the API server.
func NewServer(logger *zap.Logger, cfg *types.ServerConfig, loader *data.Loader, st *store.Store, recorder *metrics.Recorder) *Server {
	server := &Server{
		logger:   logger,
		config:   cfg,
		router:   mux.NewRouter(),
		clients:  make(map[string]*Client),
		loader:   loader,
		store:    st,
		recorder: recorder,
		runs:     make(map[string]*RunState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/runs", s.handleStartRun).Methods("POST")
	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/trades", s.handleGetRunTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/cancel", s.handleCancelRun).Methods("POST")

	if s.recorder != nil {
		s.router.Handle("/metrics", s.recorder.Handler())
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the configured routes, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and closes client connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	for _, run := range s.runs {
		if run.cancel != nil {
			run.cancel()
		}
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Config == nil {
		http.Error(w, "config is required", http.StatusBadRequest)
		return
	}
	if err := config.Validate(req.Config); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	panel, err := s.buildPanel(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &RunState{
		ID:      req.Config.ID,
		Config:  req.Config,
		Status:  "running",
		Started: time.Now(),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.runs[state.ID] = state
	s.mu.Unlock()

	go s.runAsync(ctx, state, panel)

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	})
}

// runAsync executes the full pipeline for one run: simulation, validation
// analyses, optional persistence, and a completion event to subscribers.
func (s *Server) runAsync(ctx context.Context, state *RunState, panel *types.PricePanel) {
	started := time.Now()

	result, err := s.execute(ctx, state.Config, panel)

	s.mu.Lock()
	if err != nil {
		state.Status = "failed"
		state.Error = err.Error()
	} else {
		state.Status = "completed"
		state.Result = result
	}
	status := state.Status
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordRun(status, "backtest", time.Since(started).Seconds())
		if result != nil {
			for _, trade := range result.Trades {
				s.recorder.RecordTrade(string(trade.ExitReason))
			}
			s.recorder.RecordRebalances(result.Rebalances)
			if n := len(result.EquityCurve); n > 0 {
				equity, _ := result.EquityCurve[n-1].Equity.Float64()
				s.recorder.RecordFinalEquity(state.Config.ID, equity)
			}
		}
	}

	if err != nil {
		s.logger.Error("run failed", zap.String("id", state.ID), zap.Error(err))
	} else if s.store != nil {
		if err := s.store.SaveResult(result); err != nil {
			s.logger.Error("failed to persist run", zap.String("id", state.ID), zap.Error(err))
		}
	}

	s.broadcast(&Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    "run:complete",
		Payload:   map[string]interface{}{"id": state.ID, "status": status},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) execute(ctx context.Context, cfg *types.Config, panel *types.PricePanel) (*types.BacktestResult, error) {
	engine, err := simulator.New(s.logger, cfg, panel)
	if err != nil {
		return nil, err
	}
	result, err := engine.Run(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Validation.WalkForward.Enabled || cfg.Validation.MonteCarlo.Enabled {
		runner := validation.NewRunner(s.logger, cfg, panel)
		if err := runner.Run(ctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// buildPanel resolves bars for every symbol the run touches: universe,
// benchmark, safe haven, and core holdings.
func (s *Server) buildPanel(req *RunRequest) (*types.PricePanel, error) {
	symbols := runSymbols(req.Config)

	if req.Sample != nil {
		spec := *req.Sample
		spec.Symbols = symbols
		return data.GeneratePanel(spec)
	}
	if s.loader == nil {
		return nil, fmt.Errorf("no data directory configured and no sample spec given")
	}
	return s.loader.LoadPanel(symbols)
}

// runSymbols returns the sorted union of all symbols a config references.
func runSymbols(cfg *types.Config) []string {
	set := make(map[string]struct{})
	for _, sym := range cfg.Universe {
		set[sym] = struct{}{}
	}
	set[cfg.Benchmark] = struct{}{}
	set[cfg.SafeHaven] = struct{}{}
	for sym := range cfg.Allocation.CoreAssets {
		set[sym] = struct{}{}
	}

	symbols := make([]string, 0, len(set))
	for sym := range set {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	summaries := make([]map[string]interface{}, 0, len(s.runs))
	for _, run := range s.runs {
		summaries = append(summaries, map[string]interface{}{
			"id":      run.ID,
			"status":  run.Status,
			"started": run.Started.Unix(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i]["id"].(string) < summaries[j]["id"].(string)
	})
	writeJSON(w, map[string]interface{}{"runs": summaries, "count": len(summaries)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()

	if !ok {
		// Fall back to persisted history.
		if s.store != nil {
			if result, err := s.store.GetResult(id); err == nil {
				writeJSON(w, map[string]interface{}{
					"id":     id,
					"status": "completed",
					"result": result,
				})
				return
			}
		}
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	writeJSON(w, response)
}

func (s *Server) handleGetRunTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if state.Result == nil {
		http.Error(w, "run not complete", http.StatusBadRequest)
		return
	}

	trades := state.Result.Trades
	if reason := r.URL.Query().Get("reason"); reason != "" {
		filtered := make([]types.Trade, 0, len(trades))
		for _, trade := range trades {
			if string(trade.ExitReason) == reason {
				filtered = append(filtered, trade)
			}
		}
		trades = filtered
	}

	writeJSON(w, map[string]interface{}{
		"id":     id,
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	state, ok := s.runs[id]
	if ok && state.Status == "running" && state.cancel != nil {
		state.cancel()
		state.Status = "cancelled"
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"id": id, "status": state.Status})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
