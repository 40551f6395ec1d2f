package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/openlift/openlift/internal/api"
	"github.com/openlift/openlift/internal/auth"
	"github.com/openlift/openlift/internal/cache"
	"github.com/openlift/openlift/internal/frame"
	"github.com/openlift/openlift/internal/metrics"
	"github.com/openlift/openlift/internal/scenario"
	"github.com/openlift/openlift/internal/store"
	"github.com/openlift/openlift/internal/wal"
	"github.com/openlift/openlift/pkg/otel"
)

type Server struct {
	params      api.EngineParams
	comparator  *scenario.Comparator
	runStore    store.Store
	inboxWAL    *wal.RequestWAL
	resultCache *cache.ResultCache
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	params := api.DefaultEngineParams()
	comparator := scenario.NewComparator(params)

	// Setup run store
	storeBackend := getEnv("STORE_BACKEND", "memory")
	var runStore store.Store
	var err error

	switch storeBackend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/runs.json")
		runStore = store.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASS", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		runStore, err = store.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		runStore, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", storeBackend)
	}

	// Setup WAL
	walDir := getEnv("WAL_DIR", "data/wal")
	inboxWAL, err := wal.NewRequestWAL(walDir)
	if err != nil {
		log.Fatalf("Failed to create request WAL: %v", err)
	}

	// Result cache
	cacheSize := getEnvInt("CACHE_SIZE", 1024)
	resultCache, err := cache.NewResultCache(cacheSize, time.Hour)
	if err != nil {
		log.Fatalf("Failed to create result cache: %v", err)
	}

	// Setup metrics
	m := metrics.New()

	// Tracing
	ctx := context.Background()
	otelCfg := otel.DefaultConfig("openlift")
	otelCfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", "localhost:4317")
	tp, err := otel.InitTracer(ctx, otelCfg)
	if err != nil {
		log.Printf("Tracing disabled: %v", err)
		tp = nil
	}

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		params:      params,
		comparator:  comparator,
		runStore:    runStore,
		inboxWAL:    inboxWAL,
		resultCache: resultCache,
		metrics:     m,
		limiter:     limiter,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/scenario/compare", srv.handleCompare)
	mux.HandleFunc("/v1/scenario/get", srv.handleGet)
	mux.HandleFunc("/v1/scenario/list", srv.handleList)
	mux.HandleFunc("/v1/scenario/tag", srv.handleTag)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	// Gateway identity: when enabled, the edge proxy must stamp verified
	// workspace headers on every API request.
	var handler http.Handler = mux
	authCfg := auth.DefaultConfig()
	authCfg.Enabled = getEnv("AUTH_REQUIRED", "false") == "true"
	handler = auth.Middleware(authCfg)(handler)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Close resources
	if err := inboxWAL.Close(); err != nil {
		log.Printf("Error closing WAL: %v", err)
	}
	if err := runStore.Close(); err != nil {
		log.Printf("Error closing run store: %v", err)
	}
	if tp != nil {
		if err := otel.Shutdown(shutdownCtx, tp); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}

	log.Println("Server stopped")
}

// compareRequest is the wire form of one comparison submission. The
// table travels inline as columns; Methods switches the request into a
// multi-estimator run with per-estimator failure slots.
type compareRequest struct {
	Columns       map[string][]float64  `json:"columns"`
	StringColumns map[string][]string   `json:"string_columns,omitempty"`
	Mapping       api.ColumnMapping     `json:"mapping"`
	Spec          api.ScenarioSpec      `json:"spec"`
	Method        api.EstimatorMethod   `json:"method,omitempty"`
	Methods       []api.EstimatorMethod `json:"methods,omitempty"`
	Seed          int64                 `json:"seed,omitempty"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !auth.HasScope(r.Context(), auth.ScopeCompare) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// Rate limiting
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	s.metrics.ComparesTotal.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20)) // 64MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	// Append to WAL BEFORE parsing (fault tolerance)
	if err := s.inboxWAL.Append(body); err != nil {
		log.Printf("WAL append error: %v", err)
		s.metrics.WALErrors.Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var req compareRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Method == "" && len(req.Methods) == 0 {
		req.Method = api.MethodDR
	}

	f, err := buildFrame(&req)
	if err != nil {
		s.metrics.ValidationErrors.Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "openlift/server", "scenario.compare")
	defer span.End()

	if len(req.Methods) > 0 {
		s.handleCompareAll(ctx, w, &req, f)
		return
	}

	// Single-method path with result caching.
	requestID := api.ComputeRequestID(&req.Spec, &req.Mapping, req.Method, f.Rows())
	if cached, ok := s.resultCache.Get(requestID); ok {
		s.metrics.CacheHits.Inc()
		otel.AddEvent(span, "cache_hit")
		respondJSON(w, http.StatusOK, cached)
		return
	}

	start := time.Now()
	result, err := s.comparator.Compare(ctx, f, &req.Mapping, &req.Spec, req.Method, rand.New(rand.NewSource(req.Seed)))
	if err != nil {
		var verr *api.ValidationError
		if errors.As(err, &verr) {
			s.metrics.ValidationErrors.Inc()
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		otel.RecordError(span, err, "comparison failed")
		http.Error(w, "Comparison failed", http.StatusInternalServerError)
		return
	}
	s.metrics.CompareDuration.Observe(time.Since(start).Seconds())

	s.recordResult(result)
	span.SetAttributes(otel.CompareAttributes(result.RunID, string(result.Method), f.Rows(), result.Policy.NumTreated)...)
	span.SetAttributes(otel.DecisionAttributes(string(result.S1Gates.Decision), result.S1Gates.PassRate)...)

	if err := s.runStore.Save(r.Context(), result, s.params.ResultTTL); err != nil {
		log.Printf("Failed to store run %s: %v", result.RunID, err)
		s.metrics.StoreErrors.Inc()
		// Continue anyway - this is not fatal
	}
	s.resultCache.Set(requestID, result)

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompareAll(ctx context.Context, w http.ResponseWriter, req *compareRequest, f *frame.Frame) {
	slots := s.comparator.CompareAll(ctx, f, &req.Mapping, &req.Spec, req.Methods, req.Seed)

	for _, slot := range slots {
		if slot.Err != "" {
			s.metrics.EstimatorFailures.Inc()
			continue
		}
		s.recordResult(slot.Result)
		if err := s.runStore.Save(ctx, slot.Result, s.params.ResultTTL); err != nil {
			log.Printf("Failed to store run %s: %v", slot.Result.RunID, err)
			s.metrics.StoreErrors.Inc()
		}
	}

	respondJSON(w, http.StatusOK, slots)
}

func (s *Server) recordResult(result *api.ComparisonResult) {
	s.metrics.ComparesByMethod.WithLabelValues(string(result.Method)).Inc()
	s.metrics.DecisionsByOutcome.WithLabelValues(string(result.S1Gates.Decision)).Inc()
	for _, g := range result.S1Gates.Gates {
		if g.Status == api.GateFail {
			s.metrics.GateFailsByCheck.WithLabelValues(g.Name).Inc()
		}
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("id")
	if runID == "" {
		http.Error(w, "Missing id parameter", http.StatusBadRequest)
		return
	}

	result, err := s.runStore.Load(r.Context(), runID)
	if err != nil {
		log.Printf("Store load error: %v", err)
		s.metrics.StoreErrors.Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if result == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			limit = i
		}
	}

	ids, err := s.runStore.List(r.Context(), limit)
	if err != nil {
		log.Printf("Store list error: %v", err)
		s.metrics.StoreErrors.Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]string{"run_ids": ids})
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !auth.HasScope(r.Context(), auth.ScopeTag) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		RunID string `json:"run_id"`
		Tag   string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunID == "" || req.Tag == "" {
		http.Error(w, "run_id and tag are required", http.StatusBadRequest)
		return
	}

	if err := s.runStore.Tag(r.Context(), req.RunID, req.Tag); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// buildFrame assembles the inline columns into a frame, checking that
// every column has the same length.
func buildFrame(req *compareRequest) (*frame.Frame, error) {
	rows := -1
	for _, col := range req.Columns {
		if rows < 0 {
			rows = len(col)
		} else if len(col) != rows {
			return nil, fmt.Errorf("columns have inconsistent lengths")
		}
	}
	for _, col := range req.StringColumns {
		if rows < 0 {
			rows = len(col)
		} else if len(col) != rows {
			return nil, fmt.Errorf("columns have inconsistent lengths")
		}
	}
	if rows <= 0 {
		return nil, fmt.Errorf("request contains no data columns")
	}

	f := frame.New(rows)
	for name, col := range req.Columns {
		if err := f.AddFloat(name, col); err != nil {
			return nil, err
		}
	}
	for name, col := range req.StringColumns {
		if err := f.AddString(name, col); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
