// rollout-api is the operator surface of the rollout engine: rollout
// lifecycle control, metric-sample ingestion, experiment assignment, and the
// flag check endpoint, with Prometheus metrics and an audit anchor.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ramp/pkg/audit"
	"ramp/pkg/auth"
	"ramp/pkg/engine"
	"ramp/pkg/eventbus"
	"ramp/pkg/evaluate"
	"ramp/pkg/experiment"
	"ramp/pkg/flags"
	"ramp/pkg/ledger"
	"ramp/pkg/model"
	"ramp/pkg/monitor"
	"ramp/pkg/ratelimit"
	"ramp/pkg/rollback"
	"ramp/pkg/store"
	"ramp/pkg/structlog"
)

const serviceName = "rollout-api"

func main() {
	logger := structlog.New(serviceName, structlog.ParseLevel(envStr("RAMP_LOG_LEVEL", "info")), nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kv, err := openStore(ctx, logger)
	if err != nil {
		logger.Fatal("store init failed", structlog.Fields{"error": err.Error()})
	}
	defer kv.Close()

	led, err := ledger.New(envStr("RAMP_LEDGER_PATH", "data/ledger-rollout.jsonl"), serviceName)
	if err != nil {
		logger.Fatal("ledger init failed", structlog.Fields{"error": err.Error()})
	}

	flagStore, err := flags.NewStore(ctx, kv)
	if err != nil {
		logger.Fatal("flag store init failed", structlog.Fields{"error": err.Error()})
	}
	defer flagStore.Close()

	agg := monitor.NewAggregator(monitor.Config{
		MinSamples: envInt("RAMP_MIN_SAMPLES", 30),
		Retention:  envDur("RAMP_SAMPLE_RETENTION", 24*time.Hour+10*time.Minute),
	})

	evalCfg := evaluate.DefaultConfig()
	evalCfg.ProceedThreshold = envFloat("RAMP_PROCEED_THRESHOLD", evalCfg.ProceedThreshold)
	evalCfg.RollbackThreshold = envFloat("RAMP_ROLLBACK_THRESHOLD", evalCfg.RollbackThreshold)
	evalCfg.BaselineLatencyMs = envFloat("RAMP_BASELINE_LATENCY_MS", evalCfg.BaselineLatencyMs)
	evalCfg.BaselineThroughput = envFloat("RAMP_BASELINE_THROUGHPUT", evalCfg.BaselineThroughput)
	evalCfg.EngagementTarget = envFloat("RAMP_ENGAGEMENT_TARGET", evalCfg.EngagementTarget)
	evaluator, err := evaluate.New(evalCfg)
	if err != nil {
		logger.Fatal("evaluator init failed", structlog.Fields{"error": err.Error()})
	}

	coordinator := rollback.NewCoordinator(kv, flagStore, led, envDur("RAMP_ROLLBACK_TIMEOUT", 30*time.Second))

	bus := eventbus.NewBus(envInt("RAMP_EVENTBUS_BUFFER", 256))
	defer bus.Close()
	bus.Register(eventbus.Func{
		On: []string{model.EventRolloutStarted, model.EventRolloutExpanded, model.EventRolloutCompleted, model.EventRolledBack, model.EventUnrecoverableState},
		Fn: func(_ context.Context, evt eventbus.Event) {
			logger.Info("rollout event", structlog.Fields{"type": evt.Type, "payload": evt.Payload})
		},
	})

	eng, err := engine.New(engine.Config{
		Ladder:    envLadder("RAMP_LADDER", []int{5, 10, 25, 50, 100}),
		DebounceN: envInt("RAMP_DEBOUNCE", 3),
		Tick:      envDur("RAMP_TICK", time.Minute),
		Window:    envDur("RAMP_WINDOW", 10*time.Minute),
	}, flagStore, agg, evaluator, coordinator, logDeployer{log: logger}, bus, led, kv, logger, nil)
	if err != nil {
		logger.Fatal("engine init failed", structlog.Fields{"error": err.Error()})
	}
	go eng.Run(ctx)

	sink := experiment.NewBufferedSink(envInt("RAMP_EVENT_BUFFER", 1024), func(ev experiment.Event) {
		_ = led.Append("experiment.event", ev)
	})
	defer sink.Close()
	experiments, err := experiment.NewManager(ctx, kv, sink)
	if err != nil {
		logger.Fatal("experiment manager init failed", structlog.Fields{"error": err.Error()})
	}

	authMW := auth.NewMiddleware([]byte(os.Getenv("RAMP_JWT_SECRET")), envStr("RAMP_JWT_ISSUER", "ramp"))
	if !authMW.Enabled() {
		logger.Warn("auth disabled: RAMP_JWT_SECRET not set", nil)
	}
	limiter := newIngestLimiter(logger)

	api := &apiServer{
		log:         logger,
		flags:       flagStore,
		agg:         agg,
		eng:         eng,
		experiments: experiments,
		led:         led,
	}

	mux := http.NewServeMux()
	operator := authMW.Require(auth.RoleOperator)
	reader := authMW.Require()
	mux.Handle("POST /rollouts", operator(http.HandlerFunc(api.handleCreateRollout)))
	mux.Handle("POST /rollouts/{feature}/expand", operator(http.HandlerFunc(api.handleExpand)))
	mux.Handle("POST /rollouts/{feature}/rollback", operator(http.HandlerFunc(api.handleRollback)))
	mux.Handle("GET /rollouts/{feature}/status", reader(http.HandlerFunc(api.handleStatus)))
	mux.Handle("POST /samples", ratelimit.HTTPMiddleware(limiter)(http.HandlerFunc(api.handleSamples)))
	mux.Handle("POST /experiments", operator(http.HandlerFunc(api.handleCreateExperiment)))
	mux.Handle("POST /experiments/{id}/start", operator(http.HandlerFunc(api.handleStartExperiment)))
	mux.Handle("POST /experiments/{id}/complete", operator(http.HandlerFunc(api.handleCompleteExperiment)))
	mux.HandleFunc("GET /experiments/{id}/variant", api.handleVariant)
	mux.HandleFunc("POST /experiments/{id}/events", api.handleExperimentEvent)
	mux.HandleFunc("GET /flags/{feature}/enabled", api.handleFlagCheck)
	mux.Handle("GET /audit/anchor", reader(http.HandlerFunc(api.handleAnchor)))
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := envStr("RAMP_HTTP_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(withCorrelation(mux), serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", structlog.Fields{"error": err.Error()})
		}
	}()

	logger.Info("listening", structlog.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", structlog.Fields{"error": err.Error()})
	}
	logger.Info("shutdown complete", nil)
}

// openStore selects the persistence backend from RAMP_STORE.
func openStore(ctx context.Context, logger *structlog.Logger) (store.KV, error) {
	switch backend := envStr("RAMP_STORE", "memory"); backend {
	case "redis":
		return store.NewRedis(ctx, envStr("RAMP_REDIS_URL", "redis://localhost:6379/0"))
	case "postgres":
		return store.NewPostgres(ctx, os.Getenv("RAMP_DATABASE_URL"))
	case "memory":
		logger.Warn("using in-memory store; state does not survive restarts", nil)
		return store.NewMemory(), nil
	default:
		return nil, &model.ConfigError{Field: "RAMP_STORE", Value: backend, Msg: "must be memory, redis, or postgres"}
	}
}

// newIngestLimiter rate-limits sample ingestion, sharing the window via Redis
// when one is configured.
func newIngestLimiter(logger *structlog.Logger) ratelimit.Limiter {
	capacity := envInt("RAMP_INGEST_RPS", 200)
	var rdb *redis.Client
	if url := os.Getenv("RAMP_REDIS_URL"); url != "" {
		if opt, err := redis.ParseURL(url); err == nil {
			rdb = redis.NewClient(opt)
		} else {
			logger.Warn("bad RAMP_REDIS_URL for rate limiter, using local window", structlog.Fields{"error": err.Error()})
		}
	}
	return ratelimit.NewSlidingWindow(rdb, capacity, time.Second)
}

// logDeployer is the default Deployer when no real distribution backend is
// wired: it records the deploy step and reports success.
type logDeployer struct {
	log *structlog.Logger
}

func (d logDeployer) DeployToSubset(_ context.Context, feature string, subset model.UserSubset) (model.DeploymentResult, error) {
	d.log.Info("deploy step", structlog.Fields{"feature": feature, "targets": len(subset.UserIDs)})
	return model.DeploymentResult{Success: true, DeployedUserCount: len(subset.UserIDs)}, nil
}

// withCorrelation ensures every request carries a correlation ID.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := structlog.EnsureCorrelationID(r.Context())
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type apiServer struct {
	log         *structlog.Logger
	flags       *flags.Store
	agg         *monitor.Aggregator
	eng         *engine.Engine
	experiments *experiment.Manager
	led         *ledger.Ledger
}

type createRolloutRequest struct {
	Feature    model.Feature `json:"feature"`
	InitialPct int           `json:"initial_pct"`
}

func (s *apiServer) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	var req createRolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Feature.Name == "" {
		writeError(w, http.StatusBadRequest, "feature.name is required")
		return
	}
	if err := s.eng.CreateRollout(r.Context(), req.Feature, req.InitialPct); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"feature": req.Feature.Name, "status": "created"})
}

func (s *apiServer) handleExpand(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.ForceExpand(r.Context(), r.PathValue("feature")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "expanded"})
}

func (s *apiServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	if err := s.eng.ForceRollback(r.Context(), r.PathValue("feature"), req.Reason); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.eng.Status(r.PathValue("feature"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type sampleRequest struct {
	Feature   string    `json:"feature"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"ts,omitempty"`
}

func (s *apiServer) handleSamples(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Feature == "" || req.Metric == "" {
		writeError(w, http.StatusBadRequest, "feature and metric are required")
		return
	}
	s.agg.RecordSample(req.Feature, req.Metric, req.Value, req.Timestamp)
	w.WriteHeader(http.StatusAccepted)
}

type createExperimentRequest struct {
	Feature  model.Feature    `json:"feature"`
	Variants []model.Variant  `json:"variants"`
	Subset   model.UserSubset `json:"subset"`
}

func (s *apiServer) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	exp, err := s.experiments.Create(r.Context(), req.Feature, req.Variants, req.Subset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *apiServer) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.experiments.Start(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *apiServer) handleCompleteExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.experiments.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *apiServer) handleVariant(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	variant, err := s.experiments.VariantFor(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, variant)
}

func (s *apiServer) handleExperimentEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.experiments.RecordEvent(r.Context(), r.PathValue("id"), req.UserID, req.Name); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) handleFlagCheck(w http.ResponseWriter, r *http.Request) {
	feature := r.PathValue("feature")
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feature": feature,
		"user":    user,
		"enabled": s.flags.IsEnabled(feature, user),
	})
}

func (s *apiServer) handleAnchor(w http.ResponseWriter, _ *http.Request) {
	anchor, err := audit.Anchor(s.led.Path())
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "ledger is empty")
			return
		}
		writeError(w, http.StatusInternalServerError, "anchor computation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sha256": anchor, "path": s.led.Path()})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"service": serviceName, "time": time.Now().UTC()})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (s *apiServer) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrFeatureNotFound),
		errors.Is(err, model.ErrExperimentNotFound),
		errors.Is(err, model.ErrNoRollbackPoint),
		errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidConfiguration),
		errors.Is(err, model.ErrInvalidVariantWeights):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrRollbackInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrEventSinkUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("request failed", structlog.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envLadder(key string, def []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return def
		}
		out = append(out, n)
	}
	return out
}
