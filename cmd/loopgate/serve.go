package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loopgate/core/pkg/audit"
	"github.com/loopgate/core/pkg/budget"
	"github.com/loopgate/core/pkg/config"
	"github.com/loopgate/core/pkg/gate"
	"github.com/loopgate/core/pkg/governor"
	"github.com/loopgate/core/pkg/identity"
	"github.com/loopgate/core/pkg/loop"
	"github.com/loopgate/core/pkg/observability"
	"github.com/loopgate/core/pkg/oracle"
	"github.com/loopgate/core/pkg/refs"
	"github.com/loopgate/core/pkg/surface"
)

func runServe() int {
	fmt.Fprintf(os.Stdout, "%sloopgate engine starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "loopgate",
		ServiceVersion: "1.0.0",
		Environment:    getenvDefault("ENVIRONMENT", "development"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	store, closeStore, err := openEvidenceStore(ctx, cfg)
	if err != nil {
		logger.Error("evidence store init failed", "error", err)
		return 1
	}
	defer func() { _ = closeStore() }()
	logger.Info("evidence store ready", "backend", cfg.EvidenceBackend)

	eventLog, closeLog, err := openEventLog(cfg)
	if err != nil {
		logger.Error("event log init failed", "error", err)
		return 1
	}
	defer func() { _ = closeLog() }()
	logger.Info("event log ready", "backend", cfg.EventLogBackend)

	counters, closeCounters, err := openCounterStore(cfg)
	if err != nil {
		logger.Error("counter store init failed", "error", err)
		return 1
	}
	defer func() { _ = closeCounters() }()

	suites := oracle.NewRegistry()
	if err := loadSuites(cfg.SuiteDir, suites, logger); err != nil {
		logger.Error("suite loading failed", "error", err)
		return 1
	}

	templates, err := loadTemplates(cfg.TemplateDir, logger)
	if err != nil {
		logger.Error("template loading failed", "error", err)
		return 1
	}

	gateEval, err := gate.NewEvaluator(store)
	if err != nil {
		logger.Error("gate evaluator init failed", "error", err)
		return 1
	}

	backends := map[oracle.EvaluatorKind]oracle.Backend{
		oracle.EvaluatorProcess: &oracle.ProcessBackend{},
	}
	if cfg.WasmModuleDir != "" {
		backends[oracle.EvaluatorWasm] = oracle.NewWasmBackend(
			oracle.NewFileModuleSource(cfg.WasmModuleDir),
			oracle.WasmConfig{MemoryLimitBytes: cfg.WasmMemoryLimit},
		)
		logger.Info("wasm backend enabled", "module_dir", cfg.WasmModuleDir)
	}
	runner := oracle.NewRunner(backends, cfg.MaxConcurrentRuns, logger)

	enforcer := budget.NewEnforcer(counters, budget.DefaultTriggerPolicy())

	engine := loop.NewEngine(store, runner, suites, gateEval, enforcer, eventLog,
		logger, loop.EngineConfig{Metrics: obs})

	if err := loadGates(cfg.GateDir, engine, logger); err != nil {
		logger.Error("gate loading failed", "error", err)
		return 1
	}

	auditLog := audit.NewLogger()

	gov := governor.New(engine, &spoolSource{root: cfg.CandidateDir}, governor.Config{
		PollsPerSecond: cfg.GovernorPollsPerSecond,
	}, logger)
	gov.Start(ctx)
	defer gov.Stop()
	logger.Info("governor started", "polls_per_second", cfg.GovernorPollsPerSecond)

	var parser *identity.TokenParser
	if cfg.TokenKey != "" {
		parser = identity.NewTokenParser([]byte(cfg.TokenKey))
	} else {
		logger.Warn("TOKEN_KEY not set, transition surface runs unauthenticated")
	}

	api := &apiServer{
		engine:    engine,
		governor:  gov,
		templates: templates,
		parser:    parser,
		audit:     auditLog,
		obs:       obs,
		budget:    cfg.Budget,
		logger:    logger,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http surface listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return 0
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// spoolSource feeds the governor from a spool directory: one subdirectory
// per loop, one file per candidate. A dispatched candidate is renamed with
// a .dispatched suffix so it is submitted at most once.
type spoolSource struct {
	root string
}

func (s *spoolSource) Next(_ context.Context, loopID string) (governor.Candidate, bool, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, loopID))
	if err != nil {
		if os.IsNotExist(err) {
			return governor.Candidate{}, false, nil
		}
		return governor.Candidate{}, false, err
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".dispatched") {
			continue
		}
		path := filepath.Join(s.root, loopID, entry.Name())
		if err := os.Rename(path, path+".dispatched"); err != nil {
			return governor.Candidate{}, false, err
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		return governor.Candidate{ID: id, Path: path + ".dispatched"}, true, nil
	}
	return governor.Candidate{}, false, nil
}

type apiServer struct {
	engine    *loop.Engine
	governor  *governor.Governor
	templates map[string]*surface.Template
	parser    *identity.TokenParser
	audit     audit.Logger
	obs       *observability.Provider
	budget    budget.Budget
	logger    *slog.Logger
}

func (a *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /decisions", a.handleDecisions)
	mux.HandleFunc("GET /loops/{id}", a.handleGetLoop)
	mux.HandleFunc("POST /loops", a.handleCreateLoop)
	mux.HandleFunc("POST /loops/{id}/{action}", a.handleTransition)
	return mux
}

func (a *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleDecisions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.governor.Decisions())
}

func (a *apiServer) handleGetLoop(w http.ResponseWriter, r *http.Request) {
	lp, err := a.engine.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, lp)
}

type createLoopRequest struct {
	Goal         string               `json:"goal"`
	TemplateID   string               `json:"template_id"`
	IntakeID     string               `json:"intake_id"`
	DirectiveID  string               `json:"directive_id"`
	SuiteBinding surface.SuiteBinding `json:"suite_binding"`
}

func (a *apiServer) handleCreateLoop(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	var req createLoopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tmpl, ok := a.templates[req.TemplateID]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown template %q", req.TemplateID))
		return
	}

	params := loop.CreateParams{
		Goal:         req.Goal,
		Budget:       a.budget,
		Template:     tmpl,
		IntakeRef:    refs.New(refs.TypeIntake, req.IntakeID, refs.RelAbout),
		SuiteBinding: req.SuiteBinding,
		ActorID:      actor.ID,
	}
	if req.DirectiveID != "" {
		directive := refs.New(refs.TypeDirective, req.DirectiveID, refs.RelGovernedBy)
		params.DirectiveRef = &directive
	}
	lp, err := a.engine.Create(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	_ = a.audit.Record(*actor, audit.EventLifecycle, "loop.create", lp.LoopID, map[string]interface{}{
		"template_id": req.TemplateID,
	})
	writeJSON(w, http.StatusCreated, lp)
}

func (a *apiServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	loopID := r.PathValue("id")
	action := r.PathValue("action")

	var (
		lp  *loop.Loop
		err error
	)
	switch action {
	case "activate":
		lp, err = a.engine.Activate(r.Context(), loopID, actor)
	case "pause":
		lp, err = a.engine.Pause(r.Context(), loopID, actor)
	case "resume":
		lp, err = a.engine.Resume(r.Context(), loopID, actor)
	case "close":
		lp, err = a.engine.Close(r.Context(), loopID, actor)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", action))
		return
	}
	if err != nil {
		status := http.StatusConflict
		switch {
		case errors.Is(err, loop.ErrLoopNotFound):
			status = http.StatusNotFound
		case errors.Is(err, loop.ErrPreconditionUnmet):
			status = http.StatusPreconditionFailed
		}
		writeError(w, status, err)
		return
	}

	switch action {
	case "activate", "resume":
		a.obs.LoopActivated(r.Context())
	case "pause", "close":
		a.obs.LoopDeactivated(r.Context())
	}
	_ = a.audit.Record(*actor, audit.EventLifecycle, "loop."+action, loopID, nil)
	writeJSON(w, http.StatusOK, lp)
}

// authenticate resolves the caller. Without a configured token key every
// caller is treated as the local operator.
func (a *apiServer) authenticate(w http.ResponseWriter, r *http.Request) (*identity.Actor, bool) {
	if a.parser == nil {
		return &identity.Actor{ID: "operator", Kind: identity.ActorHuman, Name: "local operator"}, true
	}
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return nil, false
	}
	actor, err := a.parser.Parse(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return nil, false
	}
	return actor, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
