// Package gateway exposes the run scheduling API over HTTP: REST
// endpoints for submission and lifecycle control, plus a WebSocket
// event stream fed by the in-process bus.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrun/internal/bus"
	"github.com/basket/taskrun/internal/match"
	"github.com/basket/taskrun/internal/otel"
	"github.com/basket/taskrun/internal/persistence"
	"github.com/basket/taskrun/internal/shared"
)

type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger

	// Tracer, when set, wraps every request in a server span.
	Tracer trace.Tracer

	BindAddr string

	// AuthToken guards every endpoint except /healthz. Empty disables
	// auth entirely (local use only).
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	httpSrv *http.Server

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*wsClient]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRunByID)
	mux.HandleFunc("/v1/claim", s.handleClaim)
	mux.HandleFunc("/v1/quotas/", s.handleQuotaByUser)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every request carries a trace id so run_events rows written on
		// its behalf can be correlated back to it.
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
		}
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountRuns(r.Context())
	dbOK := err == nil
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"config":         s.cfg.ConfigFingerprint,
		"queued_runs":    counts.Queued,
		"running_runs":   counts.Running,
		"expired_leases": counts.ExpiredLeases,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	counts, err := s.cfg.Store.CountRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued_runs":      counts.Queued,
		"running_runs":     counts.Running,
		"needs_input_runs": counts.NeedsInput,
		"completed_runs":   counts.Completed,
		"failed_runs":      counts.Failed,
		"cancelled_runs":   counts.Cancelled,
		"expired_leases":   counts.ExpiredLeases,
		"ws_clients":       s.clientCount(),
	})
}

// handleRuns serves POST /v1/runs (submit) and GET /v1/runs?user_id= (list).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createRun(w, r)
	case http.MethodGet:
		s.listRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var nr persistence.NewRun
	if err := json.NewDecoder(r.Body).Decode(&nr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	runID, err := s.cfg.Store.CreateRun(r.Context(), nr)
	if err != nil {
		var denied *persistence.ErrQuotaDenied
		if errors.As(err, &denied) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":    denied.Error(),
				"decision": denied.Decision,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("run submitted", "run_id", runID, "user_id", nr.UserID, "task_id", nr.TaskID)
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	runs, err := s.cfg.Store.ListRunsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunByID serves /v1/runs/{id} and its subresources:
//
//	GET  /v1/runs/{id}          run detail
//	GET  /v1/runs/{id}/events   transition ledger
//	POST /v1/runs/{id}/cancel   cancel a queued or paused run
//	POST /v1/runs/{id}/resume   answer a needs-input pause
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	runID, action, _ := strings.Cut(path, "/")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getRun(w, r, runID)
	case action == "events" && r.Method == http.MethodGet:
		s.listRunEvents(w, r, runID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelRun(w, r, runID)
	case action == "resume" && r.Method == http.MethodPost:
		s.resumeRun(w, r, runID)
	case action == "renew" && r.Method == http.MethodPost:
		s.renewLease(w, r, runID)
	case action == "complete" && r.Method == http.MethodPost:
		s.completeRun(w, r, runID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.cfg.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.cfg.Store.ListRunEvents(r.Context(), runID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	cancelled, err := s.cfg.Store.CancelRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "run is not cancellable in its current state")
		return
	}
	s.logger.Info("run cancelled", "run_id", runID)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(persistence.RunStatusCancelled)})
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request, runID string) {
	var req struct {
		Input string `json:"input"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	resumed, err := s.cfg.Store.ResumeRun(r.Context(), runID, req.Input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !resumed {
		writeError(w, http.StatusConflict, "run is not waiting for input")
		return
	}
	s.logger.Info("run resumed", "run_id", runID)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(persistence.RunStatusQueued)})
}

// handleClaim serves POST /v1/claim for external workers: the worker
// posts its identity and capabilities and receives the next eligible
// run under a fresh lease, or 204 when nothing matches.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		WorkerID        string   `json:"worker_id"`
		AgentName       string   `json:"agent_name"`
		Capabilities    []string `json:"capabilities,omitempty"`
		ModelsSupported []string `json:"models_supported,omitempty"`
		LeaseSeconds    int      `json:"lease_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id required")
		return
	}
	worker := match.Worker{
		ID:              req.WorkerID,
		AgentName:       req.AgentName,
		Capabilities:    req.Capabilities,
		ModelsSupported: req.ModelsSupported,
	}
	run, err := s.cfg.Store.ClaimNext(r.Context(), worker, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) renewLease(w http.ResponseWriter, r *http.Request, runID string) {
	var req struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	renewed, err := s.cfg.Store.RenewLease(r.Context(), runID, req.WorkerID, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !renewed {
		writeError(w, http.StatusConflict, "lease is not held by this worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

func (s *Server) completeRun(w http.ResponseWriter, r *http.Request, runID string) {
	var req struct {
		WorkerID      string `json:"worker_id"`
		Status        string `json:"status"`
		ResultSummary string `json:"result_summary,omitempty"`
		ResultFull    string `json:"result_full,omitempty"`
		Error         string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	status := persistence.RunStatus(req.Status)
	if status != persistence.RunStatusCompleted && status != persistence.RunStatusFailed {
		writeError(w, http.StatusBadRequest, "status must be COMPLETED or FAILED")
		return
	}
	recorded, err := s.cfg.Store.Complete(r.Context(), runID, req.WorkerID, status, req.ResultSummary, req.ResultFull, req.Error)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !recorded {
		writeError(w, http.StatusConflict, "lease is not held by this worker")
		return
	}
	s.logger.Info("run result recorded", "run_id", runID, "status", status, "worker_id", req.WorkerID)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(status)})
}

// handleQuotaByUser serves GET and PUT /v1/quotas/{user_id}.
func (s *Server) handleQuotaByUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/v1/quotas/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		quota, err := s.cfg.Store.GetUserQuota(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, quota)
	case http.MethodPut:
		var quota persistence.UserQuota
		if err := json.NewDecoder(r.Body).Decode(&quota); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		quota.UserID = userID
		if err := s.cfg.Store.UpsertUserQuota(r.Context(), quota); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("quota updated", "user_id", userID)
		writeJSON(w, http.StatusOK, quota)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
