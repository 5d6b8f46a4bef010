package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/scheduler"
	"github.com/miradorstack/triage-agent/internal/utils"
	"github.com/miradorstack/triage-agent/internal/workflow"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// Backend is what the HTTP adapter needs from the service layer.
type Backend interface {
	Triage(ctx context.Context, events []models.RawLogEvent) (models.TriageResult, error)
	ResolutionPlan(ctx context.Context, req models.ResolutionPlanRequest) (models.ResolutionPlan, error)
	Workflow(ctx context.Context, incidentID string) (workflow.Record, error)
	Workflows(ctx context.Context, limit int) ([]workflow.Record, error)
	Tasks(ctx context.Context) (scheduler.Snapshot, error)
	CancelTask(ctx context.Context, taskID string) (bool, error)
}

// HTTPOptions configure the HTTP adapter.
type HTTPOptions struct {
	AllowedOrigins []string
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
}

type httpHandler struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewHTTPHandler returns the routed, CORS-wrapped HTTP API.
func NewHTTPHandler(backend Backend, opts HTTPOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &httpHandler{backend: backend, logger: opts.Logger, now: opts.Now}

	router := mux.NewRouter()
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/triage", h.triage).Methods(http.MethodPost)
	apiRouter.HandleFunc("/incidents/{id}/resolution-plan", h.resolutionPlan).Methods(http.MethodPost)
	apiRouter.HandleFunc("/workflows", h.listWorkflows).Methods(http.MethodGet)
	apiRouter.HandleFunc("/workflows/{id}", h.getWorkflow).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tasks", h.listTasks).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tasks/{id}", h.cancelTask).Methods(http.MethodDelete)

	router.Use(h.recoverPanics)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(router)
}

func (h *httpHandler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": utils.FormatLedgerTime(h.now()),
	})
}

// triage accepts either a bare event array or {"events": [...]}.
func (h *httpHandler) triage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read request body", nil)
		return
	}
	var events []models.RawLogEvent
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
	case trimmed[0] == '[':
		err = json.Unmarshal(trimmed, &events)
	default:
		var req models.TriageRequest
		err = json.Unmarshal(trimmed, &req)
		events = req.Events
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), nil)
		return
	}
	if len(events) == 0 {
		respondError(w, http.StatusBadRequest, "No log events provided", nil)
		return
	}

	result, err := h.backend.Triage(r.Context(), events)
	if err != nil {
		h.respondTriageFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *httpHandler) resolutionPlan(w http.ResponseWriter, r *http.Request) {
	var req models.ResolutionPlanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), nil)
		return
	}
	req.IncidentID = mux.Vars(r)["id"]
	plan, err := h.backend.ResolutionPlan(r.Context(), req)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (h *httpHandler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.backend.Workflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *httpHandler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw), nil)
			return
		}
		limit = n
	}
	recs, err := h.backend.Workflows(r.Context(), limit)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflows": recs})
}

func (h *httpHandler) listTasks(w http.ResponseWriter, r *http.Request) {
	snap, err := h.backend.Tasks(r.Context())
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *httpHandler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	removed, err := h.backend.CancelTask(r.Context(), id)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "task not pending: "+id, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	h.respondFailureBody(w, r, err, &ErrorBody{Kind: string(utils.KindOf(err))})
}

func (h *httpHandler) respondTriageFailure(w http.ResponseWriter, r *http.Request, err error) {
	body := &ErrorBody{Kind: string(utils.KindOf(err)), IncidentOutcome: IncidentOutcome(err)}
	if body.IncidentOutcome == OutcomeNotCreated {
		created := false
		body.IncidentCreated = &created
	}
	h.respondFailureBody(w, r, err, body)
}

func (h *httpHandler) respondFailureBody(w http.ResponseWriter, r *http.Request, err error, body *ErrorBody) {
	code := HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	respondError(w, code, err.Error(), body)
}

func (h *httpHandler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("http handler panicked", "path", r.URL.Path, "panic", rec)
				respondError(w, http.StatusInternalServerError, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, extra *ErrorBody) {
	body := ErrorBody{Error: message}
	if extra != nil {
		body.Kind = extra.Kind
		body.IncidentCreated = extra.IncidentCreated
		body.IncidentOutcome = extra.IncidentOutcome
	}
	respondJSON(w, status, body)
}
