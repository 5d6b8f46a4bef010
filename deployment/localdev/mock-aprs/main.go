package main

import (
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type incident struct {
	ID               string            `json:"incidentId"`
	Title            string            `json:"title"`
	Summary          string            `json:"summary,omitempty"`
	AffectedServices []string          `json:"affectedServices"`
	AffectedRequests []string          `json:"affectedRequests"`
	Assignee         map[string]string `json:"assignee"`
	CreatedBy        string            `json:"createdBy"`
	Status           string            `json:"status"`
	CreatedAt        string            `json:"createdAt"`
	Timeline         []timelineEntry   `json:"timeline"`
	RootCause        *rootCause        `json:"rootCause,omitempty"`
	ResolutionPlan   *resolutionPlan   `json:"resolutionPlan,omitempty"`
}

type timelineEntry struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	LogSnippet string `json:"logSnippet"`
	Timestamp  string `json:"timestamp"`
	Author     string `json:"author"`
}

type rootCause struct {
	Title    string `json:"title"`
	Analysis string `json:"analysis"`
}

type resolutionPlan struct {
	Steps []struct {
		StepNumber int    `json:"stepNumber"`
		Procedure  string `json:"procedure"`
		Command    string `json:"command,omitempty"`
	} `json:"steps"`
	Confidence int `json:"confidence"`
}

var errUnknownIncident = errors.New("incident not found")

// store holds incidents in memory; the mock forgets everything on restart.
type store struct {
	mu        sync.Mutex
	incidents map[string]*incident
}

func newStore() *store {
	return &store{incidents: make(map[string]*incident)}
}

func (s *store) create(inc incident) incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc.ID = uuid.NewString()
	if inc.Timeline == nil {
		inc.Timeline = []timelineEntry{}
	}
	s.incidents[inc.ID] = &inc
	return inc
}

func (s *store) update(id string, fn func(*incident)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return errUnknownIncident
	}
	fn(inc)
	return nil
}

func (s *store) get(id string) (incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident{}, false
	}
	out := *inc
	out.Timeline = append([]timelineEntry(nil), inc.Timeline...)
	return out, true
}

func (s *store) list() []incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func newRouter(st *store) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api.HandleFunc("/incidents", func(w http.ResponseWriter, r *http.Request) {
		var inc incident
		if err := json.NewDecoder(r.Body).Decode(&inc); err != nil || inc.Title == "" {
			http.Error(w, "title is required", http.StatusBadRequest)
			return
		}
		created := st.create(inc)
		writeJSON(w, http.StatusCreated, map[string]string{"incidentId": created.ID})
	}).Methods(http.MethodPost)

	api.HandleFunc("/incidents", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, st.list())
	}).Methods(http.MethodGet)

	api.HandleFunc("/incidents/{id}", func(w http.ResponseWriter, r *http.Request) {
		inc, ok := st.get(mux.Vars(r)["id"])
		if !ok {
			http.Error(w, errUnknownIncident.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, inc)
	}).Methods(http.MethodGet)

	api.HandleFunc("/incidents/{id}/timeline/{stage}/audit-trail", func(w http.ResponseWriter, r *http.Request) {
		var entry timelineEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		vars := mux.Vars(r)
		entry.Stage = vars["stage"]
		mutate(w, st, vars["id"], func(inc *incident) { inc.Timeline = append(inc.Timeline, entry) })
	}).Methods(http.MethodPost)

	api.HandleFunc("/incidents/{id}/root-cause", func(w http.ResponseWriter, r *http.Request) {
		var rc rootCause
		if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		mutate(w, st, mux.Vars(r)["id"], func(inc *incident) { inc.RootCause = &rc })
	}).Methods(http.MethodPost)

	api.HandleFunc("/incidents/{id}/resolution-plan", func(w http.ResponseWriter, r *http.Request) {
		var plan resolutionPlan
		if err := json.NewDecoder(r.Body).Decode(&plan); err != nil || len(plan.Steps) == 0 {
			http.Error(w, "steps are required", http.StatusBadRequest)
			return
		}
		mutate(w, st, mux.Vars(r)["id"], func(inc *incident) { inc.ResolutionPlan = &plan })
	}).Methods(http.MethodPost)

	return r
}

func mutate(w http.ResponseWriter, st *store, id string, fn func(*incident)) {
	if err := st.update(id, fn); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func main() {
	addr := flag.String("addr", ":3001", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "aprs-mock")
	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, newRouter(newStore())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("encode error", "error", err)
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration", time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
