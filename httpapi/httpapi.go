// CLAUDE:SUMMARY Admin HTTP API — chi router with selector CRUD, resolve triggers, reliability/drift/evolution endpoints, and the health page.
// Package httpapi serves the admin surface of the resolution engine: selector
// CRUD, resolve triggers, reliability and drift inspection, evolution runs,
// pin management, snapshots, the event trace, and an HTML health page.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/domresolve"
	"github.com/hazyhaar/domresolve/scope"
	"github.com/hazyhaar/domresolve/selector"
	"github.com/hazyhaar/domresolve/snapshot"
)

// Server carries the HTTP handlers over one engine.
type Server struct {
	eng    *domresolve.Engine
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server over eng.
func New(eng *domresolve.Engine, opts ...Option) *Server {
	s := &Server{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds a chi router with the standard middleware and every route
// registered.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP registers the admin routes on an existing router.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", s.handleHealthz)
	r.Get("/health", s.handleHealthPage)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/resolve", s.handleResolveMany)

		r.Get("/selectors", s.handleListSelectors)
		r.Post("/selectors", s.handleUpsertSelector)
		r.Route("/selectors/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetSelector)
			r.Delete("/", s.handleDeleteSelector)
			r.Get("/history", s.handleSelectorHistory)
			r.Post("/resolve", s.handleResolve)
			r.Get("/outcomes", s.handleOutcomes)
			r.Get("/reliability", s.handleReliability)
			r.Get("/drift", s.handleDriftReports)
			r.Post("/drift", s.handleAnalyzeDrift)
			r.Post("/evolve", s.handleEvolve)
			r.Post("/strategies/{strategy}/pin", s.handlePin)
			r.Post("/strategies/{strategy}/disable", s.handleDisable)
		})

		r.Get("/scopes", s.handleScopes)
		r.Post("/scopes/{name}/invalidate", s.handleInvalidateScope)

		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/snapshots/{id}", s.handleSnapshot)
		r.Get("/events", s.handleEvents)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("httpapi: response encode failed", "error", err)
	}
}

// error maps domain error types onto HTTP statuses.
func (s *Server) error(w http.ResponseWriter, err error) {
	var (
		selNF    *selector.ErrNotFound
		stratNF  *selector.ErrStrategyNotFound
		snapNF   *snapshot.ErrNotFound
		scopeNF  *scope.ErrUnknown
		selInv   *selector.ErrInvalid
		scopeInv *scope.ErrInvalid
		pinned   *selector.ErrStrategyPinned
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &selNF), errors.As(err, &stratNF),
		errors.As(err, &snapNF), errors.As(err, &scopeNF):
		status = http.StatusNotFound
	case errors.As(err, &selInv), errors.As(err, &scopeInv):
		status = http.StatusBadRequest
	case errors.As(err, &pinned):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Stats(r.Context())
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// GET /api/v1/selectors
func (s *Server) handleListSelectors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.eng.ListSelectors())
}

// POST /api/v1/selectors
func (s *Server) handleUpsertSelector(w http.ResponseWriter, r *http.Request) {
	var sel selector.SemanticSelector
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.eng.AddSelector(r.Context(), &sel); err != nil {
		s.error(w, err)
		return
	}
	stored, err := s.eng.GetSelector(sel.Name)
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

// GET /api/v1/selectors/{name}
func (s *Server) handleGetSelector(w http.ResponseWriter, r *http.Request) {
	sel, err := s.eng.GetSelector(chi.URLParam(r, "name"))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sel)
}

// DELETE /api/v1/selectors/{name}
func (s *Server) handleDeleteSelector(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.DeleteSelector(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/selectors/{name}/history?limit=
func (s *Server) handleSelectorHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.eng.SelectorHistory(r.Context(), chi.URLParam(r, "name"), queryInt(r, "limit", 20))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hist)
}

// POST /api/v1/selectors/{name}/resolve?scope=
//
// A completed resolution is a 200 even when it failed to locate a node; the
// outcome carries the failure reason. Errors are reserved for precondition
// faults (unknown selector or scope).
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var (
		out any
		err error
	)
	if scopeName := r.URL.Query().Get("scope"); scopeName != "" {
		out, err = s.eng.ResolveIn(r.Context(), name, scopeName)
	} else {
		out, err = s.eng.Resolve(r.Context(), name)
	}
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

type resolveManyRequest struct {
	Selectors []string `json:"selectors"`
	Scope     string   `json:"scope"`
}

// POST /api/v1/resolve
func (s *Server) handleResolveMany(w http.ResponseWriter, r *http.Request) {
	var req resolveManyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Selectors) == 0 || req.Scope == "" {
		http.Error(w, "selectors and scope required", http.StatusBadRequest)
		return
	}
	outs, err := s.eng.ResolveMany(r.Context(), req.Selectors, req.Scope)
	resp := map[string]any{"outcomes": outs}
	if err != nil {
		resp["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/selectors/{name}/outcomes?limit=
func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	outs, err := s.eng.Outcomes(r.Context(), chi.URLParam(r, "name"), queryInt(r, "limit", 20))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outs)
}

// GET /api/v1/selectors/{name}/reliability
func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	recs, err := s.eng.Reliability(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

// GET /api/v1/selectors/{name}/drift?limit=
func (s *Server) handleDriftReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.eng.DriftReports(r.Context(), chi.URLParam(r, "name"), queryInt(r, "limit", 20))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reports)
}

// POST /api/v1/selectors/{name}/drift
func (s *Server) handleAnalyzeDrift(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.AnalyzeDrift(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// POST /api/v1/selectors/{name}/evolve
func (s *Server) handleEvolve(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.Evolve(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type pinRequest struct {
	Pinned bool   `json:"pinned"`
	Actor  string `json:"actor"`
}

// POST /api/v1/selectors/{name}/strategies/{strategy}/pin
func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	name := chi.URLParam(r, "name")
	if err := s.eng.PinStrategy(r.Context(), name, chi.URLParam(r, "strategy"), req.Pinned, req.Actor); err != nil {
		s.error(w, err)
		return
	}
	sel, err := s.eng.GetSelector(name)
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sel)
}

type disableRequest struct {
	Disabled bool   `json:"disabled"`
	Actor    string `json:"actor"`
}

// POST /api/v1/selectors/{name}/strategies/{strategy}/disable
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	var req disableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	name := chi.URLParam(r, "name")
	if err := s.eng.SetStrategyDisabled(r.Context(), name, chi.URLParam(r, "strategy"), req.Disabled, req.Actor); err != nil {
		s.error(w, err)
		return
	}
	sel, err := s.eng.GetSelector(name)
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sel)
}

type scopeInfo struct {
	Name  string      `json:"name"`
	State scope.State `json:"state"`
}

// GET /api/v1/scopes
func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	names := s.eng.ScopeNames()
	infos := make([]scopeInfo, 0, len(names))
	for _, name := range names {
		state, err := s.eng.ScopeState(name)
		if err != nil {
			continue
		}
		infos = append(infos, scopeInfo{Name: name, State: state})
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// POST /api/v1/scopes/{name}/invalidate
func (s *Server) handleInvalidateScope(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.InvalidateScope(chi.URLParam(r, "name")); err != nil {
		s.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/snapshots?selector=&limit=
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.eng.Snapshots(r.Context(), r.URL.Query().Get("selector"), queryInt(r, "limit", 20))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

// GET /api/v1/snapshots/{id}
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.eng.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// GET /api/v1/events?correlation_id= or ?kind=&limit=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if corrID := r.URL.Query().Get("correlation_id"); corrID != "" {
		evs, err := s.eng.Events(r.Context(), corrID)
		if err != nil {
			s.error(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, evs)
		return
	}
	evs, err := s.eng.RecentEvents(r.Context(), r.URL.Query().Get("kind"), queryInt(r, "limit", 50))
	if err != nil {
		s.error(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, evs)
}
