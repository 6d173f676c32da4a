// Package httpapi implements the external HTTP surface (§6): schedule
// management, manual job triggers, run listing, admin force-timeout, and
// the health/sweeper-status endpoints.
//
// Grounded on integrations/loyverse/cmd/main.go's router setup: a
// gorilla/mux root router, a plain "/health" route, and an "/admin"
// subrouter with a token middleware. Handlers here write JSON by hand the
// same way, rather than reaching for a framework response helper the
// teacher never used.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
	"github.com/psdigitalweb/wb-automation-sub000/internal/store"
)

// Deps are the dependencies the router closes over. No module-level
// singletons (§9): every handler reaches these through the Server value.
type Deps struct {
	DB       *sqlx.DB
	Store    *store.Store
	Orch     *orchestrator.Orchestrator
	Registry *registry.Registry
	Sweeper  *orchestrator.Sweeper
	Log      *logrus.Logger

	AdminToken string
}

type Server struct {
	deps   Deps
	Router *mux.Router
}

// New builds the router. It does not start listening; cmd/ingestd wraps
// Router in an http.Server and owns the listen/shutdown lifecycle.
func New(deps Deps) *Server {
	s := &Server{deps: deps, Router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	s.Router.HandleFunc("/projects/{project_id}/ingest/schedules", s.handleCreateSchedule).Methods(http.MethodPost)
	s.Router.HandleFunc("/ingest/schedules/{id}/run", s.handleRunSchedule).Methods(http.MethodPost)
	s.Router.HandleFunc("/projects/{project_id}/ingestions/wb/{job_code}/run", s.handleManualRun).Methods(http.MethodPost)
	s.Router.HandleFunc("/projects/{project_id}/ingest/runs", s.handleListRuns).Methods(http.MethodGet)
	s.Router.HandleFunc("/projects/{project_id}/ingest/runs/{run_id}/mark-timeout", s.handleMarkTimeout).Methods(http.MethodPost)

	adminRouter := s.Router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(authMiddleware(s.deps.AdminToken))
	adminRouter.HandleFunc("/sweeper/status", s.handleSweeperStatus).Methods(http.MethodGet)
}

// authMiddleware checks for the admin token, same shape as the teacher's.
func authMiddleware(adminToken string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if token == "" || token != adminToken {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// A write-side encode failure means the response is already partially
	// flushed; there is nothing left to do but drop it, same as the
	// teacher's /admin/sync/status handler.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// handleHealthz is not tenant-scoped: a bare DB ping (§6).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.deps.DB.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_unreachable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSweeperStatus reports the last completed sweep's time and count,
// grounded on the teacher's own /admin/sync/status endpoint.
func (s *Server) handleSweeperStatus(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Sweeper.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_swept_at": status.LastSweptAt,
		"last_swept_n":  status.LastSweptN,
	})
}
