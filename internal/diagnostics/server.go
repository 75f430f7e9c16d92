// Package diagnostics exposes the opt-in debug-introspection HTTP server
// spec §6.1 describes: a snapshot of Lifecycle's internal state machine for
// an operator or test harness to poll, never required for normal operation.
// Routing follows the teacher's api.NewRouter/chi shape; response encoding
// follows its problem.go RFC 7807-flavored JSON writer, simplified to a
// single plain-JSON debug payload since there is no client-facing error
// surface to normalize here.
package diagnostics

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/syncstore/internal/lifecycle"
)

// StateProvider is the subset of Lifecycle the diagnostics server depends
// on. Defined here, not in lifecycle, so lifecycle stays free of any HTTP
// concern.
type StateProvider interface {
	DebugState() lifecycle.DebugState
}

// Server hosts the diagnostics HTTP endpoints.
type Server struct {
	lifecycle StateProvider
	verbose   bool
}

// New constructs a Server. verbose mirrors Config.Host.DiagnosticVerbose
// (spec §6.4) and, when set, includes the current user id in responses.
func New(lifecycle StateProvider, verbose bool) *Server {
	return &Server{lifecycle: lifecycle, verbose: verbose}
}

// Router builds the chi router for the diagnostics surface.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/debug/state", s.debugState)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) debugState(w http.ResponseWriter, r *http.Request) {
	state := s.lifecycle.DebugState()
	if !s.verbose {
		state.CurrentUser = ""
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		slog.Error("diagnostics: encode debug state failed", "error", err)
	}
}
