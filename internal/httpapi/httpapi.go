// Package httpapi wires the HTTP-facing surfaces — auth, webhooks, the
// event stream, and the operator action endpoint — onto a single mux. It
// owns no domain logic of its own: every handler decodes a request,
// delegates to operator/auth/webhook/sse, and maps the result back to a
// status code via apperr.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/apperr"
	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/metrics"
	"github.com/conductor-sh/conductor/internal/operator"
	"github.com/conductor-sh/conductor/internal/sse"
	"github.com/conductor-sh/conductor/internal/store"
	"github.com/conductor-sh/conductor/internal/webhook"
)

// Server holds the dependencies every handler delegates to.
type Server struct {
	store      *store.Store
	dispatcher *operator.Dispatcher
	auth       *auth.Provider
	stream     *sse.Handler
	webhooks   *webhook.Receiver
	log        *zap.Logger
}

// New builds a Server. Any dependency left nil has its routes omitted
// from Mux, so a binary that doesn't need (say) the webhook receiver can
// still build a working mux for its own surface.
func New(s *store.Store, dispatcher *operator.Dispatcher, authProvider *auth.Provider, stream *sse.Handler,
	webhooks *webhook.Receiver, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: s, dispatcher: dispatcher, auth: authProvider, stream: stream, webhooks: webhooks, log: log.Named("httpapi")}
}

// Mux builds the route table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", metrics.Handler())

	if s.auth != nil {
		mux.HandleFunc("GET /auth/login", s.auth.HandleLogin)
		mux.HandleFunc("GET /auth/callback", s.auth.HandleCallback)
		mux.HandleFunc("GET /auth/installation", s.auth.HandleInstallation)
		mux.HandleFunc("POST /auth/logout", s.auth.Logout)
	}
	if s.webhooks != nil {
		mux.HandleFunc("POST /webhooks/forge", s.webhooks.ServeHTTP)
	}
	if s.stream != nil {
		mux.HandleFunc("GET /events/stream", s.stream.ServeHTTP)
	}

	if s.dispatcher != nil {
		mux.HandleFunc("GET /api/projects", s.requireUser(s.handleListProjects))
		mux.HandleFunc("GET /api/projects/{id}/runs", s.requireUser(s.handleRunsAwaitingGates))
		mux.HandleFunc("GET /api/runs/{id}", s.requireUser(s.handleGetRun))
		mux.HandleFunc("POST /api/runs/{id}/actions", s.requireUser(s.handleRunAction))
	}

	return mux
}

type userIDKey struct{}

// requireUser resolves the session before delegating to next, writing 401
// on any failure. The resolved user id is threaded through the request
// context rather than a handler signature change, so handlers keep the
// plain http.HandlerFunc shape the mux expects.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.UserIDFromRequest(r)
		if err != nil || userID == "" {
			writeErr(w, apperr.AuthRequired("requireUser", "login required"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	db, err := s.store.DB()
	if err != nil {
		writeErr(w, apperr.Internal("listProjects", "open store", err))
		return
	}
	projects, err := store.ListProjectsByUser(r.Context(), db, userIDFrom(r))
	if err != nil {
		writeErr(w, apperr.Internal("listProjects", "query projects", err))
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleRunsAwaitingGates(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if err := s.assertProjectOwnership(r, projectID); err != nil {
		writeErr(w, err)
		return
	}
	db, err := s.store.DB()
	if err != nil {
		writeErr(w, apperr.Internal("listRuns", "open store", err))
		return
	}
	runs, err := store.ListRunsAwaitingGates(r.Context(), db, projectID)
	if err != nil {
		writeErr(w, apperr.Internal("listRuns", "query runs", err))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	db, err := s.store.DB()
	if err != nil {
		writeErr(w, apperr.Internal("getRun", "open store", err))
		return
	}
	run, err := store.GetRun(r.Context(), db, r.PathValue("id"))
	if err != nil {
		writeErr(w, apperr.NotFound("getRun", "run not found"))
		return
	}
	if err := s.assertProjectOwnership(r, run.ProjectID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// assertProjectOwnership rejects access to a project the caller's user
// does not own. Collapses to NotFound rather than PermissionDenied so a
// probing client can't distinguish "doesn't exist" from "not yours".
func (s *Server) assertProjectOwnership(r *http.Request, projectID string) error {
	db, err := s.store.DB()
	if err != nil {
		return apperr.Internal("assertProjectOwnership", "open store", err)
	}
	project, err := store.GetProject(r.Context(), db, projectID)
	if err != nil {
		return apperr.NotFound("assertProjectOwnership", "project not found")
	}
	if project.UserID != userIDFrom(r) {
		return apperr.NotFound("assertProjectOwnership", "project not found")
	}
	return nil
}

type runActionRequest struct {
	Kind          string `json:"kind"`
	Comment       string `json:"comment,omitempty"`
	Justification string `json:"justification,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

// handleRunAction is the single POST /api/runs/{id}/actions endpoint
// dispatching all seven operator actions by Kind, per §4.9.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	actorID := userIDFrom(r)

	var req runActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("handleRunAction", "invalid JSON body"))
		return
	}

	var (
		run *store.Run
		err error
	)
	switch operator.Kind(req.Kind) {
	case operator.ApprovePlan:
		run, err = s.dispatcher.ApprovePlan(r.Context(), runID, actorID)
	case operator.RevisePlan:
		run, err = s.dispatcher.RevisePlan(r.Context(), runID, actorID, req.Comment)
	case operator.RejectRun:
		run, err = s.dispatcher.RejectRun(r.Context(), runID, actorID, req.Comment)
	case operator.Retry:
		err = s.dispatcher.Retry(r.Context(), runID, actorID)
	case operator.GrantPolicyException:
		run, err = s.dispatcher.GrantPolicyException(r.Context(), runID, actorID, req.Justification, store.OverrideScope(req.Scope))
	case operator.DenyPolicyException:
		run, err = s.dispatcher.DenyPolicyException(r.Context(), runID, actorID, req.Comment)
	case operator.Cancel:
		err = s.dispatcher.Cancel(r.Context(), runID, actorID)
	default:
		writeErr(w, apperr.Validation("handleRunAction", "unknown action kind"))
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if run != nil {
		writeJSON(w, http.StatusOK, run)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
