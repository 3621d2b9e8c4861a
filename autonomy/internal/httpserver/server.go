package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zettelhub/platform/autonomy/internal/auth"
	"github.com/zettelhub/platform/autonomy/internal/config"
	"github.com/zettelhub/platform/autonomy/internal/gatekeeper"
	"github.com/zettelhub/platform/autonomy/internal/metrics"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/store"
)

const (
	codeBadRequest = "AUTONOMY_BAD_REQUEST"
	codeNotFound   = "AUTONOMY_NOT_FOUND"
	codeInternal   = "AUTONOMY_INTERNAL"
	codeAuth       = "AUTONOMY_AUTH"
	codeForbidden  = "AUTONOMY_FORBIDDEN"
)

// Gatekeeper is the decision engine as seen by the API.
type Gatekeeper interface {
	Decide(ctx context.Context, req gatekeeper.Request) gatekeeper.Result
	DefaultPolicy() models.Policy
	DefaultProfile() models.AttentionProfile
}

// Runner executes a workflow synchronously for the test route.
type Runner interface {
	Execute(ctx context.Context, wf models.Workflow, ec models.ExecutionContext) (models.Execution, error)
}

// CacheInvalidator drops cached policy and profile entries after writes.
type CacheInvalidator interface {
	InvalidatePolicy(ctx context.Context, tenantID string) error
	InvalidateProfile(ctx context.Context, actorID string) error
}

type Options struct {
	Cache   CacheInvalidator
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg      config.Config
	db       store.Store
	gate     Gatekeeper
	runner   Runner
	verifier *auth.Verifier
	cache    CacheInvalidator
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg config.Config, db store.Store, gate Gatekeeper, runner Runner, verifier *auth.Verifier, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		db:       db,
		gate:     gate,
		runner:   runner,
		verifier: verifier,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "http"),
		now:      time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	authenticate := s.verifier.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		respondError(w, http.StatusUnauthorized, codeAuth, err.Error())
	})

	r.Route("/gatekeeper", func(r chi.Router) {
		r.Use(authenticate)
		r.Post("/test", s.handleTestDecision)
		r.Get("/logs", s.handleListDecisions)
		r.Get("/pending-actions", s.handlePendingActions)
		r.Get("/profile", s.handleGetProfile)
		r.Patch("/profile", s.handlePatchProfile)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(auth.Principal.IsAdmin))
			r.Get("/policy", s.handleGetPolicy)
			r.Patch("/policy", s.handlePatchPolicy)
		})
	})

	r.Route("/automations", func(r chi.Router) {
		r.Use(authenticate)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Get("/workflows/{id}/executions", s.handleListExecutions)
		r.Get("/workflows/{id}/stats", s.handleWorkflowStats)
		r.Get("/executions/{id}/logs", s.handleExecutionLogs)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(canManageWorkflows))
			r.Post("/workflows", s.handleCreateWorkflow)
			r.Put("/workflows/{id}", s.handleUpdateWorkflow)
			r.Delete("/workflows/{id}", s.handleDeleteWorkflow)
			r.Post("/workflows/{id}/activate", s.handleActivateWorkflow)
			r.Post("/workflows/{id}/pause", s.handlePauseWorkflow)
			r.Post("/workflows/{id}/test", s.handleTestWorkflow)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": s.now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func canManageWorkflows(p auth.Principal) bool {
	return p.IsAdmin() || p.Role == models.RoleSupervisor
}

func requireRole(allowed func(auth.Principal) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok || !allowed(p) {
				respondError(w, http.StatusForbidden, codeForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// queryInt parses a non-negative integer query parameter, returning fallback
// when it is absent.
func queryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return decodeJSON(w, r, v, int64(s.cfg.MaxBodyBytes))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	respondError(w, http.StatusInternalServerError, codeInternal, msg)
}
