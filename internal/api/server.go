// Package api serves the daemon's local HTTP surface: push delivery from the
// native push shell, sign-in, call control and history, the telephony UI
// websocket and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
	"github.com/flowpbx/flowphone/internal/push"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// PushIntake handles VoIP push payloads.
type PushIntake interface {
	Handle(ctx context.Context, raw []byte, completion func()) push.Outcome
}

// TokenUpdater stores and registers a rotated push token.
type TokenUpdater interface {
	Update(ctx context.Context, token string) error
}

// Auth is the sign-in surface of the authentication gate.
type Auth interface {
	SignIn(ctx context.Context, creds auth.Credentials) (auth.Identity, error)
	SignOut(ctx context.Context) error
	Current() (auth.Identity, bool)
}

// Calls places, ends and lists calls.
type Calls interface {
	Dial(ctx context.Context, handle string, video bool) (call.Snapshot, error)
	End(ctx context.Context, id uuid.UUID) error
	Get(id uuid.UUID) (call.Snapshot, error)
	Live() []call.Snapshot
}

// CallHistory lists finished calls.
type CallHistory interface {
	List(ctx context.Context, filter database.CallLogFilter) ([]models.CallLog, int, error)
}

// Deps are the collaborators behind the routes. UI and Metrics are mounted
// as-is when non-nil.
type Deps struct {
	Push    PushIntake
	Tokens  TokenUpdater
	Auth    Auth
	Calls   Calls
	History CallHistory
	UI      http.Handler
	Metrics http.Handler

	// Registered and UIConnected feed the status endpoint.
	Registered  func() bool
	UIConnected func() bool
}

// Options configure the HTTP surface.
type Options struct {
	APIToken    string
	CORSOrigins []string
	StartTime   time.Time
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	deps   Deps
	opts   Options
	logger *slog.Logger

	limiter       *middleware.IPRateLimiter
	signInLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. Call Close to
// release the rate limiters.
func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	logger = logger.With("subsystem", "api")

	s := &Server{
		router:        chi.NewRouter(),
		deps:          deps,
		opts:          opts,
		logger:        logger,
		limiter:       middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), logger),
		signInLimiter: middleware.NewIPRateLimiter(middleware.SignInRateLimitConfig(), logger),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
	s.signInLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.CORS(s.opts.CORSOrigins))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.opts.APIToken, s.logger))

		if s.deps.UI != nil {
			r.Method(http.MethodGet, "/ui", s.deps.UI)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.SecurityHeaders)
			r.Use(middleware.RateLimit(s.limiter))

			r.Get("/status", s.handleStatus)

			r.Post("/push", s.handlePush)
			r.Post("/push-token", s.handlePushToken)

			r.Route("/auth", func(r chi.Router) {
				r.With(middleware.RateLimit(s.signInLimiter)).Post("/sign-in", s.handleSignIn)
				r.Post("/sign-out", s.handleSignOut)
				r.Get("/me", s.handleMe)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handleDial)
				r.Get("/history", s.handleCallHistory)
				r.Get("/{transportID}", s.handleGetCall)
				r.Post("/{transportID}/end", s.handleEndCall)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
