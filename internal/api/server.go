package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/fleet-agent/internal/auth"
	"github.com/mattjoyce/fleet-agent/internal/credentials"
	"github.com/mattjoyce/fleet-agent/internal/execution"
	"github.com/mattjoyce/fleet-agent/internal/state"
)

// Executions defines the execution engine operations the API exposes.
type Executions interface {
	Get(ctx context.Context, id string) (*state.Record, error)
	List(ctx context.Context) ([]execution.Summary, error)
	UpdateStatus(ctx context.Context, id string, status state.Status, message string, details map[string]any) error
	Complete(ctx context.Context, id string) error
}

// CredentialIssuer issues scoped storage credentials for one execution.
type CredentialIssuer interface {
	Issue(ctx context.Context, rec *state.Record) (credentials.Credentials, error)
}

// TokenValidator checks an execution token against the execution in the path.
type TokenValidator interface {
	Validate(token, executionID string) (auth.Claims, error)
}

// ChannelState reports whether the control channel is up.
type ChannelState interface {
	IsOpen() bool
}

// Config holds API server configuration
type Config struct {
	Listen        string
	AgentEndpoint string
	AgentID       string
	AgentVersion  string
}

// Deps are the collaborators the server calls into. Channel may be nil.
type Deps struct {
	Executions  Executions
	Credentials CredentialIssuer
	Tokens      TokenValidator
	Channel     ChannelState
	Logger      *slog.Logger
}

// Server represents the local callback HTTP server
type Server struct {
	config    Config
	execs     Executions
	creds     CredentialIssuer
	tokens    TokenValidator
	channel   ChannelState
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		execs:     deps.Executions,
		creds:     deps.Credentials,
		tokens:    deps.Tokens,
		channel:   deps.Channel,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start binds the listener and serves until ctx is cancelled. Bind errors
// are returned before any request is served.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String(), "endpoint", s.config.AgentEndpoint)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated operator endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/info", s.handleInfo)
	r.Get("/executions", s.handleListExecutions)

	// Job callbacks, each bound to the execution in the path.
	r.Route("/executions/{executionID}", func(r chi.Router) {
		r.Use(s.executionAuth)
		r.Post("/s3-token", s.handleS3Token)
		r.Put("/status", s.handleUpdateStatus)
		r.Post("/complete", s.handleComplete)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
