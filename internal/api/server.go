package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/snapsvc/internal/auth"
	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/dispatch"
	"github.com/mattjoyce/snapsvc/internal/events"
	"github.com/mattjoyce/snapsvc/internal/foreground"
	"github.com/mattjoyce/snapsvc/internal/forward"
)

// Dispatcher is the part of the dispatcher the API drives.
type Dispatcher interface {
	Submit(req component.Request)
	Bind(req component.Request, conn component.Connection) bool
	Unbind(conn component.Connection) bool
	StartForeground(key component.Key, id int, d foreground.Descriptor) bool
	StopForeground(key component.Key) bool
	Snapshot() (dispatch.Status, bool)
	CurrentDomain() component.Domain
	GenerateDeferredHandle(req component.Request) (*forward.Handle, error)
}

// DomainResolver picks the domain for a submit that names none.
type DomainResolver func(key component.Key) (component.Domain, bool)

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens, each optionally
	// limited to a set of worker key prefixes.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	hub        *events.Hub
	keys       *auth.Keyring
	domainFor  DomainResolver
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time

	mu    sync.Mutex
	conns map[string]*connection
}

// New creates a new API server instance. It fails if a configured token is
// invalid.
func New(config Config, d Dispatcher, hub *events.Hub, domainFor DomainResolver, logger *slog.Logger) (*Server, error) {
	keys, err := auth.NewKeyring(config.APIKey, config.Tokens)
	if err != nil {
		return nil, fmt.Errorf("api auth: %w", err)
	}
	if domainFor == nil {
		domainFor = func(component.Key) (component.Domain, bool) { return 0, false }
	}
	return &Server{
		config:     config,
		dispatcher: d,
		hub:        hub,
		keys:       keys,
		domainFor:  domainFor,
		logger:     logger,
		startedAt:  time.Now(),
		conns:      make(map[string]*connection),
	}, nil
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.dropConnections()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Keys may contain slashes, so they are matched with a trailing wildcard.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScope(auth.ScopeWorkWrite)).Post("/submit/*", s.handleSubmit)
		r.With(s.requireScope(auth.ScopeWorkWrite)).Post("/bind/*", s.handleBind)
		r.With(s.requireScope(auth.ScopeWorkWrite)).Delete("/connections/{connectionID}", s.handleUnbind)
		r.With(s.requireScope(auth.ScopeWorkRead)).Get("/connections", s.handleListConnections)
		r.With(s.requireScope(auth.ScopeWorkRead)).Get("/workers", s.handleWorkers)
		r.With(s.requireScope(auth.ScopeWorkWrite)).Post("/foreground/*", s.handleStartForeground)
		r.With(s.requireScope(auth.ScopeWorkWrite)).Delete("/foreground/*", s.handleStopForeground)
		r.With(s.requireScope(auth.ScopeWorkWrite)).Post("/handles/fire", s.handleFireHandle)
		r.With(s.requireScope(auth.ScopeEvents)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
