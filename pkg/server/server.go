package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/a2abridge/pkg/activity"
	"github.com/kadirpekel/a2abridge/pkg/auth"
	"github.com/kadirpekel/a2abridge/pkg/bridge"
	"github.com/kadirpekel/a2abridge/pkg/config"
	"github.com/kadirpekel/a2abridge/pkg/delegation"
	"github.com/kadirpekel/a2abridge/pkg/observability"
)

// Options are the server's collaborators. Bridge is required; the rest are
// optional and disable their routes or middleware when nil.
type Options struct {
	Config    *config.Config
	Bridge    *bridge.Handler
	Delegator *delegation.Delegator
	Recorder  *activity.Recorder
	Validator auth.TokenValidator
	Metrics   *observability.Metrics
	Version   string
}

// Server is the bridge's HTTP server.
type Server struct {
	cfg    *config.Config
	opts   Options
	card   *a2a.AgentCard
	router chi.Router
	server *http.Server
}

// New builds the router. It does not listen.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Bridge == nil {
		return nil, errors.New("bridge handler is required")
	}
	s := &Server{cfg: opts.Config, opts: opts}
	s.card = buildAgentCard(opts.Config, opts.Version, opts.Validator != nil)
	s.router = s.routes()
	return s, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Card returns the bridge's own agent card.
func (s *Server) Card() *a2a.AgentCard {
	return s.card
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("HTTP server starting", "address", ln.Addr().String(), "public_url", s.cfg.Server.PublicURL)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

// routes assembles the middleware chain (observability, recovery, logging,
// auth) and the route table.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	if s.opts.Metrics != nil {
		r.Use(observability.HTTPMiddleware(s.opts.Metrics))
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)

	if s.opts.Validator != nil {
		excluded := append([]string{s.metricsPath()}, s.cfg.Auth.ExcludedPaths...)
		r.Use(auth.Middleware(s.opts.Validator, excluded...))
		slog.Info("Authentication enabled", "excluded_paths", append(append([]string(nil), auth.PublicPaths...), excluded...))
	}

	r.Get("/health", s.handleHealth)
	r.Get(WellKnownCardPath, s.handleCard)
	r.Get(a2aWellKnownCardPath, s.handleCard)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, s.metricsPath(), observability.Handler(s.opts.Metrics))
	}

	r.Method(http.MethodPost, "/", s.opts.Bridge)
	r.Method(http.MethodPost, "/rpc", s.opts.Bridge)

	r.Route("/api", func(r chi.Router) {
		r.Get("/activity", s.handleActivity)
		if s.opts.Delegator != nil {
			r.Get("/agents", s.handleAgents)
			r.Post("/delegate/{alias}", s.handleDelegate)
		}
	})
	return r
}

func (s *Server) metricsPath() string {
	if p := s.cfg.Observability.Metrics.Endpoint; p != "" {
		return p
	}
	return "/metrics"
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// The writer is not wrapped so SSE keeps its http.Flusher.
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}
