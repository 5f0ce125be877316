// Package gateway is the HTTP and WebSocket surface: task submission
// and lifecycle endpoints, interactive input relay, and live output
// streaming.
package gateway

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentflow/runner/internal/auth"
	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/config"
	"github.com/agentflow/runner/internal/db"
	"github.com/agentflow/runner/internal/scheduler"
	"github.com/agentflow/runner/internal/storage"
)

// Server serves the task API.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *db.Client
	bus       *bus.Bus
	objects   *storage.Local
	scheduler *scheduler.Scheduler
	authSvc   *auth.Service
	authMW    *auth.Middleware
	wsTracker *wsTracker

	httpServer *http.Server
}

// New wires the gateway.
func New(cfg *config.Config, store *db.Client, b *bus.Bus, objects *storage.Local, sched *scheduler.Scheduler, authSvc *auth.Service, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		bus:       b,
		objects:   objects,
		scheduler: sched,
		authSvc:   authSvc,
		authMW:    auth.NewMiddleware(authSvc, cfg.SkipAuth),
		wsTracker: newWSTracker(cfg.WSClientsPerTask),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	public := func(route string, h http.HandlerFunc) http.Handler {
		return observeMiddleware(s.logger, route, h)
	}
	protected := func(route string, h http.HandlerFunc) http.Handler {
		return observeMiddleware(s.logger, route, s.authMW.Handler(h))
	}

	mux.Handle("POST /auth/token", public("/auth/token", s.handleToken))
	mux.Handle("POST /tasks", protected("/tasks", s.handleSubmit))
	mux.Handle("GET /tasks", protected("/tasks", s.handleList))
	mux.Handle("GET /tasks/{id}", protected("/tasks/{id}", s.handleGet))
	mux.Handle("POST /tasks/{id}/cancel", protected("/tasks/{id}/cancel", s.handleCancel))
	mux.Handle("POST /tasks/{id}/input", protected("/tasks/{id}/input", s.handleInput))
	mux.Handle("GET /tasks/{id}/download", protected("/tasks/{id}/download", s.handleDownload))
	mux.Handle("DELETE /tasks/{id}", protected("/tasks/{id}", s.handleDelete))

	// The WebSocket route authenticates inside the handler: tokens may
	// arrive via subprotocol, cookie, or query parameter.
	mux.Handle("GET /ws/{id}", observeMiddleware(s.logger, "/ws/{id}", http.HandlerFunc(s.handleWS)))

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst)
	return chain(mux,
		recoveryMiddleware(s.logger),
		corsMiddleware(s.cfg.TrustedOrigins),
		rateLimitMiddleware(limiter),
	)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Gateway listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
