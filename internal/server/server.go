// Package server wires together all preflight subsystems and exposes
// the HTTP surface. main() builds a Server, calls ListenAndServe, done.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/marcus-qen/preflightd/internal/alerting"
	"github.com/marcus-qen/preflightd/internal/analytics"
	"github.com/marcus-qen/preflightd/internal/artifacts"
	"github.com/marcus-qen/preflightd/internal/config"
	"github.com/marcus-qen/preflightd/internal/dispatch"
	"github.com/marcus-qen/preflightd/internal/outbox"
	"github.com/marcus-qen/preflightd/internal/registry"
	"github.com/marcus-qen/preflightd/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// AuthFunc guards a handler. The default allows everything; deployments
// inject their own gate.
type AuthFunc func(http.HandlerFunc) http.HandlerFunc

// Server is the assembled preflight service.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	registry   *registry.Store
	gateway    *artifacts.Gateway
	engine     *alerting.Engine
	outbox     *outbox.Store
	ledger     *dispatch.Ledger
	dispatcher *dispatch.Dispatcher
	analytics  *analytics.Service
	leases     *scheduler.LeaseStore
	source     alerting.PolicySource

	promRegistry *prometheus.Registry
	auth         AuthFunc

	httpServer *http.Server
}

// Deps carries the constructor-injected subsystems.
type Deps struct {
	Registry     *registry.Store
	Gateway      *artifacts.Gateway
	Engine       *alerting.Engine
	Outbox       *outbox.Store
	Ledger       *dispatch.Ledger
	Dispatcher   *dispatch.Dispatcher
	Analytics    *analytics.Service
	Leases       *scheduler.LeaseStore
	Source       alerting.PolicySource
	PromRegistry *prometheus.Registry
	Auth         AuthFunc
}

// New assembles the server.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := deps.Auth
	if auth == nil {
		auth = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}
	return &Server{
		cfg:          cfg,
		logger:       logger,
		registry:     deps.Registry,
		gateway:      deps.Gateway,
		engine:       deps.Engine,
		outbox:       deps.Outbox,
		ledger:       deps.Ledger,
		dispatcher:   deps.Dispatcher,
		analytics:    deps.Analytics,
		leases:       deps.Leases,
		source:       deps.Source,
		promRegistry: deps.PromRegistry,
		auth:         auth,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.logRequests(mux)
}

// ListenAndServe starts the HTTP server and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// metricsHandler serves the Prometheus exposition from the custom
// registry. Auth applies unless the demo bypass is configured.
func (s *Server) metricsHandler() http.HandlerFunc {
	h := promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}).ServeHTTP
	if s.cfg.MetricsAuthDisabled {
		return h
	}
	return s.auth(h)
}
