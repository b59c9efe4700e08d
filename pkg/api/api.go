package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/dispatcher"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/readiness"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/warehouse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the operational HTTP surface lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Handler returns the router without binding a listener.
	Handler() http.Handler
}

// TenantLister lists tenants eligible for work.
type TenantLister interface {
	ListEligibleTenants(ctx context.Context) ([]warehouse.Tenant, error)
}

// Dependencies are the read models behind the surface. Dispatcher,
// Reconciler, Tenants and Gatherer are optional.
type Dependencies struct {
	Registry   registry.Store
	Readiness  readiness.Classifier
	Reconciler registry.Reconciler
	Dispatcher dispatcher.Dispatcher
	Tenants    TenantLister
	Gatherer   prometheus.Gatherer
	ModelNames []string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	deps       Dependencies
	router     http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	deps Dependencies,
) Server {
	s := &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		deps: deps,
		done: make(chan struct{}),
	}

	s.router = s.buildRouter()

	return s
}

func (s *server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
