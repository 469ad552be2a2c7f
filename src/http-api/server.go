package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-perfmon/src/comprehensive"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	"github.com/newrelic/nri-perfmon/src/utils"
)

// PerformanceService is the read and admin surface behind the routes.
type PerformanceService interface {
	Generate(ctx context.Context) comprehensive.Snapshot
	OptimizationImpact(ctx context.Context) comprehensive.OptimizationImpact
	Alerts() []datamodels.PerformanceAlert
	Realtime(ctx context.Context) comprehensive.Realtime
	DatabaseDetailed(ctx context.Context, windowHours int) (comprehensive.DatabaseDetailed, error)
	APIDetailed(window time.Duration) (comprehensive.APIDetailed, error)
	ClearAll(ctx context.Context) error
	ResolveAlert(id string) error
}

type QueryTracker interface {
	TrackQuery(ctx context.Context, queryType, rawQuery string, executionTimeMs float64, affectedRows *int64, cacheHit bool)
}

type RequestTracker interface {
	Track(endpoint, method string, responseTimeMs float64, statusCode int, cacheHit bool, userID string) error
}

type Dependencies struct {
	Service  PerformanceService
	Queries  QueryTracker
	Requests RequestTracker
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	App     *newrelic.Application
	Clock   func() time.Time
}

// Server exposes the performance routes.
type Server struct {
	cfg        utils.HTTPConfig
	deps       Dependencies
	router     *mux.Router
	httpServer *http.Server
	now        func() time.Time
}

func NewServer(cfg utils.HTTPConfig, deps Dependencies) *Server {
	if cfg.RoutePrefix == "" {
		cfg.RoutePrefix = constants.DefaultRoutePrefix
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = constants.DefaultListenAddr
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		now:    deps.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware, s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix(strings.TrimSuffix(s.cfg.RoutePrefix, "/")).Subrouter()
	api.Use(s.authMiddleware, s.bodyLimitMiddleware)

	s.handle(api, "/comprehensive", s.handleComprehensive, http.MethodGet)
	s.handle(api, "/optimization-impact", s.handleOptimizationImpact, http.MethodGet)
	s.handle(api, "/alerts", s.handleAlerts, http.MethodGet)
	s.handle(api, "/realtime", s.handleRealtime, http.MethodGet)
	s.handle(api, "/database/detailed", s.handleDatabaseDetailed, http.MethodGet)
	s.handle(api, "/api/detailed", s.handleAPIDetailed, http.MethodGet)
	s.handle(api, "/track-query", s.handleTrackQuery, http.MethodPost)
	s.handle(api, "/track-api", s.handleTrackAPI, http.MethodPost)
	s.handle(api, "/clear-cache", s.handleClearCache, http.MethodPost)
	s.handle(api, "/alerts/{alertId}/resolve", s.handleResolveAlert, http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusNotFound, "Not found", nil)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})
}

// handle registers a route, wrapped in a New Relic transaction when an application is configured.
func (s *Server) handle(r *mux.Router, path string, h http.HandlerFunc, method string) {
	_, wrapped := newrelic.WrapHandleFunc(s.deps.App, method+" "+s.cfg.RoutePrefix+path, h)
	r.HandleFunc(path, wrapped).Methods(method)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails. It returns once the listener is bound or failed to bind.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Performance API listening on %s%s", s.cfg.ListenAddr, s.cfg.RoutePrefix)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
