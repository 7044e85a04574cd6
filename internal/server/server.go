// Package server exposes a Connector over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/alioygur/gores"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobeaver/volumekit"
	"github.com/gobeaver/volumekit/internal/inspect"
	"github.com/gobeaver/volumekit/internal/logging"
	"github.com/gobeaver/volumekit/metrics"
	"go.uber.org/zap"
)

// Server routes connector requests and operational endpoints.
type Server struct {
	connector *volumekit.Connector
	config    volumekit.BuilderConfig
	logger    *zap.Logger
}

// New creates a server answering every connector request with roots built
// from cfg.
func New(connector *volumekit.Connector, cfg volumekit.BuilderConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		connector: connector,
		config:    cfg,
		logger:    logger,
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(logging.Middleware(s.logger))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", s.routeGetHealth)
	rtr.Handle("/metrics", metrics.Handler())
	rtr.HandleFunc("/connector", s.routeConnector)
	return rtr
}

func (s *Server) routeGetHealth(w http.ResponseWriter, r *http.Request) {
	gores.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) routeConnector(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	resp, err := s.connector.Handle(r.Context(), s.config, r)
	if err != nil {
		status := StatusFor(err)
		metrics.RecordConnectorRequest(status, time.Since(start))
		if status >= http.StatusInternalServerError {
			logging.FromContext(r.Context()).Error("connector request failed", zap.Error(err))
		}
		gores.Error(w, status, err.Error())
		return
	}

	metrics.RecordConnectorRequest(http.StatusOK, time.Since(start))
	gores.JSON(w, http.StatusOK, resp)
}

// StatusFor maps connector errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, inspect.ErrUnknownCommand):
		return http.StatusBadRequest
	case volumekit.IsNotExist(err), errors.Is(err, volumekit.ErrMountNotFound):
		return http.StatusNotFound
	case volumekit.IsPermission(err), volumekit.IsLocked(err), errors.Is(err, volumekit.ErrNotAllowed):
		return http.StatusForbidden
	case volumekit.IsTimeout(err):
		return http.StatusGatewayTimeout
	case volumekit.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
