// Package server implements the bleepfiles HTTP server: a chi router with a
// huma API for the JSON endpoints, raw routes for content streams, and the
// system endpoints.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/bleepfiles/internal/config"
	"github.com/bleepstore/bleepfiles/internal/handlers"
	"github.com/bleepstore/bleepfiles/internal/service"
)

// healthTimeout bounds the component checks of one health request.
const healthTimeout = 5 * time.Second

// Server is the bleepfiles HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	files      *service.FileService
	httpServer *http.Server
}

// HealthCheck is the outcome of one component check.
type HealthCheck struct {
	Status string `json:"status" example:"ok"`
	Error  string `json:"error,omitempty"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]HealthCheck `json:"checks,omitempty" doc:"Per-component results"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// New creates a Server for the given file service and wires up all routes
// on the Chi router with Huma API.
func New(cfg *config.Config, files *service.FileService) (*Server, error) {
	if files == nil {
		return nil, errors.New("server: file service is required")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("bleepfiles API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		files:  files,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> requestLogger -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = requestLogger(handler)
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. The http.Server is stored so it can be
// shut down gracefully.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the server and, when enabled, of the metadata store and storage backend.",
		Tags:        []string{"System"},
	}, s.health)

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	handlers.Register(s.api, s.router, s.files, s.cfg.Server.BaseURL)
}

func (s *Server) health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}
	if !s.cfg.Observability.HealthCheck {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	out.Body.Checks = make(map[string]HealthCheck)
	for name, err := range s.files.HealthChecks(ctx) {
		if err != nil {
			out.Body.Checks[name] = HealthCheck{Status: "error", Error: err.Error()}
			out.Body.Status = "degraded"
			out.Status = http.StatusServiceUnavailable
			continue
		}
		out.Body.Checks[name] = HealthCheck{Status: "ok"}
	}
	return out, nil
}
