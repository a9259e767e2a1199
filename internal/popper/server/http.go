package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/registry"
	"github.com/msto63/popper/internal/popper/service"
	"github.com/msto63/popper/pkg/core/logging"
	"github.com/msto63/popper/pkg/core/version"
)

// Config holds HTTP server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	MetricsPath  string

	// TrustedProxies are the peers allowed to name the client through
	// X-Forwarded-For or X-Real-IP. Nil trusts nobody.
	TrustedProxies *TrustedProxies

	// Upstream receives requests outside the service routes once they pass
	// validation. Nil answers them with 404.
	Upstream http.Handler
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		MaxBodyBytes: 1 << 20,
		MetricsPath:  "/metrics",
	}
}

// Server is the HTTP front of the validation service
type Server struct {
	httpServer *http.Server
	svc        *service.Service
	logger     *logging.Logger
	config     Config
	listener   net.Listener
}

// New creates the HTTP server and its routes
func New(svc *service.Service, cfg Config, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("popper-http")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{svc: svc, logger: logger, config: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/validate", s.handleValidate)
	mux.HandleFunc("GET /api/v1/endpoints", s.handleEndpoints)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /health", svc.Health().Handler(5*time.Second))
	if hub := svc.Hub(); hub != nil {
		mux.Handle("GET /api/v1/stream", hub)
	}
	if g := svc.Gatherer(); g != nil {
		mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	upstream := cfg.Upstream
	if upstream == nil {
		upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no upstream for "+r.URL.Path, "")
		})
	}
	mux.Handle("/", Middleware(svc, cfg.MaxBodyBytes, cfg.TrustedProxies, logger)(upstream))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      loggingMiddleware(logger, cfg.TrustedProxies, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ValidateResponse is the body of POST /api/v1/validate
type ValidateResponse struct {
	chain.Response
	Chain      string             `json:"chain"`
	HTTPStatus int                `json:"http_status"`
	Steps      []chain.StepRecord `json:"steps,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req service.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxDocument()))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be a validation document", err.Error())
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required", "")
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = s.config.TrustedProxies.ClientIP(r)
	}

	res, err := s.svc.Validate(r.Context(), req)
	switch {
	case errors.Is(err, service.ErrNoChain):
		writeError(w, http.StatusNotFound, "NO_CHAIN", "no validation chain configured", req.Endpoint)
		return
	case errors.Is(err, chain.ErrUnknownValue):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid option", err.Error())
		return
	case errors.Is(err, service.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "validation service is shutting down", "")
		return
	case err != nil:
		s.logger.Error("Validation failed to run", "endpoint", req.Endpoint, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "validation failed to run", "")
		return
	}

	writeJSON(w, http.StatusOK, ValidateResponse{
		Response:   res.ToResponse(),
		Chain:      res.ChainName(),
		HTTPStatus: HTTPStatus(res),
		Steps:      res.Steps(),
	})
}

// maxDocument bounds the validation document, which wraps the payload
func (s *Server) maxDocument() int64 {
	if s.config.MaxBodyBytes <= 0 {
		return 2 << 20
	}
	return 2 * s.config.MaxBodyBytes
}

// EndpointsResponse is the body of GET /api/v1/endpoints
type EndpointsResponse struct {
	Endpoints []registry.EndpointInfo `json:"endpoints"`
	Types     []registry.TypeInfo     `json:"validator_types"`
	Warnings  []string                `json:"warnings"`
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	f := s.svc.Factory()
	writeJSON(w, http.StatusOK, EndpointsResponse{
		Endpoints: f.Endpoints(),
		Types:     s.svc.Registry().Describe(),
		Warnings:  append([]string{}, f.Warnings()...),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *logging.Logger, proxies *TrustedProxies, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapper.statusCode,
			"client_ip", proxies.ClientIP(r),
			"duration", time.Since(start),
		)
	})
}

// responseWrapper wraps http.ResponseWriter to capture status code
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher
func (w *responseWrapper) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker for the websocket upgrade
func (w *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Start listens on the configured address and blocks
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener and blocks. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.logger.Info("Starting HTTP server", "address", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server address
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
