// Package api exposes the tool service over HTTP: health and readiness probes,
// Prometheus metrics, tool listing and tool calls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/common/logger"
	"llm-field-tools/internal/tools"
	"llm-field-tools/pkg/registry"
)

// maxBodyBytes bounds a call request body.
const maxBodyBytes = 10 << 20

// StatusClientClosedRequest is reported when the caller went away mid-batch.
const StatusClientClosedRequest = 499

// ToolService is the part of tools.Service the HTTP surface uses.
type ToolService interface {
	ListTemplates() []registry.Summary
	Describe(name string) (registry.Template, error)
	Call(ctx context.Context, name string, args map[string]interface{}) (*tools.CallResult, error)
}

// Templates reports registry readiness and can reload it.
type Templates interface {
	Ready() bool
	Reload() error
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

type Server struct {
	router    *mux.Router
	service   ToolService
	templates Templates
	checks    []namedCheck
	logger    logger.Logger
	version   string
	server    *http.Server
}

func NewServer(service ToolService, templates Templates, log logger.Logger, version string) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		service:   service,
		templates: templates,
		logger:    log,
		version:   version,
	}
	s.routes()
	return s
}

// AddReadinessCheck makes /ready also depend on check. Register checks before
// serving.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checks = append(s.checks, namedCheck{name: name, check: check})
}

func (s *Server) routes() {
	s.router.Use(s.requestLogger)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
	v1.HandleFunc("/tools/{name}", s.handleDescribeTool).Methods(http.MethodGet)
	v1.HandleFunc("/tools/{name}/call", s.handleCallTool).Methods(http.MethodPost)
	v1.HandleFunc("/templates/reload", s.handleReload).Methods(http.MethodPost)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is not an error.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", map[string]interface{}{"addr": addr})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.templates.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no tool templates loaded",
		})
		return
	}
	for _, c := range s.checks {
		if err := c.check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", map[string]interface{}{"check": c.name, "error": err.Error()})
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": c.name + ": " + err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.service.ListTemplates()})
}

func (s *Server) handleDescribeTool(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.service.Describe(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var args map[string]interface{}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&args); err != nil {
		s.writeError(w, r, apperrors.NewInvalidInputError("request body must be a JSON object: "+err.Error()))
		return
	}

	res, err := s.service.Call(r.Context(), name, args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Reload(); err != nil {
		s.writeError(w, r, apperrors.NewTemplateLoadFailedError("templates", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.service.ListTemplates()})
}

// StatusFor maps an error to the HTTP status of a failed call.
func StatusFor(ctx context.Context, err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeMissingFieldReference:
		return http.StatusBadRequest
	case apperrors.ErrCodeTemplateNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeBatchCancelled:
		if ctx.Err() != nil {
			return StatusClientClosedRequest
		}
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeTemplateLoadFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(r.Context(), err)
	std := apperrors.AsStandard(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", map[string]interface{}{
			"path":  r.URL.Path,
			"code":  string(std.Code),
			"error": err.Error(),
		})
	}
	writeJSON(w, status, map[string]interface{}{"error": std})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("HTTP request", map[string]interface{}{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
