// Package api exposes the engine over HTTP: graph operations, dataset
// transfer, kernel stats, an SSE progress stream, and operational endpoints.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/engine"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	maxBodySize       = 32 << 20 // datasets ride in request bodies
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	engine *engine.Engine
	events store.Store
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures the HTTP server. events may be nil when
// no event store is configured.
func NewServer(addr string, eng *engine.Engine, events store.Store, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		engine: eng,
		events: events,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Route("/graph", func(r chi.Router) {
			r.Post("/load", s.handleLoadSnapshot)
			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/patch", s.handleApplyPatch)
			r.Post("/input", s.handleSetInput)
		})

		r.Put("/datasets/{id}", s.handleRegisterDataset)
		r.Delete("/datasets/{id}", s.handleReleaseDataset)

		r.Get("/stats", s.handleGetStats)
		r.Get("/progress", s.handleStreamProgress)

		r.Route("/engine", func(r chi.Router) {
			r.Get("/", s.handleEngineInfo)
			r.Get("/trace", s.handleGetTrace)
			r.Put("/trace", s.handleSetTrace)
		})

		r.Get("/events", s.handleListEvents)
	})
}

// Router returns the chi router for tests and embedding.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HTTPServer builds the net/http server for this router, for use under the
// supervision tree.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response carrying the engine error code
// when one is present.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps a coded engine error to an HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := engine.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case engine.CodeKernelRestarting:
		status = http.StatusServiceUnavailable
	case engine.CodeDisposed:
		status = http.StatusGone
	case engine.CodeContractMismatch, engine.CodeInitFailed, engine.CodeSpawnBlocked:
		status = http.StatusBadGateway
	default:
		if code != "" {
			// Kernel-reported operation errors, including kernel-defined codes.
			status = http.StatusUnprocessableEntity
		}
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}
