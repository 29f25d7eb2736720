// Package server exposes the control plane over HTTP.
//
// Purpose:
//   - chi router with the standard middleware chain: request IDs,
//     correlation IDs, panic recovery, security headers, request logging
//   - Request bodies validated up front; failures surface field-level
//     detail in the error envelope
//   - Mutating endpoints acknowledge and hand the work to the job queue;
//     only reads and provider start/stop run inline
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gpufleet/gpufleet/autostop"
	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/lifecycle"
	"github.com/gpufleet/gpufleet/listing"
	"github.com/gpufleet/gpufleet/migration"
	"github.com/gpufleet/gpufleet/provider"
	"github.com/gpufleet/gpufleet/store"
)

// AutoStopStatus is the slice of the auto-stop checker the API reads.
type AutoStopStatus interface {
	Stats() autostop.Stats
}

// MigrationStatus is the slice of the migration runner the API reads.
type MigrationStatus interface {
	Stats() migration.Stats
	History(ctx context.Context, limit int) ([]migration.Record, error)
}

// Deps carries everything the HTTP surface needs. All fields are required
// unless noted.
type Deps struct {
	Store     *store.Store
	Sink      core.JobSink
	Tracker   *lifecycle.Tracker
	Listing   *listing.Service
	API       provider.API
	AutoStop  AutoStopStatus
	Migration MigrationStatus

	Defaults    core.InstanceDefaults
	Startup     core.StartupConfig
	HealthCheck core.HealthCheckConfig
	Jobs        core.JobsConfig

	Version    string
	Production bool // sanitize 5xx detail
	Logger     core.Logger
}

// Server is the HTTP surface.
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   core.Logger
	started  time.Time
}

// New creates a Server. The router is built once via Router.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("server")
	}
	v := validator.New()
	_ = v.RegisterValidation("instancename", func(fl validator.FieldLevel) bool {
		return core.ValidInstanceName(fl.Field().String())
	})
	return &Server{deps: deps, validate: v, logger: logger, started: time.Now().UTC()}
}

// Router assembles the chi handler tree.
func (s *Server) Router(httpCfg core.HTTPConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(otelhttp.NewMiddleware("gpufleet.http"))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.contextIDs)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(s.requestLogger)
	if httpCfg.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   httpCfg.CORS.AllowedOrigins,
			AllowedMethods:   httpCfg.CORS.AllowedMethods,
			AllowedHeaders:   httpCfg.CORS.AllowedHeaders,
			AllowCredentials: httpCfg.CORS.AllowCredentials,
			MaxAge:           httpCfg.CORS.MaxAge,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/instances", func(r chi.Router) {
		r.Post("/", s.handleCreateInstance)
		r.Get("/", s.handleListInstances)
		r.Get("/comprehensive", s.handleComprehensive)
		r.Post("/start", s.handleStartByName)
		r.Post("/stop", s.handleStopByName)
		r.Get("/auto-stop/stats", s.handleAutoStopStats)
		r.Post("/auto-stop/trigger", s.handleAutoStopTrigger)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetInstance)
			r.Post("/start", s.handleStartByID)
			r.Post("/stop", s.handleStopByID)
			r.Put("/last-used", s.handleLastUsed)
		})
	})

	r.Route("/api/migration", func(r chi.Router) {
		r.Get("/status", s.handleMigrationStatus)
		r.Post("/trigger", s.handleMigrationTrigger)
		r.Get("/history", s.handleMigrationHistory)
	})

	return r
}

// contextIDs lifts the chi request ID and the caller's correlation ID onto
// the request context so log records and provider calls carry them.
func (s *Server) contextIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = core.WithRequestID(ctx, reqID)
		}
		if corr := r.Header.Get("X-Correlation-ID"); corr != "" {
			ctx = core.WithCorrelationID(ctx, corr)
		} else {
			ctx, _ = core.EnsureCorrelationID(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoWithContext(r.Context(), "Request handled", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote":      r.RemoteAddr,
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   s.deps.Version,
		"uptimeSec": int64(time.Since(s.started).Seconds()),
	})
}
