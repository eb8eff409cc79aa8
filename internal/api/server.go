package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/evaluator"
	"github.com/opensource-utility/kestrel/internal/rules"
	"github.com/opensource-utility/kestrel/internal/tasks"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, eval *evaluator.Evaluator, taskSvc *tasks.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, eval, taskSvc, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Segment topology and sensing
	router.Route("/segments", func(r chi.Router) {
		r.Post("/", handler.CreateSegment)
		r.Get("/", handler.ListSegments)
		r.Get("/{id}", handler.GetSegment)
		r.Delete("/{id}", handler.DeleteSegment)

		r.Post("/{id}/sensors", handler.CreateSensor)
		r.Get("/{id}/sensors", handler.ListSensors)

		r.Post("/{id}/readings", handler.IngestReading)
		r.Get("/{id}/readings", handler.ListReadings)

		r.Post("/{id}/alarms", handler.RaiseAlarm)
		r.Get("/{id}/alarms", handler.ListAlarms)
	})
	router.Delete("/sensors/{id}", handler.DeleteSensor)

	// Ontology graph and derived rules
	router.Route("/ontology", func(r chi.Router) {
		r.Post("/entities", handler.CreateEntity)
		r.Get("/entities", handler.ListEntities)
		r.Get("/entities/{id}", handler.GetEntity)
		r.Delete("/entities/{id}", handler.DeleteEntity)

		r.Post("/relations", handler.CreateRelation)
		r.Get("/relations", handler.ListRelations)
		r.Delete("/relations/{id}", handler.DeleteRelation)
	})
	router.Get("/rules", handler.ListRules)
	router.Post("/rules/validate", handler.ValidateRule)

	// Risk evaluation
	router.Route("/risk", func(r chi.Router) {
		r.Post("/evaluate", handler.Evaluate)
		r.Get("/topn", handler.TopN)
		r.Get("/events", handler.ListRiskEvents)
	})

	// Follow-up tasks
	router.Route("/tasks", func(r chi.Router) {
		r.Get("/", handler.ListTasks)
		r.Get("/{id}", handler.GetTask)
		r.Post("/{id}/status", handler.TransitionTask)
		r.Post("/{id}/evidence", handler.AttachEvidence)
		r.Get("/{id}/timeline", handler.GetTimeline)
	})

	// Maintenance
	router.Post("/admin/purge", handler.PurgeSensing)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
