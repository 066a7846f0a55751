// Package api serves the project control API: protocol lifecycle
// operations, the runs graph and live run logs.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/foundry/internal/logstream"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/project"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	project *project.Project
	broker  *logstream.Broker
	logger  *slog.Logger
	addr    string

	// followInterval is how often run logs are polled for SSE clients.
	followInterval time.Duration
	// ctx bounds background log followers; stop cancels it on shutdown.
	ctx  context.Context
	stop context.CancelFunc
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, pr *project.Project, logger *slog.Logger) *Server {
	ctx, stop := context.WithCancel(context.Background())
	srv := &Server{
		router:         chi.NewRouter(),
		project:        pr,
		broker:         logstream.NewBroker(),
		logger:         logger,
		addr:           addr,
		followInterval: logstream.DefaultFollowInterval,
		ctx:            ctx,
		stop:           stop,
	}

	srv.router.Use(requestID)
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
	s.router.Handle("/metrics", metricsHandler(s.project.Store()))

	s.router.Get("/v1/definitions", s.handleListDefinitions)
	s.router.Get("/v1/hosts", s.handleListHosts)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/graph", s.handleGetGraph)

	s.router.Route("/v1/protocols", func(r chi.Router) {
		r.Post("/", s.handleCreateProtocol)
		r.Get("/", s.handleListProtocols)
		r.Post("/schedule-all", s.handleScheduleAll)
		r.Get("/{id}", s.handleGetProtocol)
		r.Delete("/{id}", s.handleDeleteProtocol)
		r.Get("/{id}/steps", s.handleListSteps)
		r.Post("/{id}/launch", s.handleLaunchProtocol)
		r.Post("/{id}/schedule", s.handleScheduleProtocol)
		r.Post("/{id}/stop", s.handleStopProtocol)
		r.Post("/{id}/reset", s.handleResetProtocol)
		r.Post("/{id}/continue", s.handleContinueProtocol)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	defer s.stop()
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr, "project", s.project.Path)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	s.stop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger. Probe
// and scrape requests are logged at debug level.
// requestID tags each request with the caller's X-Request-Id or a new ULID
// and echoes it in the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = model.NewID()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"route", routePattern(r),
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
