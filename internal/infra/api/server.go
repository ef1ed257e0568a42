// File: internal/infra/api/server.go
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/infra/metrics"
	"grading-orchestrator/internal/usecase"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	MaxSyncWait time.Duration
	Limiter     IntakeLimiter
	Health      map[string]HealthCheck
}

// Server is the public HTTP surface: intake, result read, cancel, progress
// stream and cache/queue administration.
type Server struct {
	uc       usecase.SubmissionUseCase
	events   adapter.ProgressSubscriber
	auth     *AuthManager
	opts     Options
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

func NewServer(uc usecase.SubmissionUseCase, events adapter.ProgressSubscriber, auth *AuthManager, opts Options, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "api").Logger()
	if opts.MaxSyncWait <= 0 {
		opts.MaxSyncWait = 2 * time.Minute
	}
	return &Server{
		uc:     uc,
		events: events,
		auth:   auth,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: &l,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.log), TraceID(), RequestLog(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(RateLimit(s.opts.Limiter, s.log)).Post("/submissions", s.handleSubmit)
		r.Get("/submissions/{id}", s.handleGet)
		r.Delete("/submissions/{id}", s.handleCancel)
		r.Get("/submissions/{id}/events", s.handleEvents)

		r.Post("/admin/session", s.handleAdminSession)
		r.Group(func(r chi.Router) {
			r.With(s.auth.RequireAdmin("cache_stats")).Get("/admin/cache/stats", s.handleCacheStats)
			r.With(s.auth.RequireAdmin("cache_clear")).Delete("/admin/cache", s.handleCacheClear)
			r.With(s.auth.RequireAdmin("queue_stats")).Get("/admin/queue/stats", s.handleQueueStats)
		})
	})
	return r
}

// Serve runs the HTTP server until ctx is done, then drains it.
func (s *Server) Serve(ctx context.Context, cfg config.HTTPConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.log.Info().Msg("http server shutting down")
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, check := range s.opts.Health {
		if err := check(ctx); err != nil {
			status[name] = "down"
			code = http.StatusServiceUnavailable
			s.log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
}
