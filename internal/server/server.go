// Package server publishes the rotator's key set over HTTP.
//
// Routes:
//
//	GET|HEAD /jwks                   current key set
//	GET|HEAD /.well-known/jwks.json  same document, conventional location
//	GET      /jwks/rotate            force a rotation, then return the key set
//	GET      /healthz                signing key and scheduler status
//	GET      /metrics                Prometheus exposition (when metrics are enabled)
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhaori96/krot/v2"
	"github.com/zhaori96/krot/v2/internal/metrics"
)

// Config holds the listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Options struct {
	Rotator *krot.Rotator

	// Metrics is optional; without it /metrics is not routed.
	Metrics *metrics.Metrics

	Logger *zap.Logger
}

type Server struct {
	rotator *krot.Rotator
	metrics *metrics.Metrics
	logger  *zap.Logger
	handler http.Handler
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		rotator: opts.Rotator,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	s.Register(r)

	s.handler = r
	return s
}

// Register mounts the routes on r.
func (s *Server) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Get("/jwks", s.keySet)
		r.Head("/jwks", s.keySet)
		r.Get("/.well-known/jwks.json", s.keySet)
		r.Head("/.well-known/jwks.json", s.keySet)
		r.Get("/jwks/rotate", s.rotate)
		r.Get("/healthz", s.health)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("http server listening", zap.String("addr", cfg.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
