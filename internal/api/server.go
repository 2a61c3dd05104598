package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flightctl/calcifer/pkg/shutdown"
)

const gracefulShutdownTimeout = 5 * time.Second

// RateLimitOptions bounds the request rate every route accepts, grounded on
// the teacher's IPRateLimiter: a single fixed-window limiter keyed by
// client IP, since Calcifer has no per-user identity to key on.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
}

// Server is Calcifer's REST API process: router, listener, and graceful
// shutdown.
type Server struct {
	log      logrus.FieldLogger
	addr     string
	handlers *Handlers
	shutdown *shutdown.ShutdownManager
	health   HealthChecker
	rate     RateLimitOptions
}

// NewServer returns a Server ready to Run.
func NewServer(log logrus.FieldLogger, addr string, handlers *Handlers, shutdownMgr *shutdown.ShutdownManager, health HealthChecker, rate RateLimitOptions) *Server {
	if rate.Requests <= 0 {
		rate.Requests = 120
	}
	if rate.Window <= 0 {
		rate.Window = time.Minute
	}
	return &Server{
		log:      log,
		addr:     addr,
		handlers: handlers,
		shutdown: shutdownMgr,
		health:   health,
		rate:     rate,
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.Recoverer,
		ChiLogger(s.log),
		httprate.Limit(s.rate.Requests, s.rate.Window, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return clientIP(r), nil
		})),
	)

	r.Get("/healthz", HealthzHandler().ServeHTTP)
	r.Get("/readyz", ReadyzHandler(2*time.Second, s.health).ServeHTTP)
	if s.shutdown != nil {
		r.Get("/shutdownz", ShutdownStatusHandler(s.shutdown).ServeHTTP)
	}

	r.Route("/devices/{controllerId}/{componentId}", func(dr chi.Router) {
		dr.Post("/intent", s.handlers.PostIntent)
		dr.Get("/twin", s.handlers.GetTwin)
		dr.Put("/override/{category}", s.handlers.PutOverride)
		dr.Delete("/override/{category}", s.handlers.DeleteOverride)
		dr.Get("/overrides", s.handlers.ListOverrides)
	})

	return r
}

// Run serves the REST API until ctx is cancelled, then drains in-flight
// requests within gracefulShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	httpServer := &http.Server{Handler: otelhttp.NewHandler(s.router(), "calcifer-api")}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", s.addr).Info("api server listening")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down api server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
